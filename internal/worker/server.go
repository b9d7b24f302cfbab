package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dunamismax/formprep/internal/batch"
	"github.com/dunamismax/formprep/internal/config"
	"github.com/dunamismax/formprep/internal/domain"
	"github.com/dunamismax/formprep/internal/pipeline"
	"github.com/dunamismax/formprep/internal/queue"
	"github.com/dunamismax/formprep/internal/store"
	"github.com/dunamismax/formprep/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	runStore      store.RunStore
	webhookClient webhookSender
	mirror        pipeline.ObjectWriter
	mirrorPrefix  string
	jobTimeout    time.Duration
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// NewServer builds a worker that normalizes one sheet per task. mirror may
// be nil, in which case sheets are only written to the run's output
// directory.
func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	runStore store.RunStore,
	webhookClient *webhook.Client,
	mirror pipeline.ObjectWriter,
	mirrorPrefix string,
) (*Server, error) {
	if runStore == nil {
		return nil, fmt.Errorf("run store is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					logger.Printf("task failed type=%s err=%v", task.Type(), err)
				}),
			},
		),
		sem:          make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		runStore:     runStore,
		mirror:       mirror,
		mirrorPrefix: mirrorPrefix,
		jobTimeout:   workerCfg.JobTimeout,
		metrics:      newMetrics(),
		tracer:       otel.Tracer("formprep/worker"),
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = batch.DefaultJobTimeout
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeNormalizeSheet, s.handleNormalizeSheet)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleNormalizeSheet(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseNormalizeSheetPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.normalize_sheet", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("run.id", payload.RunID),
		attribute.Int("job.index", payload.Index),
		attribute.String("job.source", payload.SourcePath),
	)
	defer span.End()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for slot: %w", ctx.Err())
	}
	s.metrics.activeSheets.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeSheets.Dec()
	}()

	job := s.normalize(ctx, payload)
	s.metrics.sheetsTotal.WithLabelValues(job.Status).Inc()
	s.metrics.sheetDuration.WithLabelValues(job.Status).Observe(job.Duration.Seconds())

	// The sheet's outcome must land even when asynq has given up on the task.
	recordCtx := context.WithoutCancel(ctx)
	if err := s.runStore.RecordJob(recordCtx, payload.RunID, payload.Index, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return fmt.Errorf("record job: %w", err)
	}
	s.completeRun(recordCtx, payload)

	if job.Status == domain.JobStatusFailed {
		span.SetStatus(codes.Error, "job failed")
		return fmt.Errorf("normalize %s: %s: %w", filepath.Base(payload.SourcePath), job.Reason, asynq.SkipRetry)
	}
	span.SetStatus(codes.Ok, "normalized")
	return nil
}

func (s *Server) normalize(ctx context.Context, payload queue.NormalizeSheetPayload) domain.ImageJob {
	job := domain.ImageJob{
		SourcePath: payload.SourcePath,
		OutputPath: filepath.Join(payload.OutDir, pipeline.OutputName(payload.SourcePath, payload.Config.OutputSuffix)),
		Status:     domain.JobStatusPending,
	}

	startedAt := time.Now()
	emitter := batch.NewEmitter(payload.OutDir, payload.Config.OutputSuffix, s.mirror, s.mirrorPrefix)
	proc, err := pipeline.NewProcessor(pipeline.LocalFileFetcher{}, emitter, payload.Config, payload.Geometry)
	if err != nil {
		job.Fail(err, time.Since(startedAt))
		s.logf(payload, "failed %s reason=%v", filepath.Base(payload.SourcePath), err)
		return job
	}

	out, err := batch.ExecuteJob(ctx, proc, pipeline.Request{RunID: payload.RunID, SourcePath: payload.SourcePath}, s.jobTimeout)
	took := time.Since(startedAt)
	if err != nil {
		job.Fail(err, took)
		s.logf(payload, "failed %s reason=%v", filepath.Base(payload.SourcePath), err)
		return job
	}

	job.OutputPath = out.Path
	job.Succeed(out.Width, out.Height, out.Bytes, took)
	s.metrics.outputBytesTotal.Add(float64(out.Bytes))
	s.logf(
		payload,
		"normalized %s -> %s size=%dx%d bytes=%d took=%s",
		filepath.Base(payload.SourcePath),
		filepath.Base(out.Path),
		out.Width,
		out.Height,
		out.Bytes,
		took.Round(time.Millisecond),
	)
	return job
}

// completeRun fires run.completed once the last sheet of a run is recorded.
// ClaimCompletion guarantees a single worker wins when sheets finish together.
func (s *Server) completeRun(ctx context.Context, payload queue.NormalizeSheetPayload) {
	claimed, err := s.runStore.ClaimCompletion(ctx, payload.RunID)
	if err != nil {
		s.logger.Printf("completion claim failed run_id=%s err=%v", payload.RunID, err)
		return
	}
	if !claimed {
		return
	}

	summary, ok, err := s.runStore.Summary(ctx, payload.RunID)
	if err != nil || !ok {
		s.logger.Printf("summary lookup failed run_id=%s ok=%v err=%v", payload.RunID, ok, err)
		return
	}
	s.metrics.runsCompletedTotal.Inc()
	s.logger.Printf(
		"run completed run_id=%s total=%d succeeded=%d failed=%d",
		summary.RunID,
		summary.Total,
		summary.Succeeded,
		summary.Failed,
	)

	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	body := webhook.NewRunCompleted(summary, payload.Geometry)
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, webhook.EventRunCompleted, body); err != nil {
		s.metrics.webhookFailures.Inc()
		s.logger.Printf("webhook delivery failed run_id=%s event=%s err=%v", payload.RunID, webhook.EventRunCompleted, err)
	}
}

func (s *Server) logf(payload queue.NormalizeSheetPayload, format string, args ...any) {
	prefix := fmt.Sprintf("[run %s file %d/%d] ", payload.RunID, payload.Index+1, payload.Total)
	s.logger.Printf(prefix+format, args...)
}
