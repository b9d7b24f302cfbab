package batch

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/dunamismax/formprep/internal/domain"
	"github.com/dunamismax/formprep/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recorder persists run bookkeeping. Errors are logged and never fail a job.
type Recorder interface {
	CreateRun(ctx context.Context, run domain.Run, jobs []domain.ImageJob) error
	RecordJob(ctx context.Context, runID string, index int, job domain.ImageJob) error
}

type Options struct {
	Workers      int
	JobTimeout   time.Duration
	Recorder     Recorder
	Metrics      *Metrics
	Mirror       pipeline.ObjectWriter
	MirrorPrefix string
}

type Orchestrator struct {
	logger *log.Logger
	opts   Options
	tracer trace.Tracer
}

func New(logger *log.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	return &Orchestrator{
		logger: logger,
		opts:   opts,
		tracer: otel.Tracer("formprep/batch"),
	}
}

func (o *Orchestrator) Metrics() *Metrics {
	return o.opts.Metrics
}

// Run executes spec. A non-nil error means setup failed and no output was
// written; per-sheet failures are reported in the summary only.
func (o *Orchestrator) Run(ctx context.Context, spec RunSpec) (domain.Summary, error) {
	startedAt := time.Now()
	ctx, span := o.tracer.Start(ctx, "batch.run")
	defer span.End()

	plan, err := Prepare(spec)
	if err != nil {
		o.opts.Metrics.runsTotal.WithLabelValues("setup_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		return domain.Summary{}, err
	}
	run := plan.Run

	processor, err := pipeline.NewProcessor(pipeline.LocalFileFetcher{}, o.emitter(spec), spec.Config, run.Geometry)
	if err != nil {
		o.opts.Metrics.runsTotal.WithLabelValues("setup_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		return domain.Summary{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.geometry", run.Geometry.String()),
		attribute.Int("run.total", run.Total),
		attribute.Bool("run.strict_resize", spec.Config.StrictResize),
	)
	o.logger.Printf(
		"run started run_id=%s template=%s geometry=%s files=%d workers=%d backend=%s stages=%v",
		run.ID,
		run.TemplatePath,
		run.Geometry,
		run.Total,
		o.opts.Workers,
		pipeline.Backend(),
		processor.Chain().StageNames(),
	)

	if o.opts.Recorder != nil {
		if err := o.opts.Recorder.CreateRun(context.WithoutCancel(ctx), run, plan.Jobs); err != nil {
			o.logger.Printf("run record failed run_id=%s err=%v", run.ID, err)
		}
	}

	jobs := plan.Jobs
	total := len(jobs)
	for i := range jobs {
		if jobs[i].Terminal() {
			o.logger.Printf("[file %d/%d] skipped %s reason=%s", i+1, total, filepath.Base(jobs[i].SourcePath), jobs[i].Reason)
			o.finishJob(ctx, run.ID, i, jobs[i])
		}
	}

	pending := plan.Pending()
	sem := make(chan struct{}, o.opts.Workers)
	var wg sync.WaitGroup
	for n, i := range pending {
		acquired := false
		select {
		case sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			if acquired {
				<-sem
			}
			o.cancelRemaining(ctx, run.ID, jobs, pending[n:])
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			o.runJob(ctx, run.ID, processor, jobs, i)
		}(i)
	}
	wg.Wait()

	summary := domain.Summarize(run.ID, total, jobs)
	summary.Duration = time.Since(startedAt)

	outcome := "completed"
	if ctx.Err() != nil {
		outcome = "cancelled"
	}
	o.opts.Metrics.runsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Int("run.succeeded", summary.Succeeded),
		attribute.Int("run.failed", summary.Failed),
	)
	span.SetStatus(codes.Ok, outcome)

	o.logger.Printf(
		"run %s run_id=%s total=%d succeeded=%d failed=%d took=%s",
		outcome,
		run.ID,
		summary.Total,
		summary.Succeeded,
		summary.Failed,
		summary.Duration.Round(time.Millisecond),
	)
	return summary, nil
}

func (o *Orchestrator) emitter(spec RunSpec) pipeline.Emitter {
	return NewEmitter(spec.OutDir, spec.Config.OutputSuffix, o.opts.Mirror, o.opts.MirrorPrefix)
}

func NewEmitter(outDir, suffix string, mirror pipeline.ObjectWriter, prefix string) pipeline.Emitter {
	local := pipeline.LocalFileEmitter{OutputDir: outDir, Suffix: suffix}
	if mirror == nil {
		return local
	}
	return pipeline.MirrorEmitter{Primary: local, Storage: mirror, Prefix: prefix}
}

func (o *Orchestrator) runJob(ctx context.Context, runID string, proc JobProcessor, jobs []domain.ImageJob, i int) {
	job := &jobs[i]
	total := len(jobs)

	ctx, span := o.tracer.Start(ctx, "batch.job", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("job.index", i),
		attribute.String("job.source", job.SourcePath),
	))
	defer span.End()

	o.opts.Metrics.activeJobs.Inc()
	defer o.opts.Metrics.activeJobs.Dec()

	startedAt := time.Now()
	out, err := ExecuteJob(ctx, proc, pipeline.Request{RunID: runID, SourcePath: job.SourcePath}, o.opts.JobTimeout)
	took := time.Since(startedAt)

	if err != nil {
		job.Fail(err, took)
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		o.logger.Printf("[file %d/%d] failed %s reason=%v", i+1, total, filepath.Base(job.SourcePath), err)
	} else {
		job.OutputPath = out.Path
		job.Succeed(out.Width, out.Height, out.Bytes, took)
		span.SetStatus(codes.Ok, "normalized")
		o.logger.Printf(
			"[file %d/%d] normalized %s -> %s size=%dx%d bytes=%d took=%s",
			i+1,
			total,
			filepath.Base(job.SourcePath),
			filepath.Base(out.Path),
			out.Width,
			out.Height,
			out.Bytes,
			took.Round(time.Millisecond),
		)
	}

	o.finishJob(ctx, runID, i, *job)
}

func (o *Orchestrator) cancelRemaining(ctx context.Context, runID string, jobs []domain.ImageJob, indexes []int) {
	for _, i := range indexes {
		jobs[i].Fail(domain.ErrCancelled, 0)
		o.logger.Printf("[file %d/%d] failed %s reason=%v", i+1, len(jobs), filepath.Base(jobs[i].SourcePath), domain.ErrCancelled)
		o.finishJob(ctx, runID, i, jobs[i])
	}
}

func (o *Orchestrator) finishJob(ctx context.Context, runID string, index int, job domain.ImageJob) {
	o.opts.Metrics.jobsTotal.WithLabelValues(job.Status).Inc()
	o.opts.Metrics.jobDuration.WithLabelValues(job.Status).Observe(job.Duration.Seconds())
	if job.Status == domain.JobStatusSucceeded {
		o.opts.Metrics.outputBytesTotal.Add(float64(job.Bytes))
		o.opts.Metrics.pixelsWrittenTotal.Add(float64(job.Width * job.Height))
	}

	if o.opts.Recorder == nil {
		return
	}
	if err := o.opts.Recorder.RecordJob(context.WithoutCancel(ctx), runID, index, job); err != nil {
		o.logger.Printf("job record failed run_id=%s index=%d err=%v", runID, index, err)
	}
}
