package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/formprep/internal/batch"
	"github.com/dunamismax/formprep/internal/domain"
	"github.com/dunamismax/formprep/internal/queue"
	"github.com/dunamismax/formprep/internal/store"
	"github.com/dunamismax/formprep/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger                *log.Logger
	queueClient           queueEnqueuer
	runStore              store.RunStore
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	webhookClient         webhookSender
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueNormalizeSheet(ctx context.Context, payload queue.NormalizeSheetPayload) (*asynq.TaskInfo, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
	Webhook               *webhook.Client
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, runStore store.RunStore, opts Options) *Server {
	if opts.RateLimitUserIDHeader == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		queueClient:           queueClient,
		runStore:              runStore,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                opts.Tracer,
		mux:                   http.NewServeMux(),
	}
	if opts.Webhook != nil {
		s.webhookClient = opts.Webhook
	}
	s.routes()
	return s
}

// Handler wraps the routes in tracing, metrics and rate limiting, outermost
// first.
func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createRunRequest mirrors the CLI flags. Config starts from the defaults so
// callers only send what they change.
type createRunRequest struct {
	TemplatePath string                `json:"template_path"`
	InDir        string                `json:"in_dir"`
	OutDir       string                `json:"out_dir"`
	Extensions   []string              `json:"extensions,omitempty"`
	CleanBefore  bool                  `json:"clean_before,omitempty"`
	WebhookURL   string                `json:"webhook_url,omitempty"`
	Config       domain.PipelineConfig `json:"config"`
}

func (r createRunRequest) validate() error {
	if strings.TrimSpace(r.TemplatePath) == "" {
		return errors.New("template_path is required")
	}
	if strings.TrimSpace(r.InDir) == "" {
		return errors.New("in_dir is required")
	}
	if strings.TrimSpace(r.OutDir) == "" {
		return errors.New("out_dir is required")
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("webhook_url must be an absolute http(s) URL")
		}
	}
	return nil
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	req := createRunRequest{Config: domain.DefaultPipelineConfig()}
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.observeRun(outcomeInvalid, 0)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		s.metrics.observeRun(outcomeInvalid, 0)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	plan, err := batch.Prepare(batch.RunSpec{
		TemplatePath: req.TemplatePath,
		InDir:        req.InDir,
		OutDir:       req.OutDir,
		Config:       req.Config,
		Extensions:   req.Extensions,
		CleanBefore:  req.CleanBefore,
	})
	if err != nil {
		if domain.IsSetupError(err) {
			s.metrics.observeRun(outcomeSetupError, 0)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Printf("prepare run failed: %v", err)
		s.metrics.observeRun(outcomeError, 0)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to prepare run"})
		return
	}

	run := plan.Run
	if err := s.runStore.CreateRun(r.Context(), run, plan.Jobs); err != nil {
		s.logger.Printf("create run failed run_id=%s err=%v", run.ID, err)
		s.metrics.observeRun(outcomeError, 0)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create run"})
		return
	}

	pending := plan.Pending()
	requestedAt := time.Now().UTC()
	for _, i := range pending {
		payload := queue.NormalizeSheetPayload{
			RunID:       run.ID,
			Index:       i,
			Total:       run.Total,
			SourcePath:  plan.Jobs[i].SourcePath,
			OutDir:      run.OutDir,
			Geometry:    run.Geometry,
			Config:      run.Config,
			WebhookURL:  req.WebhookURL,
			RequestedAt: requestedAt,
		}
		info, err := s.queueClient.EnqueueNormalizeSheet(r.Context(), payload)
		if err != nil {
			s.logger.Printf("enqueue failed run_id=%s index=%d err=%v", run.ID, i, err)
			s.failUnqueued(r.Context(), run, plan.Jobs, i, err, req.WebhookURL)
			s.metrics.observeRun(outcomeEnqueueFailed, 0)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue run", "run_id": run.ID})
			return
		}
		s.metrics.sheetsEnqueued.WithLabelValues(info.Queue).Inc()
	}
	s.metrics.observeRun(outcomeAccepted, run.Total)

	s.logger.Printf(
		"run accepted run_id=%s total=%d queued=%d geometry=%s",
		run.ID,
		run.Total,
		len(pending),
		run.Geometry,
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":     run.ID,
		"total":      run.Total,
		"queued":     len(pending),
		"failed":     run.Total - len(pending),
		"geometry":   run.Geometry,
		"status_url": fmt.Sprintf("/v1/runs/%s", run.ID),
	})
}

// failUnqueued marks the job that could not be enqueued, and every pending
// job after it, as failed so the run still reaches a terminal state. When
// those records finish the run, the API sends run.completed itself.
func (s *Server) failUnqueued(ctx context.Context, run domain.Run, jobs []domain.ImageJob, from int, cause error, webhookURL string) {
	ctx = context.WithoutCancel(ctx)
	for i := from; i < len(jobs); i++ {
		if jobs[i].Terminal() {
			continue
		}
		job := jobs[i]
		job.Fail(fmt.Errorf("enqueue: %w", cause), 0)
		if err := s.runStore.RecordJob(ctx, run.ID, i, job); err != nil {
			s.logger.Printf("record unqueued job failed run_id=%s index=%d err=%v", run.ID, i, err)
		}
	}

	claimed, err := s.runStore.ClaimCompletion(ctx, run.ID)
	if err != nil {
		s.logger.Printf("completion claim failed run_id=%s err=%v", run.ID, err)
		return
	}
	if !claimed {
		return
	}
	summary, ok, err := s.runStore.Summary(ctx, run.ID)
	if err != nil || !ok {
		s.logger.Printf("summary lookup failed run_id=%s ok=%v err=%v", run.ID, ok, err)
		return
	}
	s.logger.Printf("run completed run_id=%s total=%d succeeded=%d failed=%d", run.ID, summary.Total, summary.Succeeded, summary.Failed)

	if webhookURL == "" || s.webhookClient == nil {
		return
	}
	body := webhook.NewRunCompleted(summary, run.Geometry)
	if err := s.webhookClient.Send(ctx, webhookURL, webhook.EventRunCompleted, body); err != nil {
		s.logger.Printf("webhook delivery failed run_id=%s event=%s err=%v", run.ID, webhook.EventRunCompleted, err)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("id"))
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "run id is required"})
		return
	}

	run, ok, err := s.runStore.GetRun(r.Context(), runID)
	if err != nil {
		s.logger.Printf("fetch run failed run_id=%s err=%v", runID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	summary, _, err := s.runStore.Summary(r.Context(), runID)
	if err != nil {
		s.logger.Printf("fetch summary failed run_id=%s err=%v", runID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}

	status := "running"
	if summary.Complete() {
		status = "completed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":     run,
		"status":  status,
		"summary": summary,
	})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
