package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/formprep/internal/domain"
	"github.com/dunamismax/formprep/internal/queue"
	"github.com/dunamismax/formprep/internal/store"
	"github.com/dunamismax/formprep/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

func TestHandleNormalizeSheet_CompletesRunOnce(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	first := writeSheet(t, filepath.Join(inDir, "a.png"))
	second := filepath.Join(inDir, "b.png")
	if err := os.WriteFile(second, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write corrupt sheet: %v", err)
	}

	runStore := store.NewMemoryRunStore()
	hooks := &captureWebhook{}
	var logs bytes.Buffer
	s := newTestServer(&logs, runStore, hooks)

	geom := domain.TemplateGeometry{Width: 120, Height: 160}
	seedRun(t, runStore, "run-1", geom, first, second)

	err := s.handleNormalizeSheet(context.Background(), mustTask(t, queue.NormalizeSheetPayload{
		RunID: "run-1", Index: 0, Total: 2, SourcePath: first, OutDir: outDir,
		Geometry: geom, Config: domain.DefaultPipelineConfig(), WebhookURL: "http://hooks.example/run",
	}))
	if err != nil {
		t.Fatalf("first sheet: %v", err)
	}
	if hooks.count() != 0 {
		t.Fatal("webhook fired before the run was complete")
	}
	if _, err := os.Stat(filepath.Join(outDir, "a.jpg")); err != nil {
		t.Fatalf("expected normalized output: %v", err)
	}

	err = s.handleNormalizeSheet(context.Background(), mustTask(t, queue.NormalizeSheetPayload{
		RunID: "run-1", Index: 1, Total: 2, SourcePath: second, OutDir: outDir,
		Geometry: geom, Config: domain.DefaultPipelineConfig(), WebhookURL: "http://hooks.example/run",
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip-retry failure for corrupt sheet, got %v", err)
	}

	summary, ok, err := runStore.Summary(context.Background(), "run-1")
	if err != nil || !ok {
		t.Fatalf("summary ok=%v err=%v", ok, err)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if !strings.Contains(summary.Jobs[1].Reason, domain.ErrDecode.Error()) {
		t.Fatalf("expected decode reason, got %q", summary.Jobs[1].Reason)
	}

	if hooks.count() != 1 {
		t.Fatalf("expected exactly one run.completed webhook, got %d", hooks.count())
	}
	if hooks.events[0] != webhook.EventRunCompleted {
		t.Fatalf("unexpected event %q", hooks.events[0])
	}
	body := hooks.bodies[0].(webhook.RunCompleted)
	if body.RunID != "run-1" || body.Failed != 1 || len(body.Failures) != 1 {
		t.Fatalf("unexpected webhook body %+v", body)
	}

	if !strings.Contains(logs.String(), "[run run-1 file 2/2] failed b.png") {
		t.Fatalf("missing failure log line:\n%s", logs.String())
	}
}

func TestHandleNormalizeSheet_RejectsBadPayload(t *testing.T) {
	s := newTestServer(&bytes.Buffer{}, store.NewMemoryRunStore(), &captureWebhook{})
	err := s.handleNormalizeSheet(context.Background(), asynq.NewTask(queue.TypeNormalizeSheet, []byte(`{"run_id":""}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip-retry, got %v", err)
	}
}

func TestHandleNormalizeSheet_InvalidConfigFailsJob(t *testing.T) {
	inDir := t.TempDir()
	source := writeSheet(t, filepath.Join(inDir, "a.png"))
	runStore := store.NewMemoryRunStore()
	s := newTestServer(&bytes.Buffer{}, runStore, &captureWebhook{})

	geom := domain.TemplateGeometry{Width: 120, Height: 160}
	seedRun(t, runStore, "run-2", geom, source)

	cfg := domain.DefaultPipelineConfig()
	cfg.OutputDPI = 0
	err := s.handleNormalizeSheet(context.Background(), mustTask(t, queue.NormalizeSheetPayload{
		RunID: "run-2", Index: 0, Total: 1, SourcePath: source, OutDir: t.TempDir(),
		Geometry: geom, Config: cfg,
	}))
	if err == nil {
		t.Fatal("expected failure")
	}

	summary, _, _ := runStore.Summary(context.Background(), "run-2")
	if summary.Failed != 1 || !strings.Contains(summary.Jobs[0].Reason, domain.ErrInvalidConfig.Error()) {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func newTestServer(logs *bytes.Buffer, runStore store.RunStore, hooks webhookSender) *Server {
	return &Server{
		logger:        log.New(logs, "", 0),
		sem:           make(chan struct{}, 1),
		runStore:      runStore,
		webhookClient: hooks,
		jobTimeout:    30 * time.Second,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("formprep/worker"),
	}
}

func seedRun(t *testing.T, runStore store.RunStore, runID string, geom domain.TemplateGeometry, sources ...string) {
	t.Helper()
	jobs := make([]domain.ImageJob, len(sources))
	for i, src := range sources {
		jobs[i] = domain.ImageJob{SourcePath: src, Status: domain.JobStatusPending}
	}
	run := domain.Run{ID: runID, Geometry: geom, Config: domain.DefaultPipelineConfig(), Total: len(jobs), CreatedAt: time.Now().UTC()}
	if err := runStore.CreateRun(context.Background(), run, jobs); err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func mustTask(t *testing.T, payload queue.NormalizeSheetPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewNormalizeSheetTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func writeSheet(t *testing.T, path string) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 90, 120))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for y := 20; y < 100; y += 20 {
		for x := 10; x < 80; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create sheet: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode sheet: %v", err)
	}
	return path
}

type captureWebhook struct {
	mu     sync.Mutex
	events []string
	bodies []any
}

func (c *captureWebhook) Send(_ context.Context, _, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.bodies = append(c.bodies, payload)
	return nil
}

func (c *captureWebhook) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
