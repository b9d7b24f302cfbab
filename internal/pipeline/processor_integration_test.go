package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/formprep/internal/domain"
)

func TestLocalProcessor_FileInNormalizedSheetOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "sheet-001.png")
	outputDir := filepath.Join(tmp, "out")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}

	if err := os.WriteFile(inputPath, buildSheetPNG(t, 500, 700), 0o644); err != nil {
		t.Fatalf("write input image: %v", err)
	}

	geom := domain.TemplateGeometry{Width: 400, Height: 560}
	cfg := domain.DefaultPipelineConfig()
	cfg.OutputSuffix = "_norm"

	processor, err := NewLocalProcessor(outputDir, cfg, geom)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	out, err := processor.Process(context.Background(), Request{RunID: "run-1", SourcePath: inputPath})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	wantPath := filepath.Join(outputDir, "sheet-001_norm.jpg")
	if out.Path != wantPath {
		t.Fatalf("expected output path %s, got %s", wantPath, out.Path)
	}
	if out.Width != geom.Width || out.Height != geom.Height {
		t.Fatalf("expected %s output, got %dx%d", geom, out.Width, out.Height)
	}

	data, err := os.ReadFile(out.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if out.Bytes != len(data) {
		t.Fatalf("expected %d bytes reported, got %d", len(data), out.Bytes)
	}

	xdpi, ydpi, ok := JPEGDensity(data)
	if !ok || xdpi != 300 || ydpi != 300 {
		t.Fatalf("expected 300x300 dpi, got %dx%d ok=%v", xdpi, ydpi, ok)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != geom.Width || img.Bounds().Dy() != geom.Height {
		t.Fatalf("decoded output is %v, want %s", img.Bounds(), geom)
	}
	if _, ok := img.(*image.Gray); !ok {
		t.Fatalf("expected grayscale jpeg, got %T", img)
	}

	if _, err := os.Stat(out.Path + ".partial"); !os.IsNotExist(err) {
		t.Fatalf("expected no partial file left behind, stat err=%v", err)
	}
}

func TestLocalProcessor_CorruptInputFailsWithDecodeError(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "broken.jpg")
	if err := os.WriteFile(inputPath, []byte("definitely not an image"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	processor, err := NewLocalProcessor(tmp, domain.DefaultPipelineConfig(), domain.TemplateGeometry{Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{RunID: "run-1", SourcePath: inputPath})
	if !errors.Is(err, domain.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestLocalProcessor_MissingInputFailsWithDecodeError(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir(), domain.DefaultPipelineConfig(), domain.TemplateGeometry{Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{SourcePath: filepath.Join(t.TempDir(), "gone.png")})
	if !errors.Is(err, domain.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestLocalProcessor_CancelledContextWritesNothing(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "in.png")
	outDir := filepath.Join(tmp, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(inputPath, buildSheetPNG(t, 120, 160), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	processor, err := NewLocalProcessor(outDir, domain.DefaultPipelineConfig(), domain.TemplateGeometry{Width: 60, Height: 80})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := processor.Process(ctx, Request{SourcePath: inputPath}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("read out dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty output dir, got %d entries", len(entries))
	}
}

func TestNewProcessor_RejectsInvalidConfig(t *testing.T) {
	cfg := domain.DefaultPipelineConfig()
	cfg.OutputDPI = 0

	_, err := NewLocalProcessor(t.TempDir(), cfg, domain.TemplateGeometry{Width: 10, Height: 10})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestProcessor_ReprocessingKeepsGeometry(t *testing.T) {
	tmp := t.TempDir()
	firstOut := filepath.Join(tmp, "first")
	secondOut := filepath.Join(tmp, "second")
	for _, dir := range []string{firstOut, secondOut} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	inputPath := filepath.Join(tmp, "sheet.png")
	if err := os.WriteFile(inputPath, buildSheetPNG(t, 330, 420), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	geom := domain.TemplateGeometry{Width: 300, Height: 400}
	cfg := domain.DefaultPipelineConfig()

	first, err := NewLocalProcessor(firstOut, cfg, geom)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	out, err := first.Process(context.Background(), Request{SourcePath: inputPath})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}

	second, err := NewLocalProcessor(secondOut, cfg, geom)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	again, err := second.Process(context.Background(), Request{SourcePath: out.Path})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if again.Width != geom.Width || again.Height != geom.Height {
		t.Fatalf("expected %s after reprocessing, got %dx%d", geom, again.Width, again.Height)
	}
}

// buildSheetPNG draws a white page with a dark frame and a few horizontal
// rules, roughly what a scanned answer sheet looks like.
func buildSheetPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	ink := color.RGBA{R: 20, G: 20, B: 30, A: 255}
	for y := h / 10; y < h-h/10; y++ {
		for x := w / 10; x < w-w/10; x++ {
			frame := x < w/10+3 || x >= w-w/10-3 || y < h/10+3 || y >= h-h/10-3
			rule := (y-h/10)%25 < 3
			if frame || rule {
				img.Set(x, y, ink)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}
