package pipeline

import (
	"context"
	"fmt"

	"github.com/dunamismax/formprep/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	StageAutoOrient = "auto-orient"
	StageDeskew     = "deskew"
	StageTrim       = "trim"
	StageColorspace = "colorspace"
	StageBinarize   = "binarize"
	StageFit        = "fit"
	StageBullseye   = "bullseye"
)

// Stage is one step of the transform chain. Apply must not mutate the input
// raster's pixels.
type Stage interface {
	Name() string
	Apply(ctx context.Context, r Raster) (Raster, error)
}

// Chain applies its stages in a fixed order and guarantees the result has
// exactly the template geometry.
type Chain struct {
	geometry domain.TemplateGeometry
	stages   []Stage
}

func NewChain(cfg domain.PipelineConfig, geom domain.TemplateGeometry) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	stages := []Stage{autoOrientStage{}}
	if cfg.DeskewEnabled() {
		stages = append(stages, deskewStage{thresholdPercent: cfg.DeskewThresholdPercent})
	}
	stages = append(stages, trimStage{fuzzPercent: cfg.TrimFuzzPercent})
	if cfg.Grayscale {
		stages = append(stages, grayscaleStage{})
	}
	if cfg.Binarize {
		stages = append(stages, binarizeStage{thresholdPercent: cfg.BinarizeThresholdPercent})
	}
	stages = append(stages, fitStage{geometry: geom, strict: cfg.StrictResize})
	if cfg.Bullseye.Enabled {
		stages = append(stages, bullseyeStage{margin: cfg.Bullseye.Margin, radius: cfg.Bullseye.Radius})
	}

	return newChain(geom, stages...), nil
}

func newChain(geom domain.TemplateGeometry, stages ...Stage) *Chain {
	return &Chain{geometry: geom, stages: stages}
}

func (c *Chain) Geometry() domain.TemplateGeometry {
	return c.geometry
}

func (c *Chain) StageNames() []string {
	names := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		names = append(names, s.Name())
	}
	return names
}

func (c *Chain) Run(ctx context.Context, r Raster) (Raster, error) {
	if r.Empty() {
		return Raster{}, fmt.Errorf("input: %w", domain.ErrDegenerateRaster)
	}

	span := trace.SpanFromContext(ctx)
	for _, stage := range c.stages {
		if err := ctx.Err(); err != nil {
			return Raster{}, err
		}

		out, err := stage.Apply(ctx, r)
		if err != nil {
			return Raster{}, fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
		if out.Empty() {
			return Raster{}, fmt.Errorf("stage %s: %w", stage.Name(), domain.ErrDegenerateRaster)
		}
		span.AddEvent("stage "+stage.Name(), trace.WithAttributes(
			attribute.Int("raster.width", out.Width()),
			attribute.Int("raster.height", out.Height()),
			attribute.String("raster.colorspace", string(out.ColorSpace)),
		))
		r = out
	}

	if r.Width() != c.geometry.Width || r.Height() != c.geometry.Height {
		return Raster{}, fmt.Errorf("%w: got %dx%d want %s", domain.ErrGeometryMismatch, r.Width(), r.Height(), c.geometry)
	}
	return r, nil
}
