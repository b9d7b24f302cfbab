package domain

import (
	"fmt"
	"strings"
)

const (
	DefaultDeskewThresholdPercent   = 40
	DefaultBinarizeThresholdPercent = 55
	DefaultOutputDPI                = 300
	DefaultJPEGQuality              = 92
	DefaultBullseyeMargin           = 22
	DefaultBullseyeRadius           = 16
)

// TemplateGeometry is the pixel size every normalized sheet must match.
type TemplateGeometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (g TemplateGeometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrTemplateDimensionUnparseable, g.Width, g.Height)
	}
	return nil
}

func (g TemplateGeometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

type BullseyeConfig struct {
	Enabled bool `json:"enabled"`
	Margin  int  `json:"margin,omitempty"`
	Radius  int  `json:"radius,omitempty"`
}

// PipelineConfig is built once per run and shared read-only by every job.
type PipelineConfig struct {
	DeskewThresholdPercent   int            `json:"deskew_threshold_percent"`
	Grayscale                bool           `json:"grayscale"`
	Binarize                 bool           `json:"binarize"`
	BinarizeThresholdPercent int            `json:"binarize_threshold_percent"`
	StrictResize             bool           `json:"strict_resize"`
	OutputDPI                int            `json:"output_dpi"`
	TrimFuzzPercent          int            `json:"trim_fuzz_percent,omitempty"`
	JPEGQuality              int            `json:"jpeg_quality,omitempty"`
	OutputSuffix             string         `json:"output_suffix,omitempty"`
	Bullseye                 BullseyeConfig `json:"bullseye"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		DeskewThresholdPercent:   DefaultDeskewThresholdPercent,
		Grayscale:                true,
		Binarize:                 false,
		BinarizeThresholdPercent: DefaultBinarizeThresholdPercent,
		StrictResize:             false,
		OutputDPI:                DefaultOutputDPI,
		JPEGQuality:              DefaultJPEGQuality,
		Bullseye: BullseyeConfig{
			Margin: DefaultBullseyeMargin,
			Radius: DefaultBullseyeRadius,
		},
	}
}

func (c PipelineConfig) Validate() error {
	if c.DeskewThresholdPercent < 0 || c.DeskewThresholdPercent > 100 {
		return fmt.Errorf("%w: deskew threshold must be in [0,100], got %d", ErrInvalidConfig, c.DeskewThresholdPercent)
	}
	if c.BinarizeThresholdPercent < 0 || c.BinarizeThresholdPercent > 100 {
		return fmt.Errorf("%w: binarize threshold must be in [0,100], got %d", ErrInvalidConfig, c.BinarizeThresholdPercent)
	}
	if c.OutputDPI <= 0 || c.OutputDPI > 65535 {
		return fmt.Errorf("%w: output dpi must be in [1,65535], got %d", ErrInvalidConfig, c.OutputDPI)
	}
	if c.TrimFuzzPercent < 0 || c.TrimFuzzPercent > 100 {
		return fmt.Errorf("%w: trim fuzz must be in [0,100], got %d", ErrInvalidConfig, c.TrimFuzzPercent)
	}
	if c.JPEGQuality < 0 || c.JPEGQuality > 100 {
		return fmt.Errorf("%w: jpeg quality must be in [0,100], got %d", ErrInvalidConfig, c.JPEGQuality)
	}
	if strings.ContainsAny(c.OutputSuffix, `/\`) {
		return fmt.Errorf("%w: output suffix must not contain path separators", ErrInvalidConfig)
	}
	if c.Bullseye.Enabled {
		if c.Bullseye.Radius <= 0 {
			return fmt.Errorf("%w: bullseye radius must be positive", ErrInvalidConfig)
		}
		if c.Bullseye.Margin < 0 {
			return fmt.Errorf("%w: bullseye margin must not be negative", ErrInvalidConfig)
		}
	}
	return nil
}

// DeskewEnabled reports whether the deskew stage is part of the chain.
func (c PipelineConfig) DeskewEnabled() bool {
	return c.DeskewThresholdPercent > 0
}

func (c PipelineConfig) Quality() int {
	if c.JPEGQuality <= 0 {
		return DefaultJPEGQuality
	}
	return c.JPEGQuality
}
