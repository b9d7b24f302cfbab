package pipeline

import (
	"context"
)

type grayscaleStage struct{}

func (grayscaleStage) Name() string { return StageColorspace }

func (grayscaleStage) Apply(_ context.Context, r Raster) (Raster, error) {
	out := r.with(toGray(r.Image))
	if r.ColorSpace != ColorSpaceBilevel {
		out.ColorSpace = ColorSpaceGray
	}
	return out, nil
}

// binarizeStage reduces to luminance first, so a colour raster is never
// thresholded per channel.
type binarizeStage struct {
	thresholdPercent int
}

func (binarizeStage) Name() string { return StageBinarize }

func (s binarizeStage) Apply(_ context.Context, r Raster) (Raster, error) {
	out := r.with(thresholdGray(toGray(r.Image), percentToLevel(s.thresholdPercent)))
	out.ColorSpace = ColorSpaceBilevel
	return out, nil
}
