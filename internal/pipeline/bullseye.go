package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/gogpu/gg"
)

type bullseyeStage struct {
	margin int
	radius int
}

func (bullseyeStage) Name() string { return StageBullseye }

func (s bullseyeStage) Apply(ctx context.Context, r Raster) (out Raster, err error) {
	dc := gg.NewContextForImage(r.Image)
	defer func() {
		if cerr := dc.Close(); cerr != nil && err == nil {
			out, err = Raster{}, fmt.Errorf("close drawing context: %w", cerr)
		}
	}()

	w, h := float64(dc.Width()), float64(dc.Height())
	m := float64(s.margin)
	corners := [4][2]float64{{m, m}, {w - m, m}, {m, h - m}, {w - m, h - m}}
	for _, c := range corners {
		if err := ctx.Err(); err != nil {
			return Raster{}, err
		}
		if err := drawBullseye(dc, c[0], c[1], float64(s.radius)); err != nil {
			return Raster{}, fmt.Errorf("draw bullseye at %.0f,%.0f: %w", c[0], c[1], err)
		}
	}

	if err := dc.FlushGPU(); err != nil {
		return Raster{}, fmt.Errorf("flush bullseyes: %w", err)
	}
	return r.with(restoreModel(r.ColorSpace, dc.Image())), nil
}

func drawBullseye(dc *gg.Context, x, y, radius float64) error {
	rings := []struct {
		radius float64
		white  bool
	}{
		{radius, false},
		{math.Max(1, math.Floor(radius*0.55)), true},
		{math.Max(1, math.Floor(radius*0.25)), false},
		{math.Max(1, math.Floor(radius/10)), true},
	}

	for _, ring := range rings {
		if ring.white {
			dc.SetRGB(1, 1, 1)
		} else {
			dc.SetRGB(0, 0, 0)
		}
		dc.DrawCircle(x, y, ring.radius)
		if err := dc.Fill(); err != nil {
			return err
		}
	}
	return nil
}
