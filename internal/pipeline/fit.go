package pipeline

import (
	"context"
	"image"
	"math"

	"github.com/dunamismax/formprep/internal/domain"
	xdraw "golang.org/x/image/draw"
)

type FitPlan struct {
	ScaledW int
	ScaledH int
	OffsetX int
	OffsetY int
}

func (p FitPlan) Rect() image.Rectangle {
	return image.Rect(p.OffsetX, p.OffsetY, p.OffsetX+p.ScaledW, p.OffsetY+p.ScaledH)
}

func (p FitPlan) Padded(geom domain.TemplateGeometry) bool {
	return p.ScaledW != geom.Width || p.ScaledH != geom.Height
}

// PlanFit decides how a srcW×srcH raster maps onto geom. Strict plans stretch
// each axis independently; otherwise one uniform scale factor fits the whole
// source inside the canvas and the remainder is split evenly as padding.
func PlanFit(srcW, srcH int, geom domain.TemplateGeometry, strict bool) FitPlan {
	if strict || srcW <= 0 || srcH <= 0 {
		return FitPlan{ScaledW: geom.Width, ScaledH: geom.Height}
	}

	scale := math.Min(float64(geom.Width)/float64(srcW), float64(geom.Height)/float64(srcH))
	w := clamp(int(math.Round(float64(srcW)*scale)), 1, geom.Width)
	h := clamp(int(math.Round(float64(srcH)*scale)), 1, geom.Height)

	return FitPlan{
		ScaledW: w,
		ScaledH: h,
		OffsetX: (geom.Width - w) / 2,
		OffsetY: (geom.Height - h) / 2,
	}
}

type fitStage struct {
	geometry domain.TemplateGeometry
	strict   bool
}

func (fitStage) Name() string { return StageFit }

func (s fitStage) Apply(ctx context.Context, r Raster) (Raster, error) {
	if r.Width() == s.geometry.Width && r.Height() == s.geometry.Height {
		return r.with(repage(r.ColorSpace, r.Image)), nil
	}

	plan := PlanFit(r.Width(), r.Height(), s.geometry, s.strict)
	canvas := newCanvas(r.ColorSpace, s.geometry.Width, s.geometry.Height)

	var interp xdraw.Interpolator = xdraw.CatmullRom
	if r.ColorSpace == ColorSpaceBilevel {
		interp = xdraw.NearestNeighbor
	}
	interp.Scale(canvas, plan.Rect(), r.Image, r.Image.Bounds(), xdraw.Src, nil)

	if err := ctx.Err(); err != nil {
		return Raster{}, err
	}
	return r.with(canvas), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
