package pipeline

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

const (
	maxSkewDegrees    = 15.0
	coarseSkewStep    = 0.5
	fineSkewStep      = 0.05
	minSkewDegrees    = 0.05
	skewSampleMaxSide = 1000
	minInkPixels      = 32
)

// deskewStage rotates the raster so its dominant text/rule baseline is
// horizontal. Pixels darker than thresholdPercent of full intensity count
// as ink when estimating the angle.
type deskewStage struct {
	thresholdPercent int
}

func (deskewStage) Name() string { return StageDeskew }

func (s deskewStage) Apply(ctx context.Context, r Raster) (Raster, error) {
	angle := estimateSkew(r.Image, s.thresholdPercent)
	if err := ctx.Err(); err != nil {
		return Raster{}, err
	}
	if math.Abs(angle) < minSkewDegrees {
		return r, nil
	}

	rotated := imaging.Rotate(r.Image, angle, color.White)
	return r.with(restoreModel(r.ColorSpace, rotated)), nil
}

// estimateSkew returns the counter-clockwise rotation in degrees that makes
// the ink rows of img horizontal, found by maximising the energy of the
// horizontal projection profile.
func estimateSkew(img image.Image, thresholdPercent int) float64 {
	sample := imaging.Fit(img, skewSampleMaxSide, skewSampleMaxSide, imaging.Box)
	b := sample.Bounds()
	cut := uint32(percentToLevel(thresholdPercent))
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2

	var xs, ys []float64
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := sample.PixOffset(b.Min.X+x, b.Min.Y+y)
			p := sample.Pix[i : i+4 : i+4]
			if p[3] < 0x80 {
				continue
			}
			lum := (19595*uint32(p[0]) + 38470*uint32(p[1]) + 7471*uint32(p[2]) + 1<<15) >> 16
			if lum < cut {
				xs = append(xs, float64(x)-cx)
				ys = append(ys, float64(y)-cy)
			}
		}
	}
	if len(xs) < minInkPixels {
		return 0
	}

	rows := make([]int, 2*int(math.Ceil(math.Hypot(cx, cy)))+3)
	best := searchSkew(xs, ys, rows, -maxSkewDegrees, maxSkewDegrees, coarseSkewStep)
	return searchSkew(xs, ys, rows, best-coarseSkewStep, best+coarseSkewStep, fineSkewStep)
}

func searchSkew(xs, ys []float64, rows []int, from, to, step float64) float64 {
	n := int(math.Round((to - from) / step))
	best, bestScore := 0.0, -1.0
	for i := 0; i <= n; i++ {
		angle := from + float64(i)*step
		score := profileEnergy(xs, ys, rows, angle)
		if score > bestScore || (score == bestScore && math.Abs(angle) < math.Abs(best)) {
			best, bestScore = angle, score
		}
	}
	return best
}

func profileEnergy(xs, ys []float64, rows []int, angle float64) float64 {
	clear(rows)
	sin, cos := math.Sincos(angle * math.Pi / 180)
	mid := len(rows) / 2
	for i := range xs {
		row := int(math.Round(ys[i]*cos-xs[i]*sin)) + mid
		if row >= 0 && row < len(rows) {
			rows[row]++
		}
	}

	var energy float64
	for _, count := range rows {
		energy += float64(count) * float64(count)
	}
	return energy
}
