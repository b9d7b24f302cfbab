package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/formprep/internal/domain"
)

type trimStage struct {
	fuzzPercent int
}

func (trimStage) Name() string { return StageTrim }

func (s trimStage) Apply(ctx context.Context, r Raster) (Raster, error) {
	box, ok := contentBounds(r.Image, percentToLevel(s.fuzzPercent))
	if err := ctx.Err(); err != nil {
		return Raster{}, err
	}
	if !ok {
		return Raster{}, fmt.Errorf("%w: uniform %dx%d raster trims to nothing", domain.ErrDegenerateRaster, r.Width(), r.Height())
	}
	if box == r.Image.Bounds() {
		return r.with(repage(r.ColorSpace, r.Image)), nil
	}

	return r.with(restoreModel(r.ColorSpace, imaging.Crop(r.Image, box))), nil
}

// contentBounds returns the smallest rectangle holding every pixel that
// differs from the top-left pixel by more than tolerance on any channel.
func contentBounds(img image.Image, tolerance uint8) (image.Rectangle, bool) {
	b := img.Bounds()
	if b.Empty() {
		return image.Rectangle{}, false
	}

	at := pixelReader(img)
	ref := at(b.Min.X, b.Min.Y)
	differs := func(x, y int) bool {
		p := at(x, y)
		for c := 0; c < 4; c++ {
			d := int(p[c]) - int(ref[c])
			if d < 0 {
				d = -d
			}
			if d > int(tolerance) {
				return true
			}
		}
		return false
	}
	rowHasContent := func(y, x0, x1 int) bool {
		for x := x0; x < x1; x++ {
			if differs(x, y) {
				return true
			}
		}
		return false
	}
	colHasContent := func(x, y0, y1 int) bool {
		for y := y0; y < y1; y++ {
			if differs(x, y) {
				return true
			}
		}
		return false
	}

	top := b.Min.Y
	for top < b.Max.Y && !rowHasContent(top, b.Min.X, b.Max.X) {
		top++
	}
	if top == b.Max.Y {
		return image.Rectangle{}, false
	}
	bottom := b.Max.Y
	for !rowHasContent(bottom-1, b.Min.X, b.Max.X) {
		bottom--
	}
	left := b.Min.X
	for !colHasContent(left, top, bottom) {
		left++
	}
	right := b.Max.X
	for !colHasContent(right-1, top, bottom) {
		right--
	}

	return image.Rect(left, top, right, bottom), true
}

func pixelReader(img image.Image) func(x, y int) [4]uint8 {
	switch m := img.(type) {
	case *image.Gray:
		return func(x, y int) [4]uint8 {
			v := m.Pix[m.PixOffset(x, y)]
			return [4]uint8{v, v, v, 0xff}
		}
	case *image.RGBA:
		return func(x, y int) [4]uint8 {
			i := m.PixOffset(x, y)
			return [4]uint8{m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3]}
		}
	case *image.NRGBA:
		return func(x, y int) [4]uint8 {
			i := m.PixOffset(x, y)
			a := uint32(m.Pix[i+3])
			return [4]uint8{
				uint8(uint32(m.Pix[i]) * a / 0xff),
				uint8(uint32(m.Pix[i+1]) * a / 0xff),
				uint8(uint32(m.Pix[i+2]) * a / 0xff),
				uint8(a),
			}
		}
	default:
		return func(x, y int) [4]uint8 {
			r, g, b, a := img.At(x, y).RGBA()
			return [4]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
		}
	}
}
