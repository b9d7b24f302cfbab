package pipeline

import (
	"image"
	"image/color"
	"image/draw"
	"math"
)

type ColorSpace string

const (
	ColorSpaceRGB     ColorSpace = "srgb"
	ColorSpaceGray    ColorSpace = "gray"
	ColorSpaceBilevel ColorSpace = "bilevel"
)

// Raster is the in-memory image handed from stage to stage within one job.
// Stages never mutate the Image they receive.
type Raster struct {
	Image       image.Image
	ColorSpace  ColorSpace
	Orientation int
}

func (r Raster) Width() int {
	if r.Image == nil {
		return 0
	}
	return r.Image.Bounds().Dx()
}

func (r Raster) Height() int {
	if r.Image == nil {
		return 0
	}
	return r.Image.Bounds().Dy()
}

func (r Raster) Empty() bool {
	return r.Width() <= 0 || r.Height() <= 0
}

func (r Raster) with(img image.Image) Raster {
	r.Image = img
	return r
}

func colorSpaceOf(img image.Image) ColorSpace {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return ColorSpaceGray
	default:
		return ColorSpaceRGB
	}
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}

	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if isOpaque(img) {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

func isOpaque(img image.Image) bool {
	o, ok := img.(interface{ Opaque() bool })
	return ok && o.Opaque()
}

func thresholdGray(src *image.Gray, cut uint8) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		off := src.PixOffset(b.Min.X, b.Min.Y+y)
		srcRow := src.Pix[off : off+b.Dx()]
		dstRow := dst.Pix[y*dst.Stride : y*dst.Stride+b.Dx()]
		for x, v := range srcRow {
			if v > cut {
				dstRow[x] = 0xff
			}
		}
	}
	return dst
}

func percentToLevel(percent int) uint8 {
	return uint8(math.Round(float64(percent) * 255 / 100))
}

// restoreModel converts a stage's intermediate image back to the colour
// model implied by cs, so geometric stages keep gray and bilevel rasters
// single-channel.
func restoreModel(cs ColorSpace, img image.Image) image.Image {
	switch cs {
	case ColorSpaceGray:
		return toGray(img)
	case ColorSpaceBilevel:
		return thresholdGray(toGray(img), 0x7f)
	default:
		return img
	}
}

func newCanvas(cs ColorSpace, w, h int) draw.Image {
	rect := image.Rect(0, 0, w, h)
	if cs == ColorSpaceGray || cs == ColorSpaceBilevel {
		canvas := image.NewGray(rect)
		for i := range canvas.Pix {
			canvas.Pix[i] = 0xff
		}
		return canvas
	}

	canvas := image.NewRGBA(rect)
	for i := range canvas.Pix {
		canvas.Pix[i] = 0xff
	}
	return canvas
}

func flatten(img image.Image) image.Image {
	if isOpaque(img) {
		return img
	}
	b := img.Bounds()
	dst := newCanvas(ColorSpaceRGB, b.Dx(), b.Dy())
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
