package pipeline

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
)

type autoOrientStage struct{}

func (autoOrientStage) Name() string { return StageAutoOrient }

func (autoOrientStage) Apply(_ context.Context, r Raster) (Raster, error) {
	out := r.with(repage(r.ColorSpace, r.Image))
	if r.Orientation > 1 && r.Orientation <= 8 {
		out.Image = restoreModel(r.ColorSpace, applyOrientation(r.Image, r.Orientation))
	}
	out.Orientation = 1
	return out, nil
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func repage(cs ColorSpace, img image.Image) image.Image {
	if img.Bounds().Min == (image.Point{}) {
		return img
	}
	return restoreModel(cs, imaging.Clone(img))
}
