package pipeline

import (
	"bytes"

	"github.com/rwcarlsen/goexif/exif"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const OutputExtension = ".jpg"

// Codec turns encoded bytes into a Raster and back. Decode leaves any EXIF
// orientation in Raster.Orientation for the auto-orient stage.
type Codec interface {
	Decode(data []byte) (Raster, error)
	EncodeJPEG(r Raster, quality int) ([]byte, error)
}

func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func orientationSwapsAxes(o int) bool {
	return o >= 5 && o <= 8
}
