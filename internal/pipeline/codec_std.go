package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/dunamismax/formprep/internal/domain"
)

type stdlibCodec struct{}

func (stdlibCodec) Decode(data []byte) (Raster, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Raster{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	return Raster{
		Image:       img,
		ColorSpace:  colorSpaceOf(img),
		Orientation: readOrientation(data),
	}, nil
}

func (stdlibCodec) EncodeJPEG(r Raster, quality int) ([]byte, error) {
	if r.Empty() {
		return nil, fmt.Errorf("%w: empty raster", domain.ErrEncode)
	}
	if quality <= 0 || quality > 100 {
		quality = domain.DefaultJPEGQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(r.Image), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: jpeg: %v", domain.ErrEncode, err)
	}
	return buf.Bytes(), nil
}
