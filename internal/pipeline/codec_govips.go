//go:build govips && cgo

package pipeline

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/formprep/internal/domain"
)

// govipsCodec decodes through libvips, which understands more scanner
// output than the Go decoders. libvips applies the EXIF orientation while
// decoding, so rasters leave Decode already upright.
type govipsCodec struct{}

func (govipsCodec) Decode(data []byte) (Raster, error) {
	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return Raster{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	defer ref.Close()

	if err := ref.AutoRotate(); err != nil {
		return Raster{}, fmt.Errorf("%w: autorotate: %v", domain.ErrDecode, err)
	}

	pngBytes, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return Raster{}, fmt.Errorf("%w: export intermediate png: %v", domain.ErrDecode, err)
	}

	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return Raster{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	return Raster{
		Image:       img,
		ColorSpace:  colorSpaceOf(img),
		Orientation: 1,
	}, nil
}

func (govipsCodec) EncodeJPEG(r Raster, quality int) ([]byte, error) {
	if r.Empty() {
		return nil, fmt.Errorf("%w: empty raster", domain.ErrEncode)
	}

	var buf bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.BestSpeed}).Encode(&buf, flatten(r.Image)); err != nil {
		return nil, fmt.Errorf("%w: intermediate png: %v", domain.ErrEncode, err)
	}

	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncode, err)
	}
	defer ref.Close()

	params := vips.NewJpegExportParams()
	params.StripMetadata = true
	if quality > 0 && quality <= 100 {
		params.Quality = quality
	}
	data, _, err := ref.ExportJpeg(params)
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg: %v", domain.ErrEncode, err)
	}
	return data, nil
}
