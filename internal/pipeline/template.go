package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/dunamismax/formprep/internal/domain"
)

func ResolveTemplate(path string) (domain.TemplateGeometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.TemplateGeometry{}, fmt.Errorf("%w: %s: %v", domain.ErrTemplateUnreadable, path, err)
	}

	// A full decode, so a truncated file with an intact header is rejected.
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.TemplateGeometry{}, fmt.Errorf("%w: %s: %v", domain.ErrTemplateUnreadable, path, err)
	}

	bounds := img.Bounds()
	geom := domain.TemplateGeometry{Width: bounds.Dx(), Height: bounds.Dy()}
	if orientationSwapsAxes(readOrientation(data)) {
		geom.Width, geom.Height = geom.Height, geom.Width
	}
	if err := geom.Validate(); err != nil {
		return domain.TemplateGeometry{}, fmt.Errorf("%s: %w", path, err)
	}
	return geom, nil
}
