package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/formprep/internal/domain"
)

func OutputName(source, suffix string) string {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + suffix + OutputExtension
}

type LocalFileEmitter struct {
	OutputDir string
	Suffix    string
}

// Emit writes data next to a temporary name and renames it into place, so a
// cancelled job never leaves a truncated file under the final name. Existing
// files are overwritten.
func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	fullPath := filepath.Join(e.OutputDir, OutputName(req.SourcePath, e.Suffix))
	tmpPath := fullPath + ".partial"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("%w: %s: %v", domain.ErrWrite, fullPath, err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		_ = os.Remove(tmpPath)
		return Output{}, fmt.Errorf("%w: %s: %v", domain.ErrWrite, fullPath, err)
	}

	return Output{
		SourcePath: req.SourcePath,
		Path:       fullPath,
		Bytes:      len(data),
		Width:      width,
		Height:     height,
	}, nil
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type MirrorEmitter struct {
	Primary Emitter
	Storage ObjectWriter
	Prefix  string
}

func (e MirrorEmitter) Emit(ctx context.Context, req Request, data []byte, width, height int) (Output, error) {
	if e.Primary == nil || e.Storage == nil {
		return Output{}, errors.New("mirror emitter requires primary emitter and storage")
	}

	out, err := e.Primary.Emit(ctx, req, data, width, height)
	if err != nil {
		return Output{}, err
	}

	objectKey := path.Join(defaultOutputPrefix(e.Prefix), sanitizePathToken(req.RunID), filepath.Base(out.Path))
	if err := e.Storage.WriteObject(ctx, objectKey, data, "image/jpeg"); err != nil {
		return Output{}, fmt.Errorf("%w: mirror %s: %v", domain.ErrWrite, objectKey, err)
	}
	out.ObjectKey = objectKey
	return out, nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "runs"
	}
	return prefix
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
