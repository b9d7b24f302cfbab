package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dunamismax/formprep/internal/domain"
)

var DefaultExtensions = []string{"jpg", "jpeg", "png", "tif", "tiff", "bmp"}

// ParseExtensions turns "jpg, .PNG,tif" into a lower-case list without dots.
// An empty list yields DefaultExtensions.
func ParseExtensions(raw string) []string {
	return normalizeExtensions(strings.Split(raw, ","))
}

func normalizeExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ext := range in {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" || slices.Contains(out, ext) {
			continue
		}
		out = append(out, ext)
	}
	if len(out) == 0 {
		return slices.Clone(DefaultExtensions)
	}
	return out
}

func Discover(dir string, exts []string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInputDirMissing, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", domain.ErrInputDirMissing, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInputDirMissing, dir, err)
	}

	exts = normalizeExtensions(exts)
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(entry.Name()), "."))
		if ext == "" || !slices.Contains(exts, ext) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if !entry.Type().IsRegular() {
			if entry.Type()&os.ModeSymlink == 0 {
				continue
			}
			target, err := os.Stat(path)
			if err != nil || !target.Mode().IsRegular() {
				continue
			}
		}
		files = append(files, path)
	}

	slices.Sort(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s (extensions %s)", domain.ErrNoInputFiles, dir, strings.Join(exts, ","))
	}
	return files, nil
}
