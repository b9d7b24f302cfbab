package domain

import "errors"

// Setup errors abort the whole run before any output is written.
var (
	ErrInvalidConfig                = errors.New("invalid pipeline config")
	ErrTemplateUnreadable           = errors.New("template unreadable")
	ErrTemplateDimensionUnparseable = errors.New("template dimensions unparseable")
	ErrInputDirMissing              = errors.New("input directory missing")
	ErrNoInputFiles                 = errors.New("no matching input files")
	ErrOutputDirUncreatable         = errors.New("output directory uncreatable")
)

// Job errors fail a single ImageJob and never abort the run.
var (
	ErrDecode           = errors.New("decode failed")
	ErrDegenerateRaster = errors.New("degenerate raster")
	ErrGeometryMismatch = errors.New("output geometry mismatch")
	ErrEncode           = errors.New("encode failed")
	ErrWrite            = errors.New("write failed")
	ErrOutputCollision  = errors.New("output name collision")
	ErrJobTimeout       = errors.New("timeout")
	ErrCancelled        = errors.New("cancelled")
)

var setupErrors = []error{
	ErrInvalidConfig,
	ErrTemplateUnreadable,
	ErrTemplateDimensionUnparseable,
	ErrInputDirMissing,
	ErrNoInputFiles,
	ErrOutputDirUncreatable,
}

func IsSetupError(err error) bool {
	for _, target := range setupErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
