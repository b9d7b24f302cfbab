package id

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// New returns a run identifier that sorts by creation time:
// "20260102T150405Z-<16 hex chars>".
func New() string {
	return newAt(time.Now())
}

func newAt(now time.Time) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return now.UTC().Format("20060102T150405Z") + "-fallback"
	}
	return now.UTC().Format("20060102T150405Z") + "-" + hex.EncodeToString(b[:])
}
