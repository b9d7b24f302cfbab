package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const jfifUnitsDPI = 1

var errNotJPEG = errors.New("not a jpeg stream")

// SetJPEGDensity tags a JPEG stream with dpi resolution. An existing JFIF
// APP0 segment is patched; otherwise one is inserted right after SOI.
// Pixel data is left untouched.
func SetJPEGDensity(data []byte, dpi int) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, errNotJPEG
	}
	if dpi <= 0 || dpi > 0xFFFF {
		return nil, fmt.Errorf("dpi out of range: %d", dpi)
	}

	if hasJFIF(data) {
		out := append([]byte(nil), data...)
		out[13] = jfifUnitsDPI
		binary.BigEndian.PutUint16(out[14:16], uint16(dpi))
		binary.BigEndian.PutUint16(out[16:18], uint16(dpi))
		return out, nil
	}

	segment := []byte{
		0xFF, 0xE0, // APP0
		0x00, 0x10, // length
		'J', 'F', 'I', 'F', 0x00,
		0x01, 0x01, // version 1.01
		jfifUnitsDPI,
		0, 0, // x density
		0, 0, // y density
		0x00, 0x00, // no thumbnail
	}
	binary.BigEndian.PutUint16(segment[12:14], uint16(dpi))
	binary.BigEndian.PutUint16(segment[14:16], uint16(dpi))

	out := make([]byte, 0, len(data)+len(segment))
	out = append(out, data[:2]...)
	out = append(out, segment...)
	out = append(out, data[2:]...)
	return out, nil
}

func JPEGDensity(data []byte) (x, y int, ok bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 || !hasJFIF(data) {
		return 0, 0, false
	}
	if data[13] != jfifUnitsDPI {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint16(data[14:16])), int(binary.BigEndian.Uint16(data[16:18])), true
}

func hasJFIF(data []byte) bool {
	return len(data) >= 20 &&
		data[2] == 0xFF && data[3] == 0xE0 &&
		string(data[6:11]) == "JFIF\x00"
}
