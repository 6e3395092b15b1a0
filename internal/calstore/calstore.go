// Package calstore implements the persistent calibration store: a
// byte-addressable region holding one magic word and one ppm float (spec
// §6). Offset 0 is a 32-bit magic (0x12345678); offset 4 is an IEEE-754
// float32 ppm value. Any other magic means no calibration was ever saved.
package calstore

import (
	"encoding/binary"
	"errors"
	"math"
)

// Magic guards the store against garbage on first boot.
const Magic uint32 = 0x12345678

const (
	offsetMagic = 0
	offsetPPM   = 4
	regionSize  = 8
)

// Backend is the byte-addressable persistent region. A real board would
// back this with EEPROM; the host build backs it with a file (see
// OpenFileBackend), tests back it with an in-memory byte slice.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
}

// ErrNoCalibration indicates the backend holds no valid calibration
// (wrong or absent magic).
var ErrNoCalibration = errors.New("calstore: no calibration stored")

// Load reads ppm from backend. It returns ErrNoCalibration if the magic
// does not match, per spec §6.
func Load(b Backend) (ppm float32, err error) {
	buf := make([]byte, regionSize)
	if _, err := b.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	magic := binary.LittleEndian.Uint32(buf[offsetMagic : offsetMagic+4])
	if magic != Magic {
		return 0, ErrNoCalibration
	}
	bits := binary.LittleEndian.Uint32(buf[offsetPPM : offsetPPM+4])
	return math.Float32frombits(bits), nil
}

// Save writes magic and ppm to backend.
func Save(b Backend, ppm float32) error {
	buf := make([]byte, regionSize)
	binary.LittleEndian.PutUint32(buf[offsetMagic:offsetMagic+4], Magic)
	binary.LittleEndian.PutUint32(buf[offsetPPM:offsetPPM+4], math.Float32bits(ppm))
	_, err := b.WriteAt(buf, 0)
	return err
}
