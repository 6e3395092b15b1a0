package calstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLoad_NoCalibrationOnFreshBackend(t *testing.T) {
	_, err := Load(&MemBackend{})
	require.ErrorIs(t, err, ErrNoCalibration)
}

func TestSaveLoad_MemBackendRoundTrip(t *testing.T) {
	b := &MemBackend{}
	require.NoError(t, Save(b, 123.5))
	got, err := Load(b)
	require.NoError(t, err)
	require.Equal(t, float32(123.5), got)
}

func TestSaveLoad_FileBackendRoundTrip(t *testing.T) {
	path := t.TempDir() + "/cal.bin"
	fb, err := OpenFileBackend(path)
	require.NoError(t, err)
	defer fb.Close()

	require.NoError(t, Save(fb, -42.25))
	got, err := Load(fb)
	require.NoError(t, err)
	require.Equal(t, float32(-42.25), got)
}

func TestLoad_FreshFileHasNoCalibration(t *testing.T) {
	path := t.TempDir() + "/fresh.bin"
	fb, err := OpenFileBackend(path)
	require.NoError(t, err)
	defer fb.Close()

	_, err = Load(fb)
	require.ErrorIs(t, err, ErrNoCalibration)
}

func TestCalibrationRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ppm := float32(rapid.Float64Range(-200, 200).Draw(rt, "ppm"))
		b := &MemBackend{}
		if err := Save(b, ppm); err != nil {
			rt.Fatalf("Save: %v", err)
		}
		got, err := Load(b)
		if err != nil {
			rt.Fatalf("Load: %v", err)
		}
		if got != ppm {
			rt.Fatalf("round-trip mismatch: saved %v, loaded %v", ppm, got)
		}
	})
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
