// Package tempsource provides the optional temperature input to the
// discipline engine's temperature-coefficient learning (spec §4.C.7). The
// original firmware's readInternalTemperature() is a stub returning a
// constant 25°C; spec §9 calls out that any real implementation should
// make this an injectable interface rather than a hardwired stub, which is
// what Source is for.
package tempsource

// Source reports the current temperature in degrees Celsius.
type Source interface {
	ReadCelsius() float32
}

// Stub always reports a fixed temperature, matching the original
// firmware's placeholder sensor.
type Stub struct {
	Celsius float32
}

// NewStub creates a Stub reporting 25°C, the original firmware's constant.
func NewStub() *Stub {
	return &Stub{Celsius: 25}
}

func (s *Stub) ReadCelsius() float32 { return s.Celsius }
