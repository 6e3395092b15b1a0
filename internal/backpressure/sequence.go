package backpressure

const (
	seqModulo              uint32 = 1 << 16
	seqHalfModulo          uint32 = seqModulo / 2
	resetBackwardThreshold uint32 = 1000
)

// GapEvent and ResetEvent describe anomalies the sequence validator wants
// reported as protocol lines.
type GapEvent struct {
	Expected uint16
	Got      uint16
}

type ResetEvent struct {
	Expected uint16
	Got      uint16
}

// SequenceValidator tracks the expected next sequence number modulo 65536
// (spec §4.G, §3 "Sequence validator"). It is independent of emission: the
// caller decides whether to validate at all via Enabled.
type SequenceValidator struct {
	Expected uint16
	Gaps     uint32
	Resets   uint32
	Enabled  bool
}

// NewSequenceValidator creates a validator with validation enabled.
func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{Enabled: true}
}

// Observe checks seq against Expected and reports which event (if any)
// should be emitted. It always resyncs Expected to continue from seq.
func (v *SequenceValidator) Observe(seq uint16) (gap *GapEvent, reset *ResetEvent) {
	if !v.Enabled {
		v.Expected = seq + 1
		return nil, nil
	}

	if seq == v.Expected {
		v.Expected = seq + 1
		return nil, nil
	}

	if isLargeBackwardJump(v.Expected, seq) {
		v.Resets++
		reset = &ResetEvent{Expected: v.Expected, Got: seq}
		v.Expected = seq + 1
		return nil, reset
	}

	v.Gaps++
	gap = &GapEvent{Expected: v.Expected, Got: seq}
	v.Expected = seq + 1
	return gap, nil
}

// Reset zeroes the validator's expected counter (spec §4.H RESET command).
func (v *SequenceValidator) Reset() {
	v.Expected = 0
}

// isLargeBackwardJump classifies seq vs expected as spec §4.G does: a seq
// that is ahead of expected (forward, within half the modulus) is always a
// gap, however large; only a seq that falls behind expected by more than
// 1000 (a genuine backward jump, e.g. a sequence-counter restart) is a
// reset. forward is (got-expected) mod 65536: values in the first half of
// the circle mean got is ahead; values in the second half mean got is
// behind by (65536-forward).
func isLargeBackwardJump(expected, got uint16) bool {
	forward := uint32(got-expected) % seqModulo
	if forward <= seqHalfModulo {
		return false
	}
	backward := seqModulo - forward
	return backward > resetBackwardThreshold
}
