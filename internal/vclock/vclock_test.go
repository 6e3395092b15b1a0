package vclock

import (
	"testing"

	"pgregory.net/rapid"
)

type fakeRaw struct {
	micros uint32
	millis uint32
}

func (f *fakeRaw) RawMicros() uint32 { return f.micros }
func (f *fakeRaw) RawMillis() uint32 { return f.millis }

type countingResetHandler struct {
	resets int
	lastPreReset uint64
}

func (h *countingResetHandler) OnClockReset(preResetVirtualUS uint64) {
	h.resets++
	h.lastPreReset = preResetVirtualUS
}

func TestClock_MonotoneAcrossBenignWrap(t *testing.T) {
	raw := &fakeRaw{micros: 4_200_000_000, millis: 4_200_000}
	c := New(raw)

	v1 := c.NowVirtualUS()

	raw.micros = 100_000
	raw.millis = 4_200_100
	v2 := c.NowVirtualUS()

	if v2 <= v1 {
		t.Fatalf("expected virtual time to keep increasing across a wrap, got v1=%d v2=%d", v1, v2)
	}
	if c.Wraps() != 1 {
		t.Fatalf("expected one wrap detected, got %d", c.Wraps())
	}
}

func TestClock_DetectsResetAndNotifiesHandler(t *testing.T) {
	raw := &fakeRaw{micros: 10_000_000, millis: 10_000}
	c := New(raw)
	h := &countingResetHandler{}
	c.SetResetHandler(h)

	v1 := c.NowVirtualUS()

	raw.micros = 500
	raw.millis = 50
	v2 := c.NowVirtualUS()

	if h.resets != 1 {
		t.Fatalf("expected reset handler to fire once, got %d", h.resets)
	}
	if h.lastPreReset != v1 {
		t.Fatalf("expected handler to receive pre-reset virtual time %d, got %d", v1, h.lastPreReset)
	}
	if v2 < v1 {
		t.Fatalf("virtual time must not regress across a reset, got v1=%d v2=%d", v1, v2)
	}
	if c.ClockResets() != 1 {
		t.Fatalf("expected ClockResets()==1, got %d", c.ClockResets())
	}
}

func TestClock_NeverRegresses(t *testing.T) {
	raw := &fakeRaw{}
	c := New(raw)
	c.NowVirtualUS()

	raw.micros = 100
	last := c.NowVirtualUS()
	for i := 0; i < 5; i++ {
		raw.micros -= 10 // small backward jitter, below reset thresholds
		if raw.micros > 1<<31 {
			break
		}
		v := c.NowVirtualUS()
		if v < last {
			t.Fatalf("virtual time regressed: last=%d now=%d", last, v)
		}
		last = v
	}
}

func TestClock_MonotoneProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		raw := &fakeRaw{}
		c := New(raw)

		last := uint64(0)
		have := false
		steps := rapid.IntRange(1, 200).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			delta := rapid.Int32Range(-2_000_000, 5_000_000).Draw(rt, "delta")
			next := int64(raw.micros) + int64(delta)
			if next < 0 {
				next = 0
			}
			raw.micros = uint32(next % (1 << 32))
			v := c.NowVirtualUS()
			if have && v < last {
				rt.Fatalf("virtual time regressed: last=%d now=%d", last, v)
			}
			last = v
			have = true
		}
	})
}
