package scheduler

import (
	"testing"

	"pgregory.net/rapid"
)

func TestEstablish_SnapsToNextBoundary(t *testing.T) {
	s := New(100) // 10_000us interval
	s.Establish(25_000)
	if s.BaseVirtualUS != 30_000 {
		t.Fatalf("BaseVirtualUS = %d, want 30000", s.BaseVirtualUS)
	}
	if s.SampleIndex != 0 {
		t.Fatalf("SampleIndex = %d, want 0", s.SampleIndex)
	}
}

func TestShouldFire(t *testing.T) {
	s := New(100)
	s.Establish(0)
	if s.ShouldFire(5_000) {
		t.Fatalf("should not fire before NextSampleVirtualUS")
	}
	if !s.ShouldFire(s.NextSampleVirtualUS) {
		t.Fatalf("should fire exactly at NextSampleVirtualUS")
	}
}

func TestAfterFire_NoBurstOnOverload(t *testing.T) {
	s := New(100) // 10_000us nominal
	s.Establish(0)
	s.RecomputeEffectiveInterval(0)

	firstNext := s.NextSampleVirtualUS
	stalledNow := firstNext + 35_000 // 3.5 intervals late

	s.AfterFire(stalledNow, func() uint64 { return stalledNow })

	// Exactly one fire happened (caller fires once then calls AfterFire once);
	// next_sample must have caught up by whole missed intervals plus one step,
	// never by a burst of intervening fires.
	advanced := s.NextSampleVirtualUS - firstNext
	if advanced < 30_000 || advanced > 50_000 {
		t.Fatalf("next sample advanced by %d us, expected one no-burst catch-up step", advanced)
	}
}

func TestApplyPhaseRequest_ClampsPerSampleAdjust(t *testing.T) {
	s := New(100)
	s.Establish(0)
	s.ApplyPhaseRequest(100_000, false, 100) // huge one-shot error
	if s.Plan.PerSampleAdjustUS > 20 || s.Plan.PerSampleAdjustUS < -20 {
		t.Fatalf("per-sample adjust = %v, want within +-20", s.Plan.PerSampleAdjustUS)
	}

	s.ApplyPhaseRequest(-50_000, true, 100)
	if s.Plan.PerSampleAdjustUS > 20 || s.Plan.PerSampleAdjustUS < -20 {
		t.Fatalf("continuous per-sample adjust = %v, want within +-20", s.Plan.PerSampleAdjustUS)
	}
}

func TestApplyPhaseRequest_ReplacesRatherThanStacks(t *testing.T) {
	s := New(100)
	s.Establish(0)
	s.ApplyPhaseRequest(100, false, 100)
	firstRemaining := s.Plan.SamplesRemaining
	s.ApplyPhaseRequest(5, true, 100)
	if s.Plan.ErrorUS != 5 {
		t.Fatalf("expected the second request to replace the first, got ErrorUS=%v", s.Plan.ErrorUS)
	}
	_ = firstRemaining
}

func TestPhaseAdjustCapProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New(100)
		s.Establish(0)
		errUS := rapid.Float64Range(-1_000_000, 1_000_000).Draw(rt, "errUS")
		continuous := rapid.Bool().Draw(rt, "continuous")
		rate := rapid.Float64Range(1, 1000).Draw(rt, "rate")
		s.ApplyPhaseRequest(errUS, continuous, rate)
		if s.Plan.PerSampleAdjustUS > 20 || s.Plan.PerSampleAdjustUS < -20 {
			rt.Fatalf("per-sample adjust %v exceeded +-20us clamp", s.Plan.PerSampleAdjustUS)
		}
	})
}

func TestNoBurstProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rate := rapid.Float64Range(1, 1000).Draw(rt, "rate")
		s := New(rate)
		s.Establish(0)
		s.RecomputeEffectiveInterval(0)

		k := rapid.Float64Range(1, 20).Draw(rt, "k")
		before := s.NextSampleVirtualUS
		stalledNow := before + uint64(k*s.EffectiveIntervalUS)

		s.AfterFire(stalledNow, func() uint64 { return stalledNow })

		if s.NextSampleVirtualUS < before {
			rt.Fatalf("next_sample regressed")
		}
		// One AfterFire call must never advance next_sample past "now" by more
		// than one extra full interval (the "+1 step" in the no-burst formula).
		if s.NextSampleVirtualUS > stalledNow+uint64(s.EffectiveIntervalUS)+2 {
			rt.Fatalf("next_sample overshot: next=%d now=%d interval=%v", s.NextSampleVirtualUS, stalledNow, s.EffectiveIntervalUS)
		}
	})
}
