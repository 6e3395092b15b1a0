// Package scheduler implements the fractional-interval scheduler (spec
// §4.E): it decides when the next sample fires given a nominal rate and a
// ppm correction, using a double-precision fractional-microsecond
// accumulator so that error stays below 1us over very long runs (spec §9).
package scheduler

import "math"

const (
	defaultRefUpdateInterval = 1_000_000

	phaseAdjustClampUS  = 20.0
	phaseNudgeMaxSamples = 200
)

// PhasePlan is the small state object spec §9 calls for: re-entering
// alignment replaces the plan, it never stacks (invariant, not preference).
type PhasePlan struct {
	Active           bool
	PerSampleAdjustUS float64
	SamplesRemaining uint32
	ErrorUS          float64
}

// Scheduler owns the epoch anchor, the fractional accumulator, and the
// current phase-alignment plan.
type Scheduler struct {
	NominalIntervalUS   uint64
	EffectiveIntervalUS float64
	PhaseAccUS          float64
	BaseVirtualUS       uint64
	NextSampleVirtualUS uint64
	SampleIndex         uint64
	RefUpdateInterval   uint64

	Plan PhasePlan
}

// New creates a Scheduler for the given nominal rate in Hz.
func New(rateHz float64) *Scheduler {
	s := &Scheduler{
		RefUpdateInterval: defaultRefUpdateInterval,
	}
	s.SetRate(rateHz)
	return s
}

// SetRate recomputes NominalIntervalUS from a rate in Hz (spec §3).
func (s *Scheduler) SetRate(rateHz float64) {
	if rateHz <= 0 {
		rateHz = 100
	}
	s.NominalIntervalUS = uint64(math.Round(1_000_000.0 / rateHz))
}

// Establish initializes the scheduler's epoch (spec §4.E "Initialization").
func (s *Scheduler) Establish(nowVirtualUS uint64) {
	interval := s.NominalIntervalUS
	if interval == 0 {
		interval = 1
	}
	// Snap BaseVirtualUS to the next multiple of interval strictly above now.
	next := ((nowVirtualUS / interval) + 1) * interval
	s.BaseVirtualUS = next
	s.NextSampleVirtualUS = next
	s.SampleIndex = 0
	s.PhaseAccUS = 0
	s.Plan = PhasePlan{}
}

// EstablishAt initializes the scheduler's epoch to start exactly at
// baseVirtualUS (spec §4.H "PPS-locked" start mode).
func (s *Scheduler) EstablishAt(baseVirtualUS uint64) {
	s.BaseVirtualUS = baseVirtualUS
	s.NextSampleVirtualUS = baseVirtualUS
	s.SampleIndex = 0
	s.PhaseAccUS = 0
	s.Plan = PhasePlan{}
}

// RecomputeEffectiveInterval applies step 1 of the per-tick algorithm:
// positive ppm means the hardware clock runs fast, so the interval
// measured in its own ticks must shrink (spec §4.E note on sign).
func (s *Scheduler) RecomputeEffectiveInterval(ppm float32) {
	s.EffectiveIntervalUS = float64(s.NominalIntervalUS) * (1.0 - float64(ppm)/1e6)
}

// ShouldFire reports whether a sample is due at nowVirtualUS (step 2).
func (s *Scheduler) ShouldFire(nowVirtualUS uint64) bool {
	return nowVirtualUS >= s.NextSampleVirtualUS
}

// AfterFire performs steps 3-5 once a sample has fired: skip any missed
// slots without bursting, advance by one step (folding in any active phase
// adjustment), and rebase if the sample-index budget is exhausted.
// nowVirtualUSFn is called only if a rebase is needed, to re-sample the
// clock at rebase time.
func (s *Scheduler) AfterFire(nowVirtualUS uint64, nowVirtualUSFn func() uint64) {
	// Step 3: catch up by whole missed intervals without bursting.
	if s.EffectiveIntervalUS > 0 && nowVirtualUS >= s.NextSampleVirtualUS {
		missed := math.Floor(float64(nowVirtualUS-s.NextSampleVirtualUS) / s.EffectiveIntervalUS)
		if missed > 0 {
			s.NextSampleVirtualUS += uint64(missed * s.EffectiveIntervalUS)
		}
	}

	// Step 4: advance by one step, including any phase adjustment.
	adjust := 0.0
	if s.Plan.Active {
		adjust = s.Plan.PerSampleAdjustUS
	}
	step := s.EffectiveIntervalUS + s.PhaseAccUS + adjust
	whole := math.Floor(step)
	s.PhaseAccUS = step - whole
	s.NextSampleVirtualUS += uint64(whole)

	if s.Plan.Active {
		if s.Plan.SamplesRemaining > 0 {
			s.Plan.SamplesRemaining--
		}
		if s.Plan.SamplesRemaining == 0 {
			s.Plan.Active = false
		}
	}

	s.SampleIndex++

	// Step 5: rebase when the sample-index budget is exhausted.
	if s.SampleIndex >= s.RefUpdateInterval {
		now := nowVirtualUS
		if nowVirtualUSFn != nil {
			now = nowVirtualUSFn()
		}
		s.BaseVirtualUS = now
		s.NextSampleVirtualUS = now
		s.SampleIndex = 0
	}
}

// ApplyPhaseRequest installs a new phase-alignment plan from a signed phase
// error, clamping per-sample adjustment to ±20us/sample and recomputing
// the sample count from the clamp (spec §4.E "Phase nudge"/"Continuous PPS
// phase lock"). Re-entering alignment replaces any existing plan.
func (s *Scheduler) ApplyPhaseRequest(signedPhaseUS float64, continuous bool, rateHz float64) {
	var plannedSamples float64
	if continuous {
		plannedSamples = math.Round(rateHz)
		if plannedSamples < 1 {
			plannedSamples = 1
		}
	} else {
		plannedSamples = phaseNudgeMaxSamples
	}

	perSample := signedPhaseUS / plannedSamples
	if perSample > phaseAdjustClampUS {
		perSample = phaseAdjustClampUS
	} else if perSample < -phaseAdjustClampUS {
		perSample = -phaseAdjustClampUS
	}

	denom := math.Abs(perSample)
	if denom == 0 {
		denom = 1
	}
	samplesNeeded := uint32(math.Abs(signedPhaseUS)/denom + 0.5)
	if samplesNeeded == 0 {
		samplesNeeded = 1
	}

	s.Plan = PhasePlan{
		Active:           true,
		PerSampleAdjustUS: perSample,
		SamplesRemaining: samplesNeeded,
		ErrorUS:          signedPhaseUS,
	}
}

// DiscardPlan clears any pending phase-alignment plan. Spec §9 notes that
// STOP_STREAM intentionally discards an in-progress plan's remaining
// budget rather than preserving it.
func (s *Scheduler) DiscardPlan() {
	s.Plan = PhasePlan{}
}
