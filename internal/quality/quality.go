// Package quality implements the timing-quality finite state machine (spec
// §4.D): a pure function of PPS validity, calibration validity, PPS age,
// and recent-reset status, classifying the current timing source and its
// estimated accuracy.
package quality

import "time"

// State is one of the four timing-quality classifications.
type State int

const (
	PpsActive State = iota
	PpsHoldover
	InternalCal
	InternalRaw
)

// Code returns the protocol quality code used in sample records (spec §6).
func (s State) Code() int {
	return int(s)
}

func (s State) String() string {
	switch s {
	case PpsActive:
		return "PPS_ACTIVE"
	case PpsHoldover:
		return "PPS_HOLDOVER"
	case InternalCal:
		return "INTERNAL_CAL"
	case InternalRaw:
		return "INTERNAL_RAW"
	default:
		return "UNKNOWN"
	}
}

const (
	activeAgeMS   = 1_500
	holdoverAgeMS = 60_000
	calAgeMS      = 300_000

	recentResetWindow = 30 * time.Second
)

// Inputs are the facts the FSM classifies on each tick.
type Inputs struct {
	PpsValid    bool
	CalValid    bool
	AgeMS       int64 // now_ms - last_pps_ms
	RecentReset bool  // within 30s of a detected clock reset
}

// Result is the FSM's classification for this tick.
type Result struct {
	State      State
	AccuracyUS float32
}

// Evaluate classifies the current tick per the table in spec §4.D.
func Evaluate(in Inputs) Result {
	switch {
	case in.PpsValid && in.AgeMS < activeAgeMS && !in.RecentReset:
		return Result{State: PpsActive, AccuracyUS: 1.0}
	case in.PpsValid && in.AgeMS < holdoverAgeMS && !in.RecentReset:
		return Result{State: PpsHoldover, AccuracyUS: 1.0 + float32(in.AgeMS)/1000*0.1}
	case in.CalValid && in.AgeMS < calAgeMS && !in.RecentReset:
		return Result{State: InternalCal, AccuracyUS: 10.0 + float32(in.AgeMS)/1000*0.3}
	default:
		acc := float32(1000.0)
		if in.RecentReset {
			acc = 2000.0
		}
		return Result{State: InternalRaw, AccuracyUS: acc}
	}
}

// RecentResetWindow is the "within 30s" window used to compute the
// RecentReset input from a reset timestamp.
const RecentResetWindow = recentResetWindow

// Latch tracks the one-shot warnings on PPS loss and raw-mode-via-reset
// entry, de-latching on the complementary transition so the same event is
// never reported twice (spec §4.D).
type Latch struct {
	prev          State
	havePrev      bool
	lossWarned    bool
	resetRawWarned bool
}

// Warnings reports which one-shot warnings Observe says should fire now,
// if any.
type Warnings struct {
	PpsLost      bool
	RawFromReset bool
}

// Observe advances the latch and reports newly-triggered warnings.
func (l *Latch) Observe(r Result, recentReset bool) Warnings {
	var w Warnings
	wasPpsGood := l.havePrev && (l.prev == PpsActive || l.prev == PpsHoldover)
	isPpsGood := r.State == PpsActive || r.State == PpsHoldover

	if wasPpsGood && !isPpsGood && !l.lossWarned {
		w.PpsLost = true
		l.lossWarned = true
	}
	if isPpsGood {
		l.lossWarned = false
	}

	if r.State == InternalRaw && recentReset && !l.resetRawWarned {
		w.RawFromReset = true
		l.resetRawWarned = true
	}
	if !recentReset {
		l.resetRawWarned = false
	}

	l.prev = r.State
	l.havePrev = true
	return w
}
