// Package discipline implements the PPS discipline engine (spec §4.C): it
// turns accepted PPS edges into an oscillator ppm estimate, maintains the
// calibration anchor, persists the estimate, and (optionally) learns a
// temperature coefficient.
package discipline

import (
	"math"

	"github.com/shiwa/adc-timing-core/internal/calstore"
	"github.com/shiwa/adc-timing-core/internal/logger"
	"github.com/shiwa/adc-timing-core/internal/tempsource"
)

const (
	cadenceMinMS = 900
	cadenceMaxMS = 1100

	errorPPMRejectThreshold = 1000
	smoothingCountThreshold = 10
	smoothingOld            = 0.9
	smoothingNew            = 0.1

	ppmClampAbs = 200

	resetRecoveryWindowMS = 5_000
	recentResetWindowMS   = 30_000

	tempLearnAfterCount = 100
	tempLearnEveryN     = 50
	tempLearnMinDeltaC  = 1.0
)

// PhaseRequest describes a one-shot or continuous phase-alignment plan the
// engine wants the scheduler to install (spec §4.E "phase nudge" /
// "continuous PPS phase lock"). The scheduler owns clamping and spreading;
// discipline only supplies the raw signed phase error and which flavor.
type PhaseRequest struct {
	SignedPhaseUS float64
	Continuous    bool // true = continuous lock (>5us trigger, spread over ~rate samples)
}

// State is the discipline engine's owned state (spec §3 "Timing state",
// the subset this engine writes).
type State struct {
	PPM          float32
	CalValid     bool
	PPSValid     bool
	PPSCount     uint32
	PPSMissCount uint32

	CalBaseVirtualUS uint64
	CalBaseMillis    uint32
	LastPPSMillis    uint32

	TempCoeffPPMPerC   float32
	TempCompensationOn bool
	referenceTempC     float32
	haveReferenceTemp  bool

	clockResetDetected bool
	resetAtMillis      uint32
	haveReset          bool
}

// Engine runs the discipline algorithm against a calibration backend and
// an optional temperature source.
type Engine struct {
	State

	store       calstore.Backend
	temp        tempsource.Source
	tempEnabled bool
}

// New creates an Engine. temp may be nil to disable temperature learning
// entirely (spec §4.C.7 is optional).
func New(store calstore.Backend, temp tempsource.Source) *Engine {
	return &Engine{store: store, temp: temp, tempEnabled: temp != nil}
}

// LoadCalibration attempts to restore ppm from the persistent store at
// boot (spec §6). On success CalValid becomes true even without a PPS.
func (e *Engine) LoadCalibration() {
	ppm, err := calstore.Load(e.store)
	if err != nil {
		return
	}
	e.PPM = ppm
	e.CalValid = true
}

// OnClockReset implements vclock.ResetHandler (spec §4.C "Reset handling").
func (e *Engine) OnClockReset(preResetVirtualUS uint64) {
	e.clockResetDetected = true
	e.CalValid = false
	e.PPSValid = false
}

// NoteResetAt records the wall-clock millisecond timestamp at which a
// reset was detected, so cadence validation can ignore edges during the
// 5s recovery window.
func (e *Engine) NoteResetAt(nowMS uint32) {
	e.resetAtMillis = nowMS
	e.haveReset = true
}

// RecentReset reports whether a reset was detected within the last 30s,
// independent of the shorter 5s cadence-recovery window above — the quality
// FSM (spec §4.D) stays conservative about raw-mode accuracy longer than
// discipline stays conservative about accepting PPS edges.
func (e *Engine) RecentReset(nowMS uint32) bool {
	if !e.haveReset {
		return false
	}
	return int64(nowMS)-int64(e.resetAtMillis) < recentResetWindowMS
}

// AcceptResult reports what happened to a candidate PPS edge.
type AcceptResult struct {
	Accepted            bool
	Reason              string // set when !Accepted
	PhaseRequest        *PhaseRequest
	ClampedWarn         bool
	CalibrationRejected bool
}

// Accept processes one PPS edge (spec §4.C steps 1-6). edgeVirtualUS is the
// edge's timestamp already converted to virtual microseconds; nowMS is the
// millisecond reading used for cadence and anchoring.
// streaming/timingEstablished/baseVirtualUS/intervalUS/rate describe
// scheduler state needed to compute phase requests; pass rate<=0 and
// intervalUS==0 if not streaming.
func (e *Engine) Accept(edgeVirtualUS uint64, nowMS uint32, streaming, timingEstablished, startedOnPPS, phaseNudgeApplied, phaseLockEnabled bool, baseVirtualUS uint64, intervalUS uint64, rate float64) AcceptResult {
	// 1. Validate cadence.
	if e.PPSValid {
		interval := int64(nowMS) - int64(e.LastPPSMillis)
		if interval < cadenceMinMS || interval > cadenceMaxMS {
			e.PPSMissCount++
			return AcceptResult{Accepted: false, Reason: "invalid PPS interval"}
		}
	}

	// 2. Ignore during reset recovery.
	if e.clockResetDetected && int64(nowMS)-int64(e.resetAtMillis) < resetRecoveryWindowMS {
		return AcceptResult{Accepted: false, Reason: "reset recovery window"}
	}

	result := AcceptResult{}

	// 3-4. Estimate and smooth ppm, only once a prior anchor exists.
	if e.PPSCount > 0 && e.CalValid && !e.clockResetDetected {
		delta := int64(edgeVirtualUS) - int64(e.CalBaseVirtualUS)
		errorPPM := (float64(delta) - 1_000_000.0) / 1_000_000.0 * 1e6
		if math.Abs(errorPPM) >= errorPPMRejectThreshold {
			result.CalibrationRejected = true
			logger.Warn("PPS calibration error too large: %.1f ppm - ignoring", errorPPM)
		} else {
			if e.PPSCount < smoothingCountThreshold {
				e.PPM = float32(-errorPPM)
			} else {
				e.PPM = float32(smoothingOld*float64(e.PPM) + smoothingNew*(-errorPPM))
			}
			if e.PPM > ppmClampAbs {
				e.PPM = ppmClampAbs
				result.ClampedWarn = true
			} else if e.PPM < -ppmClampAbs {
				e.PPM = -ppmClampAbs
				result.ClampedWarn = true
			}
			if result.ClampedWarn {
				logger.Warn("oscillator calibration clamped to %.2f ppm", e.PPM)
			}
			// 5. Persist every update.
			if err := calstore.Save(e.store, e.PPM); err != nil {
				logger.Error("saving calibration: %v", err)
			}
			e.maybeLearnTemperature()
		}
	}

	e.clockResetDetected = false

	// 6. Anchor.
	wasValid := e.PPSValid
	e.CalBaseVirtualUS = edgeVirtualUS
	e.CalBaseMillis = nowMS
	e.PPSValid = true
	e.CalValid = true
	e.LastPPSMillis = nowMS
	e.PPSCount++
	result.Accepted = true

	if streaming && timingEstablished && intervalUS > 0 {
		signedPhase := signedPhaseError(edgeVirtualUS, baseVirtualUS, intervalUS)

		// One-shot nudge: only before PPS has ever aligned a non-PPS-started
		// stream. Evaluated first; the continuous lock below may replace it
		// — "latest plan wins" rather than stacking both (spec §9).
		if !startedOnPPS && !phaseNudgeApplied {
			if signedPhase > 20 || signedPhase < -20 {
				result.PhaseRequest = &PhaseRequest{SignedPhaseUS: signedPhase, Continuous: false}
			}
		}
		if phaseLockEnabled {
			if signedPhase > 5 || signedPhase < -5 {
				result.PhaseRequest = &PhaseRequest{SignedPhaseUS: signedPhase, Continuous: true}
			}
		}
	}

	_ = wasValid
	return result
}

// signedPhaseError computes (edge - base) mod interval, folded into
// (-interval/2, interval/2].
func signedPhaseError(edgeVirtualUS, baseVirtualUS uint64, intervalUS uint64) float64 {
	delta := int64(edgeVirtualUS) - int64(baseVirtualUS)
	imod := int64(intervalUS)
	phaseMod := ((delta % imod) + imod) % imod
	if phaseMod <= imod/2 {
		return float64(phaseMod)
	}
	return float64(phaseMod - imod)
}

// maybeLearnTemperature implements spec §4.C.7. The first time the engine
// becomes eligible to learn (PPS count > 100, every 50th thereafter), it
// captures the current reading as the reference temperature instead of
// computing a coefficient — there is nothing to compare it against yet.
// Every eligible PPS after that computes Δtemp against that captured
// reference, per spec's "Δtemp = T_now − T_ref".
func (e *Engine) maybeLearnTemperature() {
	if !e.tempEnabled || e.PPSCount <= tempLearnAfterCount || e.PPSCount%tempLearnEveryN != 0 {
		return
	}
	currentTemp := e.temp.ReadCelsius()
	if !e.haveReferenceTemp {
		e.referenceTempC = currentTemp
		e.haveReferenceTemp = true
		return
	}
	deltaTemp := currentTemp - e.referenceTempC
	if math.Abs(float64(deltaTemp)) <= tempLearnMinDeltaC {
		return
	}
	e.TempCoeffPPMPerC = e.PPM / deltaTemp
	e.TempCompensationOn = true
	logger.Info("learned temperature coefficient: %.3f ppm/C", e.TempCoeffPPMPerC)
}

// SetManualPPM implements SET_CAL_PPM (spec §6): clamps and persists, same
// as a normal calibration update, but does not touch the PPS anchor.
func (e *Engine) SetManualPPM(ppm float32) {
	if ppm > ppmClampAbs {
		ppm = ppmClampAbs
	} else if ppm < -ppmClampAbs {
		ppm = -ppmClampAbs
	}
	e.PPM = ppm
	e.CalValid = true
	if err := calstore.Save(e.store, e.PPM); err != nil {
		logger.Error("saving calibration: %v", err)
	}
}
