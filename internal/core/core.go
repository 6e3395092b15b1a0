// Package core wires every other package into the main-loop tick function,
// mirroring the firmware's loop(): poll commands, consume the PPS edge,
// re-evaluate timing quality, run the scheduler, and emit telemetry.
package core

import (
	"fmt"
	"math"
	"time"

	"github.com/shiwa/adc-timing-core/internal/backpressure"
	"github.com/shiwa/adc-timing-core/internal/calstore"
	"github.com/shiwa/adc-timing-core/internal/commandsurface"
	"github.com/shiwa/adc-timing-core/internal/discipline"
	"github.com/shiwa/adc-timing-core/internal/logger"
	"github.com/shiwa/adc-timing-core/internal/pps"
	"github.com/shiwa/adc-timing-core/internal/quality"
	"github.com/shiwa/adc-timing-core/internal/sampler"
	"github.com/shiwa/adc-timing-core/internal/scheduler"
	"github.com/shiwa/adc-timing-core/internal/tempsource"
	"github.com/shiwa/adc-timing-core/internal/transport"
	"github.com/shiwa/adc-timing-core/internal/vclock"
)

const statIntervalMS = 1_000

// adcRatePresetSPS maps SET_ADC_RATE's 1..16 preset index to the delta-sigma
// ADC's rated samples/sec at that preset, the same low-to-high data-rate
// ladder common to this chip family (e.g. ADS1256-class parts): index 0 is
// unused so the preset index can be used directly.
var adcRatePresetSPS = [...]float64{
	0,
	2.5, 5, 10, 15, 25, 30, 50, 60,
	100, 500, 1_000, 2_000, 3_750, 7_500, 15_000, 30_000,
}

// PPSSource is the collaborator the main loop drains for edges. Both
// internal/ppsinput.Source and a bare pps.Latch satisfy it, so tests can
// inject edges directly.
type PPSSource interface {
	Take() (pps.Edge, bool)
}

// Core owns every stateful component and the session-level configuration
// the command surface mutates (spec §3).
type Core struct {
	clock *vclock.Clock
	raw   vclock.RawReader
	disc  *discipline.Engine
	sched *scheduler.Scheduler
	prod  *sampler.Producer
	bp    *backpressure.Monitor
	seqV  *backpressure.SequenceValidator
	qual  quality.Latch
	sess  *commandsurface.Session
	tr    transport.Transport
	lr    *transport.LineReader
	ppsIn PPSSource

	format     commandsurface.OutputFormat
	channels   int
	dithering  int
	filterIdx  int
	gainIdx    int
	adcRateIdx int
	rateHz     float64

	streaming         bool
	timingEstablished bool
	startedOnPPS      bool
	phaseNudgeApplied bool

	waitingForSync      bool
	syncTargetVirtualUS uint64

	syncOnPPS    bool
	ppsCountdown int

	nextSeq uint16

	lastClockResets uint32

	lastStatMS   uint32
	haveLastStat bool

	lastQuality quality.Result
}

// Config seeds the startup defaults a loaded config.Config provides.
type Config struct {
	RateHz    float64
	Channels  int
	Dithering int
}

// New assembles a Core from its collaborators. raw/ppsIn/adc/tr are the
// platform-specific backends (real gpiocdev/serial on target, fakes in
// tests); store/temp feed the discipline engine.
func New(raw vclock.RawReader, ppsIn PPSSource, adc sampler.ADC, tr transport.Transport, store calstore.Backend, temp tempsource.Source, bootID uint32, cfg Config) *Core {
	clock := vclock.New(raw)
	disc := discipline.New(store, temp)
	disc.LoadCalibration()
	clock.SetResetHandler(disc)

	c := &Core{
		clock:       clock,
		raw:         raw,
		disc:        disc,
		sched:       scheduler.New(cfg.RateHz),
		prod:        sampler.NewProducer(adc),
		bp:          backpressure.NewMonitor(),
		seqV:        backpressure.NewSequenceValidator(),
		sess:        commandsurface.NewSession(bootID),
		tr:          tr,
		lr:          transport.NewLineReader(tr),
		ppsIn:       ppsIn,
		format:      commandsurface.FormatFull,
		channels:    cfg.Channels,
		dithering:   cfg.Dithering,
		filterIdx:   1,
		gainIdx:     1,
		adcRateIdx:  1,
		rateHz:      cfg.RateHz,
		lastQuality: quality.Result{State: quality.InternalRaw, AccuracyUS: 1000.0},
	}
	return c
}

func (c *Core) emit(line string) {
	if err := c.tr.WriteLine(line); err != nil {
		logger.Error("writing line: %v", err)
	}
}

// Tick runs one main-loop iteration: it is meant to be called as fast as
// the host can spin, mirroring the firmware's unconditional loop() call.
func (c *Core) Tick() {
	c.pollCommands()

	nowMS := c.raw.RawMillis()
	nowVirtual := c.clock.NowVirtualUS()

	if resets := c.clock.ClockResets(); resets != c.lastClockResets {
		c.disc.NoteResetAt(nowMS)
		c.lastClockResets = resets
	}

	c.handleSyncStart(nowVirtual, nowMS)
	c.handlePPSEdge(nowVirtual)
	c.updateQuality(nowMS)
	c.runScheduler(nowVirtual)
	c.maybeEmitStat(nowMS)
}

func (c *Core) pollCommands() {
	for _, line := range c.lr.Poll() {
		cmd := commandsurface.Parse(line)
		if resp, ok := c.handleCommand(cmd); ok {
			c.emit(resp)
		}
	}
}

func (c *Core) handleSyncStart(nowVirtual uint64, nowMS uint32) {
	if !c.waitingForSync {
		return
	}
	if nowVirtual < c.syncTargetVirtualUS {
		return
	}
	c.waitingForSync = false
	c.beginStreamAt(nowVirtual, nowMS, false)
}

func (c *Core) handlePPSEdge(nowVirtual uint64) {
	edge, ok := c.ppsIn.Take()
	if !ok {
		return
	}
	edgeVirtual := c.clock.VirtualizeRaw(edge.RawMicros)
	res := c.disc.Accept(edgeVirtual, edge.CapturedAtMS, c.streaming, c.timingEstablished, c.startedOnPPS, c.phaseNudgeApplied, true, c.sched.BaseVirtualUS, c.sched.NominalIntervalUS, c.rateHz)

	if res.CalibrationRejected {
		c.emit(commandsurface.WarningLine("PPS calibration error too large - ignoring"))
	}
	if !res.Accepted {
		return
	}

	if res.ClampedWarn {
		c.emit(commandsurface.WarningLine(fmt.Sprintf("oscillator calibration clamped to %.2f ppm", c.disc.PPM)))
	}

	if res.PhaseRequest != nil {
		c.sched.ApplyPhaseRequest(res.PhaseRequest.SignedPhaseUS, res.PhaseRequest.Continuous, c.rateHz)
		if !res.PhaseRequest.Continuous {
			c.phaseNudgeApplied = true
			c.emit(commandsurface.DebugLine(fmt.Sprintf("Applying phase nudge: error=%.0fus", res.PhaseRequest.SignedPhaseUS)))
		} else {
			c.emit(commandsurface.DebugLine(fmt.Sprintf("PPS lock adjust: error=%.0fus", res.PhaseRequest.SignedPhaseUS)))
		}
	}

	if c.syncOnPPS && c.ppsCountdown > 0 {
		c.ppsCountdown--
		if c.ppsCountdown == 0 {
			c.syncOnPPS = false
			c.sched.EstablishAt(edgeVirtual)
			c.streaming = true
			c.timingEstablished = true
			c.startedOnPPS = true
			c.phaseNudgeApplied = false
			c.seqV.Reset()
			c.nextSeq = 0
			c.sess.BeginStream(edge.CapturedAtMS)
			c.emit(commandsurface.SessionLine(c.sess.BootID, c.sess.StreamID, c.rateHz, c.channels, c.filterIdx, c.gainIdx, c.dithering, c.currentQuality(), c.disc.PPM))
			c.sess.HeaderSent = true
		}
	}
}

// updateQuality re-evaluates the timing-quality FSM and reacts to its
// one-shot warnings, including the write-back of pps_valid=false on an
// unwarned PPS-loss transition (spec §4.D, mirrored from the firmware's
// quality update routine).
func (c *Core) updateQuality(nowMS uint32) {
	var ageMS int64 = math.MaxInt64
	if c.disc.PPSCount > 0 {
		ageMS = int64(nowMS) - int64(c.disc.LastPPSMillis)
	}
	recentReset := c.disc.RecentReset(nowMS)
	res := quality.Evaluate(quality.Inputs{
		PpsValid:    c.disc.PPSValid,
		CalValid:    c.disc.CalValid,
		AgeMS:       ageMS,
		RecentReset: recentReset,
	})

	switch res.State {
	case quality.PpsActive:
		c.disc.PPSMissCount = 0
	case quality.PpsHoldover:
		c.disc.PPSMissCount++
	}

	warnings := c.qual.Observe(res, recentReset)
	if warnings.PpsLost {
		c.disc.PPSValid = false
		c.emit(commandsurface.WarningLine(fmt.Sprintf("GPS PPS lost for %ds - timing accuracy degraded", ageMS/1000)))
	}
	if warnings.RawFromReset {
		c.emit(commandsurface.WarningLine("Using raw timing due to recent clock reset"))
	}
	c.lastQuality = res
}

func (c *Core) currentQuality() quality.State {
	return c.lastQuality.State
}

func (c *Core) runScheduler(nowVirtual uint64) {
	if !c.streaming || !c.timingEstablished {
		return
	}
	c.sched.RecomputeEffectiveInterval(c.disc.PPM)
	if !c.sched.ShouldFire(nowVirtual) {
		return
	}

	if c.prod.CheckThroughput(c.channels, c.dithering, c.rateHz, adcRatePresetSPS[c.adcRateIdx]) {
		c.emit(commandsurface.WarningLine("ADC throughput below requirement for current rate/channels/dithering"))
	}

	values := c.prod.Acquire(sampler.Config{Channels: c.channels, Dithering: c.dithering})
	ts := sampler.CalibratedTimestamp(c.lastQuality.State, nowVirtual, c.disc.CalBaseVirtualUS, c.disc.PPM)
	seq := c.nextSeq
	c.nextSeq++

	c.sched.AfterFire(nowVirtual, c.clock.NowVirtualUS)

	txFree := c.tr.TxAvailable()
	drop, warn := c.bp.Check(txFree, time.Now())
	if drop {
		if warn {
			c.emit(commandsurface.OflowLine(c.bp.Skipped, c.bp.Overflows, txFree))
		}
		return
	}

	if gap, reset := c.seqV.Observe(seq); gap != nil {
		c.emit(commandsurface.SequenceGapLine(*gap))
	} else if reset != nil {
		c.emit(commandsurface.SequenceResetLine(*reset))
	}

	if !c.sess.HeaderSent {
		c.emit(commandsurface.SessionLine(c.sess.BootID, c.sess.StreamID, c.rateHz, c.channels, c.filterIdx, c.gainIdx, c.dithering, c.lastQuality.State, c.disc.PPM))
		c.sess.HeaderSent = true
	}

	c.emit(commandsurface.SampleLine(c.format, seq, ts, c.lastQuality.State, c.lastQuality.AccuracyUS, values))
}

func (c *Core) maybeEmitStat(nowMS uint32) {
	if c.haveLastStat && int64(nowMS)-int64(c.lastStatMS) < statIntervalMS {
		return
	}
	c.lastStatMS = nowMS
	c.haveLastStat = true

	ageMS := int64(0)
	if c.disc.PPSCount > 0 {
		ageMS = int64(nowMS) - int64(c.disc.LastPPSMillis)
	}
	c.emit(commandsurface.StatLine(c.lastQuality.State, c.lastQuality.AccuracyUS, c.disc.PPM, c.disc.PPSValid, ageMS, c.clock.Wraps(), c.bp.Overflows, c.bp.Skipped, c.sess.BootID, c.sess.StreamID, c.prod.DeadlineMisses()))
}

// beginStreamAt establishes the scheduler epoch and marks streaming active,
// used by both the immediate and delayed-sync start paths.
func (c *Core) beginStreamAt(nowVirtual uint64, nowMS uint32, onPPS bool) {
	c.sched.Establish(nowVirtual)
	c.streaming = true
	c.timingEstablished = true
	c.startedOnPPS = onPPS
	c.phaseNudgeApplied = false
	c.seqV.Reset()
	c.nextSeq = 0
	c.sess.BeginStream(nowMS)
	c.emit(commandsurface.SessionLine(c.sess.BootID, c.sess.StreamID, c.rateHz, c.channels, c.filterIdx, c.gainIdx, c.dithering, c.currentQuality(), c.disc.PPM))
	c.sess.HeaderSent = true
}
