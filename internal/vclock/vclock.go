// Package vclock implements the continuous 64-bit microsecond virtual clock
// (spec §4.A): a monotonic time base synthesized from a 32-bit hardware
// microsecond counter plus an offset that absorbs counter wraps and
// unexpected resets, so that sample indexing stays continuous across both.
package vclock

// RawReader returns the raw hardware counters. On the real target these are
// free-running 32-bit timers; on a host build they are simulated.
type RawReader interface {
	// RawMicros returns the free-running 32-bit microsecond counter.
	RawMicros() uint32
	// RawMillis returns the free-running 32-bit millisecond counter.
	RawMillis() uint32
}

// ResetHandler is notified when Clock detects a hardware clock reset, so
// the discipline engine (spec §4.C "Reset handling") can react by
// invalidating its calibration and PPS validity. Continuity of virtual time,
// and with it of sample indexing, is kept by Clock itself (see handleReset);
// the InternalRaw downgrade follows from the caller noting the change in
// ClockResets.
type ResetHandler interface {
	// OnClockReset is called with the virtual time that was in effect just
	// before the reset was detected (the continuity anchor) and must return
	// quickly; it runs on the same goroutine as NowVirtualUS.
	OnClockReset(preResetVirtualUS uint64)
}

const (
	wrapBenignHighWater uint32 = 4_000_000_000 // "near top of range"
	wrapBenignLowWater  uint32 = 300_000_000   // "near zero"

	lateWrapThresholdUS uint64 = 1_000_000_000 // backward jump treated as missed wrap

	resetMicrosBackwardUS uint64 = 1_000_000 // > this backward jump (not a wrap) ⇒ reset
	resetMillisBackwardMS uint64 = 1_000

	resetSmallMicrosUS uint32 = 5_000_000
	resetSmallMillisMS uint32 = 5_000

	wrapIncrement uint64 = 1 << 32
)

// Clock is the virtual monotonic microsecond clock. It is owned exclusively
// by the main loop (no internal locking); concurrent use requires external
// synchronization, matching the single-threaded-cooperative model of spec §5.
type Clock struct {
	raw RawReader

	virtualOffset uint64

	lastRawMicros uint32
	lastRawMillis uint32
	haveLast      bool
	wasLarge      bool // true once lastRaw{Micros,Millis} were observed "large"

	wraps        uint32
	clockResets  uint32
	resetHandler ResetHandler

	lastVirtual uint64 // last value returned, for the monotonicity guarantee
	haveLastV   bool
}

// New creates a Clock reading from raw.
func New(raw RawReader) *Clock {
	return &Clock{raw: raw}
}

// SetResetHandler installs the discipline engine's reset callback.
func (c *Clock) SetResetHandler(h ResetHandler) {
	c.resetHandler = h
}

// Wraps returns the number of benign/late wraps detected so far.
func (c *Clock) Wraps() uint32 { return c.wraps }

// VirtualizeRaw converts a raw 32-bit microsecond reading captured earlier
// (e.g. a PPS edge timestamp latched by an interrupt) into virtual time using
// the offset currently in effect. Callers are expected to consume such
// readings promptly, well inside one wrap period, same as the firmware does.
func (c *Clock) VirtualizeRaw(rawUS uint32) uint64 {
	return c.virtualOffset + uint64(rawUS)
}

// ClockResets returns the number of hardware clock resets detected so far.
func (c *Clock) ClockResets() uint32 { return c.clockResets }

// NowVirtualUS returns the current virtual time in microseconds. Two
// successive calls never return a strictly decreasing value (invariant 1).
func (c *Clock) NowVirtualUS() uint64 {
	rawUS := c.raw.RawMicros()
	rawMS := c.raw.RawMillis()

	if !c.haveLast {
		c.lastRawMicros = rawUS
		c.lastRawMillis = rawMS
		c.haveLast = true
		c.wasLarge = false
	} else {
		c.detectAnomaly(rawUS, rawMS)
	}

	virtual := c.virtualOffset + uint64(rawUS)

	// Late wrap: caught here rather than in the reset detector, per spec.
	if c.haveLastV && c.lastVirtual > virtual {
		backward := c.lastVirtual - virtual
		if backward > lateWrapThresholdUS {
			c.virtualOffset += wrapIncrement
			c.wraps++
			virtual = c.virtualOffset + uint64(rawUS)
		}
	}

	// Never let the returned value regress.
	if c.haveLastV && virtual < c.lastVirtual {
		virtual = c.lastVirtual
	}

	c.lastRawMicros = rawUS
	c.lastRawMillis = rawMS
	c.lastVirtual = virtual
	c.haveLastV = true
	return virtual
}

// detectAnomaly classifies the transition from the previous raw readings to
// the current ones as a benign wrap or a clock reset, per spec §4.A.
func (c *Clock) detectAnomaly(rawUS, rawMS uint32) {
	prevLarge := c.lastRawMicros > wrapBenignHighWater

	if prevLarge && rawUS < wrapBenignLowWater {
		c.virtualOffset += wrapIncrement
		c.wraps++
		c.wasLarge = false
		return
	}

	backwardUS := uint64(0)
	if rawUS < c.lastRawMicros {
		backwardUS = uint64(c.lastRawMicros - rawUS)
	}
	backwardMS := uint64(0)
	if rawMS < c.lastRawMillis {
		backwardMS = uint64(c.lastRawMillis - rawMS)
	}

	bothSmallAfterLarge := c.wasLarge &&
		rawUS < resetSmallMicrosUS && rawMS < resetSmallMillisMS

	isReset := (backwardUS > resetMicrosBackwardUS && !prevLarge) ||
		backwardMS > resetMillisBackwardMS ||
		bothSmallAfterLarge

	if isReset {
		c.handleReset()
		return
	}

	if rawUS > wrapBenignHighWater || rawMS > 4_000_000_000/1000 {
		c.wasLarge = true
	}
}

// handleReset performs the continuity-preserving part of reset handling
// that belongs to the clock itself: notify the reset handler with the
// pre-reset virtual time, then fold that time into the offset so
// NowVirtualUS keeps climbing instead of falling back to near zero, which
// keeps sample indexing continuous.
func (c *Clock) handleReset() {
	c.clockResets++
	preReset := c.virtualOffset + uint64(c.lastRawMicros)
	if c.resetHandler != nil {
		c.resetHandler.OnClockReset(preReset)
	}
	c.virtualOffset = preReset
	c.wasLarge = false
}
