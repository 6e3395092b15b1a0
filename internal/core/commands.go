package core

import (
	"fmt"
	"math"

	"github.com/shiwa/adc-timing-core/internal/commandsurface"
	"github.com/shiwa/adc-timing-core/internal/logger"
	"github.com/shiwa/adc-timing-core/internal/quality"
)

const (
	minIntervalUS = 9_900
	maxIntervalUS = 10_100

	maxSyncDelayMS = 10_000

	rateChangePPMActiveLimit = 50
	rateChangePPMWarnLimit   = 1_000
)

// handleCommand dispatches one parsed command, returning the response line
// to write (if any) and whether anything should be written at all — unknown
// commands are logged and otherwise ignored (spec §7).
func (c *Core) handleCommand(cmd commandsurface.Command) (string, bool) {
	switch cmd.Name {
	case commandsurface.StartStream:
		return c.cmdStartStream(cmd)
	case commandsurface.StartStreamSync:
		return c.cmdStartStreamSync(cmd)
	case commandsurface.StartStreamPPS:
		return c.cmdStartStreamPPS(cmd)
	case commandsurface.StopStream:
		return c.cmdStopStream()
	case commandsurface.SetADCRate:
		return c.cmdSetIndexed(cmd, &c.adcRateIdx, 1, 16, "adc rate")
	case commandsurface.SetGain:
		return c.cmdSetIndexed(cmd, &c.gainIdx, 1, 6, "gain")
	case commandsurface.SetFilter:
		return c.cmdSetIndexed(cmd, &c.filterIdx, 1, 5, "filter")
	case commandsurface.SetDithering:
		return c.cmdSetDithering(cmd)
	case commandsurface.SetChannels:
		return c.cmdSetChannels(cmd)
	case commandsurface.SetPreciseInterval:
		return c.cmdSetPreciseInterval(cmd)
	case commandsurface.SetOutputFormat:
		return c.cmdSetOutputFormat(cmd)
	case commandsurface.SetSequenceValidation:
		return c.cmdSetSequenceValidation(cmd)
	case commandsurface.SetCalPPM:
		return c.cmdSetCalPPM(cmd)
	case commandsurface.GetStatus:
		return c.cmdGetStatus()
	case commandsurface.GetTimingStatus:
		return c.cmdGetTimingStatus()
	case commandsurface.GetFilter:
		return fmt.Sprintf("OK:filter=%d", c.filterIdx), true
	case commandsurface.GetDithering:
		return fmt.Sprintf("OK:dithering=%d", c.dithering), true
	case commandsurface.GetOutputFormat:
		return fmt.Sprintf("OK:format=%s", c.format), true
	case commandsurface.GetSequenceValidation:
		return fmt.Sprintf("OK:sequence_validation=%t", c.seqV.Enabled), true
	case commandsurface.Reset:
		return c.cmdReset()
	default:
		logger.Info("ignoring unrecognized command: %q", cmd.Name)
		return "", false
	}
}

func errLine(k commandsurface.Kind, format string, args ...interface{}) (string, bool) {
	return commandsurface.ErrorLine(&commandsurface.Error{Kind: k, Reason: fmt.Sprintf(format, args...)}), true
}

func okLine(msg string) (string, bool) {
	return commandsurface.OKLine(msg), true
}

// rateChangeAllowed implements spec §4.H's rate_change_allowed gate: while
// PpsActive, a requested interval change whose equivalent ppm shift exceeds
// 50 is rejected outright; any change above 1000 ppm always warns, whether
// or not it is ultimately applied. For a rejected change the warning is
// emitted here; for an allowed one warnOver1000 tells the caller to emit it.
func (c *Core) rateChangeAllowed(currentRateHz, newRateHz float64) (allowed bool, warnOver1000 bool) {
	if currentRateHz <= 0 {
		return true, false
	}
	ratioPPM := math.Abs(newRateHz-currentRateHz) / currentRateHz * 1e6
	if c.lastQuality.State == quality.PpsActive && ratioPPM > rateChangePPMActiveLimit {
		if ratioPPM > rateChangePPMWarnLimit {
			c.emit(commandsurface.WarningLine("rate change exceeds 1000ppm"))
		}
		return false, false
	}
	return true, ratioPPM > rateChangePPMWarnLimit
}

func (c *Core) cmdStartStream(cmd commandsurface.Command) (string, bool) {
	if c.streaming {
		return errLine(commandsurface.StateViolation, "already streaming")
	}
	if rate, ok := cmd.Float(0); ok {
		allowed, warn := c.rateChangeAllowed(c.rateHz, rate)
		if !allowed {
			return errLine(commandsurface.ConfigRejected, "rate change exceeds 50ppm limit while PPS-locked")
		}
		if warn {
			c.emit(commandsurface.WarningLine("rate change exceeds 1000ppm"))
		}
		c.rateHz = rate
		c.sched.SetRate(rate)
	}
	c.beginStreamAt(c.clock.NowVirtualUS(), c.raw.RawMillis(), false)
	return okLine("streaming")
}

func (c *Core) cmdStartStreamSync(cmd commandsurface.Command) (string, bool) {
	if c.streaming || c.waitingForSync || c.syncOnPPS {
		return errLine(commandsurface.StateViolation, "already streaming or pending start")
	}
	rate, okRate := cmd.Float(0)
	delayMS, okDelay := cmd.Int(1)
	if !okRate || !okDelay || delayMS < 0 || delayMS > maxSyncDelayMS {
		return errLine(commandsurface.ConfigRejected, "bad rate or delay_ms")
	}
	allowed, warn := c.rateChangeAllowed(c.rateHz, rate)
	if !allowed {
		return errLine(commandsurface.ConfigRejected, "rate change exceeds 50ppm limit while PPS-locked")
	}
	if warn {
		c.emit(commandsurface.WarningLine("rate change exceeds 1000ppm"))
	}
	c.rateHz = rate
	c.sched.SetRate(rate)
	c.syncTargetVirtualUS = c.clock.NowVirtualUS() + uint64(delayMS)*1000
	c.waitingForSync = true
	return okLine("sync armed")
}

func (c *Core) cmdStartStreamPPS(cmd commandsurface.Command) (string, bool) {
	if c.streaming || c.waitingForSync || c.syncOnPPS {
		return errLine(commandsurface.StateViolation, "already streaming or pending start")
	}
	rate, okRate := cmd.Float(0)
	n, okN := cmd.Int(1)
	if !okRate || !okN || n < 1 || n > 5 {
		return errLine(commandsurface.ConfigRejected, "bad rate or n")
	}
	allowed, warn := c.rateChangeAllowed(c.rateHz, rate)
	if !allowed {
		return errLine(commandsurface.ConfigRejected, "rate change exceeds 50ppm limit while PPS-locked")
	}
	if warn {
		c.emit(commandsurface.WarningLine("rate change exceeds 1000ppm"))
	}
	c.rateHz = rate
	c.sched.SetRate(rate)
	c.ppsCountdown = n
	c.syncOnPPS = true
	return okLine("armed for pps start")
}

func (c *Core) cmdStopStream() (string, bool) {
	c.streaming = false
	c.timingEstablished = false
	c.waitingForSync = false
	c.syncOnPPS = false
	c.ppsCountdown = 0
	c.startedOnPPS = false
	c.phaseNudgeApplied = false
	c.sched.DiscardPlan()
	return okLine("stopped")
}

func (c *Core) cmdReset() (string, bool) {
	c.cmdStopStream()
	c.seqV.Reset()
	c.nextSeq = 0
	c.sess.HeaderSent = false
	return okLine("reset")
}

func (c *Core) cmdSetIndexed(cmd commandsurface.Command, dst *int, lo, hi int, name string) (string, bool) {
	if c.streaming {
		return errLine(commandsurface.StateViolation, "cannot change %s while streaming", name)
	}
	v, ok := cmd.Int(0)
	if !ok || v < lo || v > hi {
		return errLine(commandsurface.ConfigRejected, "%s out of range [%d,%d]", name, lo, hi)
	}
	*dst = v
	return okLine(fmt.Sprintf("%s=%d", name, v))
}

func (c *Core) cmdSetDithering(cmd commandsurface.Command) (string, bool) {
	v, ok := cmd.Int(0)
	if !ok || (v != 0 && v != 2 && v != 3 && v != 4) {
		return errLine(commandsurface.ConfigRejected, "dithering must be one of 0,2,3,4")
	}
	c.dithering = v
	return okLine(fmt.Sprintf("dithering=%d", v))
}

func (c *Core) cmdSetChannels(cmd commandsurface.Command) (string, bool) {
	if c.streaming {
		return errLine(commandsurface.StateViolation, "cannot change channels while streaming")
	}
	v, ok := cmd.Int(0)
	if !ok || v < 1 || v > 3 {
		return errLine(commandsurface.ConfigRejected, "channels out of range [1,3]")
	}
	c.channels = v
	return okLine(fmt.Sprintf("channels=%d", v))
}

func (c *Core) cmdSetPreciseInterval(cmd commandsurface.Command) (string, bool) {
	us, ok := cmd.Int(0)
	if !ok || us < minIntervalUS || us > maxIntervalUS {
		return errLine(commandsurface.ConfigRejected, "interval out of range [%d,%d]us", minIntervalUS, maxIntervalUS)
	}
	newRate := 1e6 / float64(us)
	allowed, warn := c.rateChangeAllowed(c.rateHz, newRate)
	if !allowed {
		return errLine(commandsurface.ConfigRejected, "rate change exceeds 50ppm limit while PPS-locked")
	}
	if warn {
		c.emit(commandsurface.WarningLine("rate change exceeds 1000ppm"))
	}
	c.rateHz = newRate
	c.sched.SetRate(newRate)
	return okLine(fmt.Sprintf("interval=%dus", us))
}

func (c *Core) cmdSetOutputFormat(cmd commandsurface.Command) (string, bool) {
	f, ok := commandsurface.ParseOutputFormat(cmd.String(0))
	if !ok {
		return errLine(commandsurface.ConfigRejected, "format must be FULL or COMPACT")
	}
	c.format = f
	return okLine(fmt.Sprintf("format=%s", f))
}

func (c *Core) cmdSetSequenceValidation(cmd commandsurface.Command) (string, bool) {
	switch cmd.String(0) {
	case "ON":
		c.seqV.Enabled = true
	case "OFF":
		c.seqV.Enabled = false
	default:
		return errLine(commandsurface.ConfigRejected, "sequence_validation must be ON or OFF")
	}
	return okLine(fmt.Sprintf("sequence_validation=%t", c.seqV.Enabled))
}

func (c *Core) cmdSetCalPPM(cmd commandsurface.Command) (string, bool) {
	ppm, ok := cmd.Float(0)
	if !ok {
		return errLine(commandsurface.ConfigRejected, "ppm must be a float")
	}
	c.disc.SetManualPPM(float32(ppm))
	return okLine(fmt.Sprintf("ppm=%.2f", c.disc.PPM))
}

func (c *Core) cmdGetStatus() (string, bool) {
	return fmt.Sprintf("OK:streaming=%t,rate_hz=%g,channels=%d,quality=%s,ppm=%.2f",
		c.streaming, c.rateHz, c.channels, c.lastQuality.State, c.disc.PPM), true
}

func (c *Core) cmdGetTimingStatus() (string, bool) {
	return fmt.Sprintf("OK:quality=%s,accuracy_us=%.1f,ppm=%.2f,pps_valid=%t,pps_count=%d,pps_miss_count=%d,cal_valid=%t",
		c.lastQuality.State, c.lastQuality.AccuracyUS, c.disc.PPM, c.disc.PPSValid, c.disc.PPSCount, c.disc.PPSMissCount, c.disc.CalValid), true
}
