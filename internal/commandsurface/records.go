package commandsurface

import (
	"fmt"
	"strings"

	"github.com/shiwa/adc-timing-core/internal/backpressure"
	"github.com/shiwa/adc-timing-core/internal/quality"
)

// SessionLine formats the SESSION record emitted once per stream start,
// before the first sample (spec §6).
func SessionLine(bootID, streamID uint32, rateHz float64, channels, filter, gain, dithering int, q quality.State, ppm float32) string {
	return fmt.Sprintf("SESSION:%d,%d,%g,%d,%d,%d,%d,%s,%.2f",
		bootID, streamID, rateHz, channels, filter, gain, dithering, q, ppm)
}

// SampleLine formats one sample record in either schema.
func SampleLine(format OutputFormat, seq uint16, tsUS uint64, q quality.State, accuracyUS float32, values []int32) string {
	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = fmt.Sprintf("%d", v)
	}
	joined := strings.Join(fields, ",")
	if format == FormatCompact {
		return fmt.Sprintf("%d,%d,%s", seq, tsUS, joined)
	}
	return fmt.Sprintf("%d,%d,%d,%.1f,%s", seq, tsUS, q.Code(), accuracyUS, joined)
}

// StatLine formats the 1Hz STAT telemetry record.
func StatLine(q quality.State, accuracyUS float32, ppm float32, ppsValid bool, ppsAgeMS int64, wraps, overflows, skipped, bootID, streamID uint32, deadlineMisses uint32) string {
	return fmt.Sprintf("STAT:%s,%.1f,%.2f,%t,%d,%d,%d,%d,%d,%d,%d",
		q, accuracyUS, ppm, ppsValid, ppsAgeMS, wraps, overflows, skipped, bootID, streamID, deadlineMisses)
}

// OflowLine formats the back-pressure record.
func OflowLine(skipped, overflows uint32, txFree int) string {
	return fmt.Sprintf("OFLOW:%d,%d,%d", skipped, overflows, txFree)
}

// SequenceGapLine formats a SEQUENCE_GAP record.
func SequenceGapLine(ev backpressure.GapEvent) string {
	return fmt.Sprintf("SEQUENCE_GAP:expected=%d,got=%d", ev.Expected, ev.Got)
}

// SequenceResetLine formats a SEQUENCE_RESET record.
func SequenceResetLine(ev backpressure.ResetEvent) string {
	return fmt.Sprintf("SEQUENCE_RESET:expected=%d,got=%d", ev.Expected, ev.Got)
}

// WarningLine formats a WARNING record.
func WarningLine(msg string) string { return "WARNING:" + msg }

// DebugLine formats a DEBUG record.
func DebugLine(msg string) string { return "DEBUG:" + msg }

// OKLine formats an OK acknowledgement.
func OKLine(msg string) string {
	if msg == "" {
		return "OK:"
	}
	return "OK:" + msg
}

// ErrorLine formats an ERROR record from a tagged Error.
func ErrorLine(err *Error) string {
	return fmt.Sprintf("ERROR:%s", err.Reason)
}

// ReadyLine formats the boot-time READY banner.
func ReadyLine(bootID uint32) string {
	return fmt.Sprintf("READY:%d", bootID)
}
