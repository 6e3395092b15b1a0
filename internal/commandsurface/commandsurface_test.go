package commandsurface

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shiwa/adc-timing-core/internal/backpressure"
	"github.com/shiwa/adc-timing-core/internal/quality"
)

func TestParse_SplitsNameAndArgs(t *testing.T) {
	c := Parse("SET_ADC_RATE:1000\r\n")
	require.Equal(t, SetADCRate, c.Name)
	require.Equal(t, []string{"1000"}, c.Args)
}

func TestParse_NoArgs(t *testing.T) {
	c := Parse("GET_STATUS")
	require.Equal(t, GetStatus, c.Name)
	require.Nil(t, c.Args)
}

func TestParse_UnknownCommandKeepsNameNotError(t *testing.T) {
	c := Parse("NOT_A_REAL_COMMAND")
	require.Equal(t, Unknown, Name(""))
	require.Equal(t, Name("NOT_A_REAL_COMMAND"), c.Name)
}

func TestParse_EmptyLine(t *testing.T) {
	c := Parse("   ")
	require.Equal(t, Unknown, c.Name)
}

func TestCommand_ArgAccessors(t *testing.T) {
	c := Parse("SET_PRECISE_INTERVAL:10000.5,abc")
	f, ok := c.Float(0)
	require.True(t, ok)
	require.InDelta(t, 10000.5, f, 1e-9)

	_, ok = c.Int(0)
	require.False(t, ok, "10000.5 is not a valid int")

	require.Equal(t, "abc", c.String(1))
	require.Equal(t, "", c.String(5))

	_, ok = c.Float(5)
	require.False(t, ok)
}

func TestParseOutputFormat(t *testing.T) {
	f, ok := ParseOutputFormat("FULL")
	require.True(t, ok)
	require.Equal(t, FormatFull, f)

	f, ok = ParseOutputFormat("COMPACT")
	require.True(t, ok)
	require.Equal(t, FormatCompact, f)

	_, ok = ParseOutputFormat("BOGUS")
	require.False(t, ok)
}

func TestSession_BeginStreamResetsHeader(t *testing.T) {
	s := NewSession(42)
	s.HeaderSent = true
	s.BeginStream(123456)
	require.Equal(t, uint32(123456), s.StreamID)
	require.False(t, s.HeaderSent)
	require.Equal(t, uint32(42), s.BootID)
}

func TestSampleLine_FullAndCompact(t *testing.T) {
	values := []int32{1, -2, 3}
	full := SampleLine(FormatFull, 7, 1000, quality.PpsActive, 0.5, values)
	require.Equal(t, "7,1000,0,0.5,1,-2,3", full)

	compact := SampleLine(FormatCompact, 7, 1000, quality.PpsActive, 0.5, values)
	require.Equal(t, "7,1000,1,-2,3", compact)
}

func TestSessionLine_Format(t *testing.T) {
	line := SessionLine(1, 2, 1000, 3, 1, 2, 0, quality.PpsActive, 1.25)
	require.Equal(t, "SESSION:1,2,1000,3,1,2,0,PPS_ACTIVE,1.25", line)
}

func TestStatLine_Format(t *testing.T) {
	line := StatLine(quality.PpsHoldover, 10.0, -5.5, true, 1500, 2, 3, 4, 99, 100, 5)
	require.Contains(t, line, "STAT:")
	require.Contains(t, line, "true")
}

func TestOflowLine_Format(t *testing.T) {
	require.Equal(t, "OFLOW:1,2,8", OflowLine(1, 2, 8))
}

func TestSequenceGapAndResetLines(t *testing.T) {
	gap := SequenceGapLine(backpressure.GapEvent{Expected: 1, Got: 5})
	require.Equal(t, "SEQUENCE_GAP:expected=1,got=5", gap)

	reset := SequenceResetLine(backpressure.ResetEvent{Expected: 10000, Got: 100})
	require.Equal(t, "SEQUENCE_RESET:expected=10000,got=100", reset)
}

func TestLineHelpers(t *testing.T) {
	require.Equal(t, "WARNING:foo", WarningLine("foo"))
	require.Equal(t, "DEBUG:foo", DebugLine("foo"))
	require.Equal(t, "OK:", OKLine(""))
	require.Equal(t, "OK:started", OKLine("started"))
	require.Equal(t, "READY:7", ReadyLine(7))

	err := &Error{Kind: ConfigRejected, Reason: "rate out of range"}
	require.Equal(t, "ERROR:rate out of range", ErrorLine(err))
}

func TestError_ErrorString(t *testing.T) {
	err := reject(StateViolation, "cannot change %s while streaming", "gain")
	require.Equal(t, "StateViolation: cannot change gain while streaming", err.Error())
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "ConfigRejected", ConfigRejected.String())
	require.Equal(t, "CalibrationRejected", CalibrationRejected.String())
}
