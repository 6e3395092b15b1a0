package commandsurface

// OutputFormat selects the sample record schema (spec §6).
type OutputFormat int

const (
	FormatFull OutputFormat = iota
	FormatCompact
)

func (f OutputFormat) String() string {
	if f == FormatCompact {
		return "COMPACT"
	}
	return "FULL"
}

// ParseOutputFormat parses the SET_OUTPUT_FORMAT argument.
func ParseOutputFormat(s string) (OutputFormat, bool) {
	switch s {
	case "FULL":
		return FormatFull, true
	case "COMPACT":
		return FormatCompact, true
	default:
		return FormatFull, false
	}
}

// Session holds the per-boot/per-stream identifiers (spec §3 "Session
// state").
type Session struct {
	BootID     uint32
	StreamID   uint32
	HeaderSent bool
}

// NewSession creates a Session anchored at bootID (captured once at
// process start).
func NewSession(bootID uint32) *Session {
	return &Session{BootID: bootID}
}

// BeginStream allocates a fresh stream id from the current wall clock
// milliseconds, per spec §4.H ("stream_id = now_ms").
func (s *Session) BeginStream(nowMS uint32) {
	s.StreamID = nowMS
	s.HeaderSent = false
}
