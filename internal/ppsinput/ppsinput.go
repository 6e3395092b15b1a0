// Package ppsinput implements the real PPS edge capture collaborator
// (spec §4.B): a rising-edge interrupt on a dedicated GPIO line, delivered
// to the main loop as a pps.Edge message via a depth-1 latch. This is the
// Go-host equivalent of the firmware's ISR: gpiocdev's edge-detection
// event handler runs on its own goroutine and does only the two writes
// spec §4.B allows the ISR — capture raw clocks, post the edge — leaving
// all validation and statistics to the main loop (internal/discipline).
package ppsinput

import (
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/shiwa/adc-timing-core/internal/pps"
	"github.com/shiwa/adc-timing-core/internal/vclock"
)

// Source captures PPS rising edges on a GPIO line and hands them to the
// main loop through a pps.Latch.
type Source struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line

	mu    sync.Mutex
	latch pps.Latch

	raw vclock.RawReader
}

// Open requests edge-detection on chipName/lineOffset and starts capturing
// rising edges. raw supplies the free-running counters sampled at each
// edge (the ISR's "sample raw us" step).
func Open(chipName string, lineOffset int, raw vclock.RawReader) (*Source, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, err
	}
	s := &Source{chip: chip, raw: raw}
	line, err := chip.RequestLine(lineOffset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(s.onEvent),
	)
	if err != nil {
		chip.Close()
		return nil, err
	}
	s.line = line
	return s, nil
}

// onEvent is the event-handler goroutine gpiocdev invokes on each rising
// edge. It performs only the ISR's two writes: sample the counters, post
// the edge.
func (s *Source) onEvent(evt gpiocdev.LineEvent) {
	e := pps.Edge{
		RawMicros:    s.raw.RawMicros(),
		CapturedAtMS: s.raw.RawMillis(),
	}
	s.mu.Lock()
	s.latch.Post(e)
	s.mu.Unlock()
}

// Take returns the pending edge, if any, clearing it (the main loop's
// consumption of the ISR hand-off, spec §4.B/§5).
func (s *Source) Take() (pps.Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latch.Take()
}

// Close releases the GPIO line and chip.
func (s *Source) Close() error {
	if s.line != nil {
		s.line.Close()
	}
	return s.chip.Close()
}
