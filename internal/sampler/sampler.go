// Package sampler implements the sample producer (spec §4.F): acquires
// ADC values (with optional oversampling), computes the calibrated
// timestamp, and hands the result to the emission layer.
package sampler

import (
	"time"

	"github.com/shiwa/adc-timing-core/internal/quality"
)

// ADC is the external ADC driver collaborator (spec §1 "out of scope").
// Implementations expose channel selection, a data-ready signal, and a
// blocking read returning a signed integer (spec §5 "the only blocking
// call is read_adc(), which spins ... with a 10ms deadline").
type ADC interface {
	// SelectChannel chooses the active differential channel.
	SelectChannel(ch int) error
	// ReadBlocking waits for data-ready (up to deadline) and returns one
	// conversion result. ok is false on an AdcDeadlineMiss (spec §7).
	ReadBlocking(deadline time.Duration) (value int32, ok bool)
}

// Sample is one emitted (or about-to-be-emitted) record's payload.
type Sample struct {
	TimestampUS uint64
	Quality     quality.State
	AccuracyUS  float32
	Values      []int32
}

// Config is the set of sampler parameters the command surface mutates.
type Config struct {
	Channels   int
	Dithering  int // 0, 2, 3, or 4 (spec §6 SET_DITHERING)
}

const ditherSpacing = 50 * time.Microsecond

// Producer acquires samples from an ADC per spec §4.F.
type Producer struct {
	adc               ADC
	deadlineMisses    uint32
	throughputWarned bool
}

// NewProducer creates a Producer driving adc.
func NewProducer(adc ADC) *Producer {
	return &Producer{adc: adc}
}

// DeadlineMisses returns the AdcDeadlineMiss counter (spec §7, §6 STAT).
func (p *Producer) DeadlineMisses() uint32 { return p.deadlineMisses }

// Acquire reads one value per active channel (spec §4.F step 4): a single
// reading if dithering is 0, otherwise `dithering` readings per channel at
// 50us spacing, emitted as the integer mean.
func (p *Producer) Acquire(cfg Config) []int32 {
	values := make([]int32, cfg.Channels)
	reps := cfg.Dithering
	if reps <= 0 {
		reps = 1
	}
	for ch := 0; ch < cfg.Channels; ch++ {
		if err := p.adc.SelectChannel(ch); err != nil {
			values[ch] = 0
			continue
		}
		var sum int64
		for i := 0; i < reps; i++ {
			v, ok := p.adc.ReadBlocking(10 * time.Millisecond)
			if !ok {
				p.deadlineMisses++
				v = 0
			}
			sum += int64(v)
			if i < reps-1 {
				time.Sleep(ditherSpacing)
			}
		}
		values[ch] = int32(sum / int64(reps))
	}
	return values
}

// RequiredThroughput computes the minimum ADC throughput the configuration
// demands (spec §4.F step 2): channels * max(1, dithering) * rate * 2.
func RequiredThroughput(channels, dithering int, rateHz float64) float64 {
	mult := dithering
	if mult < 1 {
		mult = 1
	}
	return float64(channels*mult) * rateHz * 2
}

// CheckThroughput implements the "warn once when below" half of spec §4.F
// step 2: comparing the configuration's RequiredThroughput against the
// ADC preset's rated samples/sec. It latches so the warning fires only on
// the transition into an under-provisioned configuration, re-arming once
// throughput is sufficient again (mirroring the FSM one-shot pattern used
// elsewhere, e.g. quality.Latch).
func (p *Producer) CheckThroughput(channels, dithering int, rateHz, availableSPS float64) (warn bool) {
	required := RequiredThroughput(channels, dithering, rateHz)
	below := required > availableSPS
	if below && !p.throughputWarned {
		p.throughputWarned = true
		return true
	}
	if !below {
		p.throughputWarned = false
	}
	return false
}

// CalibratedTimestamp computes the emitted timestamp per spec §4.F step 3:
// in PpsActive/PpsHoldover/InternalCal, project through the calibration
// anchor scaled by (1 + ppm/1e6) (the reverse sign from the scheduler's
// interval scaling, intentional per spec §9); in InternalRaw, pass through.
func CalibratedTimestamp(state quality.State, nowVirtualUS, calBaseVirtualUS uint64, ppm float32) uint64 {
	if state == quality.InternalRaw {
		return nowVirtualUS
	}
	elapsed := int64(nowVirtualUS) - int64(calBaseVirtualUS)
	corrected := float64(elapsed) * (1.0 + float64(ppm)/1e6)
	return calBaseVirtualUS + uint64(corrected)
}
