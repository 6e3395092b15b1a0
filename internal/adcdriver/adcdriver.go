// Package adcdriver implements the real ADC collaborator (spec §1, §6
// "SPI to the ADC, mode 1, 8MHz, MSB-first") as a bit-banged SPI master
// over Linux GPIO character-device lines, the same technique
// other_examples/warthog618-go-gpiocdev__mcp3w0c.go uses for the
// MCP3xxx family: no SPI mode-1 bit-bang primitive ships in gpiocdev, so
// this package clocks out/in manually against the chip's CPOL=0/CPHA=1
// convention (clock idles low, data changes on the rising edge, sampled on
// the falling edge) instead of reusing gpiocdev/spi's CPOL0/CPHA0 helper.
package adcdriver

import (
	"errors"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/shiwa/adc-timing-core/internal/sampler"
)

// ErrDeadline indicates the data-ready line did not assert within the
// caller's deadline (spec §7 AdcDeadlineMiss).
var ErrDeadline = errors.New("adcdriver: data-ready deadline exceeded")

// Pins names the GPIO lines the delta-sigma ADC is wired to.
type Pins struct {
	Chip     string
	SCLK     int
	MOSI     int
	MISO     int
	CS       int
	DataReady int
	ChannelSelectBits []int // one GPIO per channel-select bit, MSB first
}

// Device drives a delta-sigma ADC's SPI register interface (mode 1,
// MSB-first) over bit-banged GPIO.
type Device struct {
	chip *gpiocdev.Chip

	sclk, mosi, miso, cs, dataReady *gpiocdev.Line
	chanSelect                      []*gpiocdev.Line

	halfPeriod time.Duration // half clock period at 8MHz equivalent bit-bang rate
	channel    int
}

// Open opens the GPIO chip and requests the lines described by pins.
func Open(pins Pins) (*Device, error) {
	chip, err := gpiocdev.NewChip(pins.Chip)
	if err != nil {
		return nil, err
	}
	d := &Device{chip: chip, halfPeriod: 62500 * time.Nanosecond / 1000} // ~8MHz equivalent toggle rate
	if d.sclk, err = chip.RequestLine(pins.SCLK, gpiocdev.AsOutput(0)); err != nil {
		return nil, d.closeAnd(err)
	}
	if d.mosi, err = chip.RequestLine(pins.MOSI, gpiocdev.AsOutput(0)); err != nil {
		return nil, d.closeAnd(err)
	}
	if d.miso, err = chip.RequestLine(pins.MISO, gpiocdev.AsInput); err != nil {
		return nil, d.closeAnd(err)
	}
	if d.cs, err = chip.RequestLine(pins.CS, gpiocdev.AsOutput(1)); err != nil {
		return nil, d.closeAnd(err)
	}
	if d.dataReady, err = chip.RequestLine(pins.DataReady, gpiocdev.AsInput); err != nil {
		return nil, d.closeAnd(err)
	}
	for _, line := range pins.ChannelSelectBits {
		l, err := chip.RequestLine(line, gpiocdev.AsOutput(0))
		if err != nil {
			return nil, d.closeAnd(err)
		}
		d.chanSelect = append(d.chanSelect, l)
	}
	return d, nil
}

func (d *Device) closeAnd(err error) error {
	d.Close()
	return err
}

// Close releases all requested GPIO lines.
func (d *Device) Close() error {
	for _, l := range d.chanSelect {
		if l != nil {
			l.Close()
		}
	}
	for _, l := range []*gpiocdev.Line{d.sclk, d.mosi, d.miso, d.cs, d.dataReady} {
		if l != nil {
			l.Close()
		}
	}
	return d.chip.Close()
}

// SelectChannel drives the channel-select GPIO lines, MSB first.
func (d *Device) SelectChannel(ch int) error {
	d.channel = ch
	for i, l := range d.chanSelect {
		bit := (ch >> uint(len(d.chanSelect)-1-i)) & 0x01
		if err := l.SetValue(bit); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlocking waits for the data-ready line to assert (spinning, per spec
// §5) and then clocks in one 24-bit signed conversion result over the
// bit-banged SPI link.
func (d *Device) ReadBlocking(deadline time.Duration) (int32, bool) {
	if !d.waitDataReady(deadline) {
		return 0, false
	}
	v, err := d.clockInWord(24)
	if err != nil {
		return 0, false
	}
	return signExtend24(v), true
}

func (d *Device) waitDataReady(deadline time.Duration) bool {
	start := time.Now()
	for time.Since(start) < deadline {
		v, err := d.dataReady.Value()
		if err == nil && v == 0 {
			return true
		}
		time.Sleep(10 * time.Microsecond)
	}
	return false
}

// clockInWord bit-bangs SPI mode 1: the clock idles low, the ADC sets data
// up on the rising edge, and MISO is sampled after the falling edge.
func (d *Device) clockInWord(bits int) (uint32, error) {
	d.cs.SetValue(0)
	defer d.cs.SetValue(1)

	var word uint32
	for i := 0; i < bits; i++ {
		if err := d.sclk.SetValue(1); err != nil {
			return 0, err
		}
		time.Sleep(d.halfPeriod)
		if err := d.sclk.SetValue(0); err != nil {
			return 0, err
		}
		v, err := d.miso.Value()
		if err != nil {
			return 0, err
		}
		word = word<<1 | uint32(v)
		time.Sleep(d.halfPeriod)
	}
	return word, nil
}

func signExtend24(v uint32) int32 {
	if v&0x800000 != 0 {
		return int32(v | 0xFF000000)
	}
	return int32(v)
}

var _ sampler.ADC = (*Device)(nil)
