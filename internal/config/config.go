// Package config loads host-side wiring configuration: which serial
// device/baud to use, which GPIO chip/lines the PPS and ADC are wired to,
// the calibration store path, and the startup rate/channel defaults. It
// follows the teacher's config package shape exactly (Default/Load/YAML).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the host-side configuration for adc-timing-core.
type Config struct {
	Serial SerialConfig `yaml:"serial"`
	GPIO   GPIOConfig   `yaml:"gpio"`
	Store  StoreConfig  `yaml:"store"`
	Stream StreamDefaults `yaml:"stream"`
}

// SerialConfig is the host-attached serial link (spec §6).
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// GPIOConfig names the chip and line offsets the PPS input and bit-banged
// SPI ADC are wired to.
type GPIOConfig struct {
	Chip          string `yaml:"chip"`
	PPSLine       int    `yaml:"pps_line"`
	SCLK          int    `yaml:"sclk"`
	MOSI          int    `yaml:"mosi"`
	MISO          int    `yaml:"miso"`
	CS            int    `yaml:"cs"`
	DataReady     int    `yaml:"data_ready"`
	ChannelSelect []int  `yaml:"channel_select"`
}

// StoreConfig is the persistent calibration store (spec §6).
type StoreConfig struct {
	Path string `yaml:"path"`
}

// StreamDefaults are the startup values for parameters spec §6 exposes via
// SET_* commands.
type StreamDefaults struct {
	RateHz    float64 `yaml:"rate_hz"`
	Channels  int     `yaml:"channels"`
	Dithering int     `yaml:"dithering"`
}

// Default returns the out-of-the-box configuration.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{Device: "/dev/ttyAMA0", Baud: 921_600},
		GPIO: GPIOConfig{
			Chip:          "gpiochip0",
			PPSLine:       18,
			SCLK:          23,
			MOSI:          24,
			MISO:          25,
			CS:            8,
			DataReady:     17,
			ChannelSelect: []int{27, 22},
		},
		Store:  StoreConfig{Path: "calibration.bin"},
		Stream: StreamDefaults{RateHz: 100, Channels: 1, Dithering: 0},
	}
}

// Load reads a YAML config from path, filling in defaults for anything
// unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(c)
	return c, nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Serial.Device == "" {
		c.Serial.Device = d.Serial.Device
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = d.Serial.Baud
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = d.GPIO.Chip
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Stream.RateHz == 0 {
		c.Stream.RateHz = d.Stream.RateHz
	}
	if c.Stream.Channels == 0 {
		c.Stream.Channels = d.Stream.Channels
	}
}
