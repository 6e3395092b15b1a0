// Command adc-timing-core runs the PPS-disciplined ADC timing core against
// real hardware: a bit-banged SPI ADC and PPS input over Linux GPIO
// character devices, and a serial link to the host.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shiwa/adc-timing-core/internal/adcdriver"
	"github.com/shiwa/adc-timing-core/internal/calstore"
	"github.com/shiwa/adc-timing-core/internal/commandsurface"
	"github.com/shiwa/adc-timing-core/internal/config"
	"github.com/shiwa/adc-timing-core/internal/core"
	"github.com/shiwa/adc-timing-core/internal/logger"
	"github.com/shiwa/adc-timing-core/internal/ppsinput"
	"github.com/shiwa/adc-timing-core/internal/tempsource"
	"github.com/shiwa/adc-timing-core/internal/transport"
	"github.com/shiwa/adc-timing-core/internal/vclock"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults applied if omitted)")
	quiet := flag.Bool("quiet", false, "suppress informational logging")
	flag.Parse()
	logger.Quiet = *quiet

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("loading config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	raw := vclock.NewHostRaw()

	ppsSrc, err := ppsinput.Open(cfg.GPIO.Chip, cfg.GPIO.PPSLine, raw)
	if err != nil {
		logger.Error("opening PPS input: %v", err)
		os.Exit(1)
	}
	defer ppsSrc.Close()

	adc, err := adcdriver.Open(adcdriver.Pins{
		Chip:              cfg.GPIO.Chip,
		SCLK:              cfg.GPIO.SCLK,
		MOSI:              cfg.GPIO.MOSI,
		MISO:              cfg.GPIO.MISO,
		CS:                cfg.GPIO.CS,
		DataReady:         cfg.GPIO.DataReady,
		ChannelSelectBits: cfg.GPIO.ChannelSelect,
	})
	if err != nil {
		logger.Error("opening ADC: %v", err)
		os.Exit(1)
	}
	defer adc.Close()

	serial, err := transport.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud)
	if err != nil {
		logger.Error("opening serial transport: %v", err)
		os.Exit(1)
	}
	defer serial.Close()

	store, err := calstore.OpenFileBackend(cfg.Store.Path)
	if err != nil {
		logger.Error("opening calibration store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	bootID := uint32(time.Now().Unix())
	c := core.New(raw, ppsSrc, adc, serial, store, tempsource.NewStub(), bootID, core.Config{
		RateHz:    cfg.Stream.RateHz,
		Channels:  cfg.Stream.Channels,
		Dithering: cfg.Stream.Dithering,
	})

	if err := serial.WriteLine(commandsurface.ReadyLine(bootID)); err != nil {
		logger.Error("writing READY: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info("running")
	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			return
		default:
			c.Tick()
		}
	}
}
