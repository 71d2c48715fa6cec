// Package config provides configuration structures and defaults for the ARCAL receiver
package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalid is wrapped by every validation failure so callers can test with errors.Is
var ErrInvalid = errors.New("invalid configuration")

// Detector modes
const (
	DetectorModeSamples = "samples" // per-sample full-band power
	DetectorModeBins    = "bins"    // summed spectral bins per averaging interval
)

// Config represents the complete application configuration
type Config struct {
	RTLSDR     RTLSDRConfig     `mapstructure:"rtlsdr" yaml:"rtlsdr"`         // RTL-SDR device settings
	Pipeline   PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`     // Sample pipeline settings
	Detector   DetectorConfig   `mapstructure:"detector" yaml:"detector"`     // Carrier detection settings
	Clicks     ClicksConfig     `mapstructure:"clicks" yaml:"clicks"`         // Click accumulation settings
	Activation ActivationConfig `mapstructure:"activation" yaml:"activation"` // Activation sinks
	Waterfall  WaterfallConfig  `mapstructure:"waterfall" yaml:"waterfall"`   // Terminal waterfall display
	Monitor    MonitorConfig    `mapstructure:"monitor" yaml:"monitor"`       // Metrics and spectrum HTTP server
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`       // Logging configuration
}

// RTLSDRConfig contains RTL-SDR device configuration parameters
type RTLSDRConfig struct {
	Frequency           float64 `mapstructure:"frequency" yaml:"frequency"`                       // RF frequency in Hz
	SampleRate          uint32  `mapstructure:"sample_rate" yaml:"sample_rate"`                   // Sample rate in Hz
	Gain                float64 `mapstructure:"gain" yaml:"gain"`                                 // RF gain in dB (used when GainMode is "manual")
	GainMode            string  `mapstructure:"gain_mode" yaml:"gain_mode"`                       // Gain mode: "auto" (AGC) or "manual"
	DeviceIndex         int     `mapstructure:"device_index" yaml:"device_index"`                 // RTL-SDR device index (0-based, used if SerialNumber is empty)
	SerialNumber        string  `mapstructure:"serial_number" yaml:"serial_number"`               // RTL-SDR device serial number (preferred over device_index)
	BiasTee             bool    `mapstructure:"bias_tee" yaml:"bias_tee"`                         // Enable bias tee for powering external LNAs
	FrequencyCorrection int     `mapstructure:"frequency_correction" yaml:"frequency_correction"` // Frequency correction in PPM
	BufferSize          int     `mapstructure:"buffer_size" yaml:"buffer_size"`                   // Async transfer buffer size in bytes
}

// PipelineConfig contains the sample conversion and spectral averaging parameters
type PipelineConfig struct {
	FFTLength     int     `mapstructure:"fft_length" yaml:"fft_length"`         // Transform length N
	AverageLength int     `mapstructure:"average_length" yaml:"average_length"` // Blocks per averaging interval
	DCBlock       bool    `mapstructure:"dc_block" yaml:"dc_block"`             // Run the DC blocker on normalized samples
	DCPole        float64 `mapstructure:"dc_pole" yaml:"dc_pole"`               // DC blocker pole r
	DCEstimate    bool    `mapstructure:"dc_estimate" yaml:"dc_estimate"`       // Refine the 127.5 offset from the first buffer
}

// DetectorConfig contains carrier detector parameters
type DetectorConfig struct {
	Mode         string        `mapstructure:"mode" yaml:"mode"`                     // "samples" or "bins"
	ThresholdDB  float64       `mapstructure:"threshold_db" yaml:"threshold_db"`     // Detection threshold above the noise floor
	NoiseFloorDB float64       `mapstructure:"noise_floor_db" yaml:"noise_floor_db"` // Fixed noise floor estimate (dBFS)
	Hold         time.Duration `mapstructure:"hold" yaml:"hold"`                     // Dropout bridging time
	MinBurst     time.Duration `mapstructure:"min_burst" yaml:"min_burst"`           // Minimum on-time for a click
	BinOffset    int           `mapstructure:"bin_offset" yaml:"bin_offset"`         // Target sub-channel, bins from centre (bins mode)
	BinWidth     int           `mapstructure:"bin_width" yaml:"bin_width"`           // Bins summed either side of the target (bins mode)
}

// ClicksConfig contains click accumulator parameters
type ClicksConfig struct {
	Horizon time.Duration `mapstructure:"horizon" yaml:"horizon"` // Sliding window for clicks
	Count   int           `mapstructure:"count" yaml:"count"`     // Clicks within the window that trigger activation
}

// ActivationConfig selects the activation sinks
type ActivationConfig struct {
	Log   bool        `mapstructure:"log" yaml:"log"`     // Log a banner on activation
	Relay RelayConfig `mapstructure:"relay" yaml:"relay"` // Serial relay pulse
	MQTT  MQTTConfig  `mapstructure:"mqtt" yaml:"mqtt"`   // MQTT event publishing
}

// RelayConfig drives a relay wired to a serial port modem control line
type RelayConfig struct {
	Port     string        `mapstructure:"port" yaml:"port"`           // Serial port device path, empty to disable
	BaudRate int           `mapstructure:"baud_rate" yaml:"baud_rate"` // Port speed
	Pulse    time.Duration `mapstructure:"pulse" yaml:"pulse"`         // How long the line stays asserted
	Line     string        `mapstructure:"line" yaml:"line"`           // "rts" or "dtr"
}

// MQTTConfig publishes activation events to a broker
type MQTTConfig struct {
	Broker   string `mapstructure:"broker" yaml:"broker"` // tcp://host:1883, empty to disable
	Topic    string `mapstructure:"topic" yaml:"topic"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"` // generated when empty
}

// WaterfallConfig contains terminal waterfall settings
type WaterfallConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	ReferenceLevel float64       `mapstructure:"reference_level" yaml:"reference_level"` // dB subtracted before mapping
	Scale          float64       `mapstructure:"scale" yaml:"scale"`                     // dB per character step
	TimestampEvery time.Duration `mapstructure:"timestamp_every" yaml:"timestamp_every"`
	ShowMax        bool          `mapstructure:"show_max" yaml:"show_max"`
	ShowTotal      bool          `mapstructure:"show_total" yaml:"show_total"`
	Color          string        `mapstructure:"color" yaml:"color"` // "auto", "always" or "never"
}

// MonitorConfig contains the metrics/spectrum HTTP server settings
type MonitorConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"` // e.g. ":9100", empty to disable
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // Log level (debug, info, warn, error)
	File  string `mapstructure:"file" yaml:"file"`   // Log file path, empty for stderr
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		RTLSDR: RTLSDRConfig{
			Frequency:  146.43e6, // 146.430 MHz
			SampleRate: 240000,   // 240 kSps
			Gain:       0,
			GainMode:   "manual",
			BufferSize: 16 * 16384,
		},
		Pipeline: PipelineConfig{
			FFTLength:     256,
			AverageLength: 64,
			DCBlock:       false,
			DCPole:        0.998,
			DCEstimate:    true,
		},
		Detector: DetectorConfig{
			Mode:         DetectorModeSamples,
			ThresholdDB:  10,
			NoiseFloorDB: -39,
			Hold:         20 * time.Millisecond,
			MinBurst:     50 * time.Millisecond,
			BinOffset:    0,
			BinWidth:     3,
		},
		Clicks: ClicksConfig{
			Horizon: 5 * time.Second,
			Count:   5,
		},
		Activation: ActivationConfig{
			Log: true,
			Relay: RelayConfig{
				BaudRate: 9600,
				Pulse:    time.Second,
				Line:     "rts",
			},
			MQTT: MQTTConfig{
				Topic: "arcal/activation",
			},
		},
		Waterfall: WaterfallConfig{
			Enabled:        true,
			ReferenceLevel: -80,
			Scale:          10,
			TimestampEvery: 5 * time.Second,
			ShowMax:        true,
			ShowTotal:      true,
			Color:          "auto",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DBToRatio converts a decibel value to a linear power ratio
func DBToRatio(db float64) float64 {
	return math.Pow(10, db/10)
}

// ThresholdRatio is the linear detection threshold over the noise floor
func (d *DetectorConfig) ThresholdRatio() float64 {
	return DBToRatio(d.ThresholdDB)
}

// NoiseFloor is the linear noise floor estimate
func (d *DetectorConfig) NoiseFloor() float64 {
	return DBToRatio(d.NoiseFloorDB)
}

// Validate checks every section and fails on the first problem found
func (c *Config) Validate() error {
	if c.RTLSDR.SampleRate == 0 {
		return invalid("rtlsdr.sample_rate must be positive")
	}
	if c.RTLSDR.GainMode != "auto" && c.RTLSDR.GainMode != "manual" {
		return invalid("rtlsdr.gain_mode must be 'auto' or 'manual': %q given", c.RTLSDR.GainMode)
	}
	if c.RTLSDR.BufferSize < 0 || c.RTLSDR.BufferSize%512 != 0 {
		return invalid("rtlsdr.buffer_size must be a multiple of 512: %d given", c.RTLSDR.BufferSize)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Detector.Validate(c.Pipeline.FFTLength); err != nil {
		return err
	}
	if err := c.Clicks.Validate(); err != nil {
		return err
	}

	if c.Activation.Relay.Port != "" {
		if c.Activation.Relay.Line != "rts" && c.Activation.Relay.Line != "dtr" {
			return invalid("activation.relay.line must be 'rts' or 'dtr': %q given", c.Activation.Relay.Line)
		}
		if c.Activation.Relay.Pulse <= 0 {
			return invalid("activation.relay.pulse must be positive")
		}
	}
	if c.Activation.MQTT.Broker != "" && c.Activation.MQTT.Topic == "" {
		return invalid("activation.mqtt.topic is required when a broker is set")
	}

	switch c.Waterfall.Color {
	case "auto", "always", "never":
	default:
		return invalid("waterfall.color must be 'auto', 'always' or 'never': %q given", c.Waterfall.Color)
	}
	if c.Waterfall.Enabled && c.Waterfall.Scale <= 0 {
		return invalid("waterfall.scale must be positive")
	}

	return nil
}

// Validate checks transform and averaging lengths and the DC blocker pole
func (p *PipelineConfig) Validate() error {
	if p.FFTLength < 2 || p.FFTLength%2 != 0 {
		return invalid("pipeline.fft_length must be even and at least 2: %d given", p.FFTLength)
	}
	if p.AverageLength < 1 {
		return invalid("pipeline.average_length must be at least 1: %d given", p.AverageLength)
	}
	if p.DCPole <= 0 || p.DCPole >= 1 {
		return invalid("pipeline.dc_pole must be in (0, 1): %g given", p.DCPole)
	}
	return nil
}

// Validate checks detector thresholds. fftLength bounds the bin range in bins mode.
func (d *DetectorConfig) Validate(fftLength int) error {
	switch d.Mode {
	case DetectorModeSamples:
	case DetectorModeBins:
		if d.BinWidth < 0 {
			return invalid("detector.bin_width must not be negative: %d given", d.BinWidth)
		}
		half := fftLength / 2
		if d.BinOffset-d.BinWidth < -half || d.BinOffset+d.BinWidth >= half {
			return invalid("detector bin range %d±%d falls outside the %d-point transform", d.BinOffset, d.BinWidth, fftLength)
		}
	default:
		return invalid("detector.mode must be %q or %q: %q given", DetectorModeSamples, DetectorModeBins, d.Mode)
	}
	if d.Hold < 0 {
		return invalid("detector.hold must not be negative: %s", d.Hold)
	}
	if d.MinBurst < 0 {
		return invalid("detector.min_burst must not be negative: %s", d.MinBurst)
	}
	if math.IsNaN(d.ThresholdDB) || math.IsInf(d.ThresholdDB, 0) {
		return invalid("detector.threshold_db must be finite")
	}
	if math.IsNaN(d.NoiseFloorDB) || math.IsInf(d.NoiseFloorDB, 0) {
		return invalid("detector.noise_floor_db must be finite")
	}
	return nil
}

// Validate checks the click window
func (c *ClicksConfig) Validate() error {
	if c.Horizon <= 0 {
		return invalid("clicks.horizon must be positive: %s", c.Horizon)
	}
	if c.Count < 1 {
		return invalid("clicks.count must be at least 1: %d given", c.Count)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
