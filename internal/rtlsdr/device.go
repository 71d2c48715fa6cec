// Package rtlsdr provides the RTL-SDR device collaborator: tuning, gain control and
// asynchronous delivery of raw interleaved u8 IQ buffers to a pipeline.
//
// The hardware driver is only compiled with the "rtlsdr" build tag. Without it a
// stub device synthesizes a keyed test carrier so the receiver runs anywhere.
package rtlsdr

import (
	"fmt"
	"log/slog"

	"arcal-receiver/internal/config"
)

// DefaultBufferSize is the async transfer size in bytes
const DefaultBufferSize = 16 * 16384

// DeviceInfo contains information about an RTL-SDR device
type DeviceInfo struct {
	Index        int    // Device index (0-based)
	Name         string // Device name
	Manufacturer string // USB manufacturer string
	Product      string // USB product string
	SerialNumber string // USB serial number string
}

// WithLogger sets the logger for the device
func WithLogger(logger *slog.Logger) func(d *Device) {
	return func(d *Device) {
		d.logger = logger.With(slog.String("component", "rtlsdr"))
	}
}

// Open selects a device by serial number, or by index when no serial is set, and
// applies every tuning setting in cfg. The device is closed again on failure.
func Open(cfg config.RTLSDRConfig, options ...func(*Device)) (*Device, error) {
	var d *Device
	var err error

	if cfg.SerialNumber != "" {
		d, err = NewDeviceBySerial(cfg.SerialNumber, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RTL-SDR by serial %s: %w", cfg.SerialNumber, err)
		}
	} else {
		d, err = NewDevice(cfg.DeviceIndex, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RTL-SDR by index %d: %w", cfg.DeviceIndex, err)
		}
	}

	if err := d.Configure(cfg); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Configure applies sample rate, frequency, correction, gain and bias tee settings
func (d *Device) Configure(cfg config.RTLSDRConfig) error {
	if err := d.SetSampleRate(cfg.SampleRate); err != nil {
		return fmt.Errorf("failed to set RTL-SDR sample rate: %w", err)
	}

	if err := d.SetFrequency(uint32(cfg.Frequency)); err != nil {
		return fmt.Errorf("failed to set RTL-SDR frequency: %w", err)
	}

	if cfg.FrequencyCorrection != 0 {
		if err := d.SetFrequencyCorrection(cfg.FrequencyCorrection); err != nil {
			return fmt.Errorf("failed to set RTL-SDR frequency correction: %w", err)
		}
	}

	// Set gain mode first
	if err := d.SetGainMode(cfg.GainMode); err != nil {
		return fmt.Errorf("failed to set RTL-SDR gain mode: %w", err)
	}

	if cfg.GainMode == "manual" {
		if err := d.SetGain(cfg.Gain); err != nil {
			return fmt.Errorf("failed to set RTL-SDR gain: %w", err)
		}
	}

	if err := d.SetBiasTee(cfg.BiasTee); err != nil {
		return fmt.Errorf("failed to set RTL-SDR bias tee: %w", err)
	}

	d.bufferSize = cfg.BufferSize
	if d.bufferSize == 0 {
		d.bufferSize = DefaultBufferSize
	}
	return nil
}

// ValidSampleRate reports whether the RTL2832U can resample to rate
func ValidSampleRate(rate uint32) bool {
	return (rate > 225000 && rate <= 300000) || (rate > 900000 && rate <= 3200000)
}

// nearestSampleRate moves an unsupported rate to the closest edge of a supported range
func nearestSampleRate(rate uint32) uint32 {
	switch {
	case ValidSampleRate(rate):
		return rate
	case rate <= 225000:
		return 225001
	case rate <= 900000:
		if rate-300000 <= 900001-rate {
			return 300000
		}
		return 900001
	default:
		return 3200000
	}
}

// GetTunerGainsFloat returns the supported tuner gains in dB
func (d *Device) GetTunerGainsFloat() ([]float64, error) {
	gains, err := d.GetTunerGains()
	if err != nil {
		return nil, err
	}

	gainsFloat := make([]float64, len(gains))
	for i, gain := range gains {
		gainsFloat[i] = float64(gain) / 10.0
	}
	return gainsFloat, nil
}

// Frequency returns the tuned centre frequency in Hz
func (d *Device) Frequency() uint32 {
	return d.frequency
}

// SampleRate returns the sample rate in Hz
func (d *Device) SampleRate() uint32 {
	return d.sampleRate
}

// Gain returns the manual gain in dB
func (d *Device) Gain() float64 {
	return float64(d.gain) / 10.0
}

// GainMode returns "auto" or "manual"
func (d *Device) GainMode() string {
	return d.gainMode
}

// BufferSize returns the async transfer size in bytes
func (d *Device) BufferSize() int {
	return d.bufferSize
}

// String returns a formatted summary of the device settings
func (d *Device) String() string {
	biasStatus := "off"
	if d.biasTee {
		biasStatus = "on"
	}
	return fmt.Sprintf("%s (freq: %d Hz, rate: %d Hz, gain: %.1f dB (%s), bias-tee: %s)",
		d.name, d.frequency, d.sampleRate, d.Gain(), d.gainMode, biasStatus)
}
