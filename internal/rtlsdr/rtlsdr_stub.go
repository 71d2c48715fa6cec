//go:build !rtlsdr

// This file is compiled when the "rtlsdr" build tag is NOT specified
package rtlsdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"arcal-receiver/internal/pipeline"
)

// stubOffsetHz places the synthesized carrier 10 kHz above the tuned frequency
const stubOffsetHz = 10000

// Device represents a stub RTL-SDR device that synthesizes a keyed test carrier
type Device struct {
	logger     *slog.Logger
	index      int
	name       string
	frequency  uint32 // Stored frequency setting
	sampleRate uint32 // Stored sample rate setting
	gain       int    // Stored gain setting in tenths of dB
	gainMode   string // Stored gain mode setting
	biasTee    bool   // Stored bias tee setting
	ppm        int
	bufferSize int
	closed     bool
}

var _ pipeline.Source = (*Device)(nil)

var stubDevices = []DeviceInfo{
	{
		Index:        0,
		Name:         "RTL-SDR Stub Device #0",
		Manufacturer: "Stub Corp",
		Product:      "RTL-SDR Stub",
		SerialNumber: "00000001",
	},
	{
		Index:        1,
		Name:         "RTL-SDR Stub Device #1",
		Manufacturer: "Stub Corp",
		Product:      "RTL-SDR Stub",
		SerialNumber: "00000002",
	},
}

func newDevice(index int, options []func(*Device)) *Device {
	d := &Device{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		index:      index,
		name:       stubDevices[index].Name,
		frequency:  146430000,
		sampleRate: 240000,
		gainMode:   "manual",
		bufferSize: DefaultBufferSize,
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// NewDevice creates a stub RTL-SDR device for testing
func NewDevice(deviceIndex int, options ...func(*Device)) (*Device, error) {
	if deviceIndex < 0 || deviceIndex >= len(stubDevices) {
		return nil, fmt.Errorf("device index %d out of range (found %d devices)", deviceIndex, len(stubDevices))
	}
	return newDevice(deviceIndex, options), nil
}

// NewDeviceBySerial creates a stub RTL-SDR device by serial number for testing
func NewDeviceBySerial(serialNumber string, options ...func(*Device)) (*Device, error) {
	for _, info := range stubDevices {
		if info.SerialNumber == serialNumber {
			return newDevice(info.Index, options), nil
		}
	}
	return nil, fmt.Errorf("no RTL-SDR device found with serial number: %s", serialNumber)
}

// ListDevices returns stub device information for testing
func ListDevices() ([]DeviceInfo, error) {
	return append([]DeviceInfo(nil), stubDevices...), nil
}

// SetFrequency stub method - stores frequency setting
func (d *Device) SetFrequency(freq uint32) error {
	if freq == 0 {
		return fmt.Errorf("failed to set frequency to %d Hz", freq)
	}
	d.frequency = freq
	return nil
}

// SetFrequencyCorrection stub method - stores the ppm correction
func (d *Device) SetFrequencyCorrection(ppm int) error {
	d.ppm = ppm
	return nil
}

// SetSampleRate stub method - applies the same range checks as the hardware
func (d *Device) SetSampleRate(rate uint32) error {
	valid := nearestSampleRate(rate)
	if valid != rate {
		d.logger.Warn("requested sample rate not supported",
			slog.Uint64("requested", uint64(rate)),
			slog.Uint64("using", uint64(valid)))
	}
	d.sampleRate = valid
	return nil
}

// GetTunerGains stub method - returns typical R820T gains in tenths of dB
func (d *Device) GetTunerGains() ([]int, error) {
	return []int{0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254, 280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496}, nil
}

// SetGain stub method - stores gain setting
func (d *Device) SetGain(gain float64) error {
	d.gain = int(math.Round(gain * 10)) // Store in tenths of dB
	return nil
}

// SetGainMode stub method - stores gain mode setting
func (d *Device) SetGainMode(mode string) error {
	switch mode {
	case "auto", "manual":
		d.gainMode = mode
		return nil
	default:
		return fmt.Errorf("invalid gain mode: %s (must be 'auto' or 'manual')", mode)
	}
}

// SetBiasTee stub method - stores bias tee setting
func (d *Device) SetBiasTee(enable bool) error {
	d.biasTee = enable
	return nil
}

// Stream synthesizes buffers paced to the sample rate until ctx is cancelled
func (d *Device) Stream(ctx context.Context, h pipeline.BufferHandler) error {
	if d.closed {
		return errors.New("device is closed")
	}

	synth := NewSynthesizer(d.sampleRate, stubOffsetHz, DefaultKeying)
	buf := make([]byte, d.bufferSize)
	interval := time.Duration(float64(len(buf)/2) / float64(d.sampleRate) * float64(time.Second))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("streaming synthesized samples",
		slog.Int("buffer_size", d.bufferSize),
		slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			synth.Fill(buf)
			h.OnBuffer(buf)
		}
	}
}

// Close stub method - marks the device closed
func (d *Device) Close() error {
	d.closed = true
	return nil
}
