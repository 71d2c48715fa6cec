//go:build rtlsdr

// This file is only compiled when the "rtlsdr" build tag is specified
package rtlsdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/jpoirier/gortlsdr"

	"arcal-receiver/internal/pipeline"
)

// Device represents an RTL-SDR device and its configuration
type Device struct {
	dev        *rtlsdr.Context // RTL-SDR device context
	logger     *slog.Logger
	index      int
	name       string
	frequency  uint32 // Current tuned frequency in Hz
	sampleRate uint32 // Current sample rate in Hz
	gain       int    // Current gain in tenths of dB
	gainMode   string
	biasTee    bool
	bufferSize int
}

var _ pipeline.Source = (*Device)(nil)

func newDevice(dev *rtlsdr.Context, index int, options []func(*Device)) *Device {
	d := &Device{
		dev:        dev,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		index:      index,
		name:       rtlsdr.GetDeviceName(index),
		gainMode:   "manual",
		bufferSize: DefaultBufferSize,
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// NewDevice opens the device at the 0-based deviceIndex
func NewDevice(deviceIndex int, options ...func(*Device)) (*Device, error) {
	// Check if any RTL-SDR devices are connected
	count := rtlsdr.GetDeviceCount()
	if count == 0 {
		return nil, fmt.Errorf("no RTL-SDR devices found")
	}

	if deviceIndex < 0 || deviceIndex >= count {
		return nil, fmt.Errorf("device index %d out of range (found %d devices)", deviceIndex, count)
	}

	dev, err := rtlsdr.Open(deviceIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to open RTL-SDR device: %w", err)
	}

	return newDevice(dev, deviceIndex, options), nil
}

// NewDeviceBySerial opens the device whose USB serial string matches serialNumber
func NewDeviceBySerial(serialNumber string, options ...func(*Device)) (*Device, error) {
	count := rtlsdr.GetDeviceCount()
	if count == 0 {
		return nil, fmt.Errorf("no RTL-SDR devices found")
	}

	for i := 0; i < count; i++ {
		_, _, serial, err := rtlsdr.GetDeviceUsbStrings(i)
		if err != nil {
			continue // Skip devices we can't query
		}

		if serial == serialNumber {
			dev, err := rtlsdr.Open(i)
			if err != nil {
				return nil, fmt.Errorf("failed to open RTL-SDR device with serial %s: %w", serialNumber, err)
			}
			return newDevice(dev, i, options), nil
		}
	}

	return nil, fmt.Errorf("no RTL-SDR device found with serial number: %s", serialNumber)
}

// ListDevices returns information about all available RTL-SDR devices
func ListDevices() ([]DeviceInfo, error) {
	count := rtlsdr.GetDeviceCount()
	if count == 0 {
		return nil, fmt.Errorf("no RTL-SDR devices found")
	}

	devices := make([]DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		info := DeviceInfo{
			Index:        i,
			Name:         rtlsdr.GetDeviceName(i),
			Manufacturer: "Unknown",
			Product:      "Unknown",
			SerialNumber: "Unknown",
		}

		if manufacturer, product, serial, err := rtlsdr.GetDeviceUsbStrings(i); err == nil {
			info.Manufacturer = manufacturer
			info.Product = product
			info.SerialNumber = serial
		}
		devices = append(devices, info)
	}

	return devices, nil
}

// SetFrequency sets the center frequency in Hz
func (d *Device) SetFrequency(freq uint32) error {
	if err := d.dev.SetCenterFreq(int(freq)); err != nil {
		return fmt.Errorf("failed to set frequency to %d Hz: %w", freq, err)
	}
	d.frequency = freq
	return nil
}

// SetFrequencyCorrection sets the crystal correction in parts per million
func (d *Device) SetFrequencyCorrection(ppm int) error {
	if err := d.dev.SetFreqCorrection(ppm); err != nil {
		return fmt.Errorf("failed to set frequency correction to %d ppm: %w", ppm, err)
	}
	return nil
}

// SetSampleRate sets the sample rate in Hz, moving unsupported rates to the
// nearest supported one
func (d *Device) SetSampleRate(rate uint32) error {
	valid := nearestSampleRate(rate)
	if valid != rate {
		d.logger.Warn("requested sample rate not supported",
			slog.Uint64("requested", uint64(rate)),
			slog.Uint64("using", uint64(valid)))
	}

	if err := d.dev.SetSampleRate(int(valid)); err != nil {
		return fmt.Errorf("failed to set sample rate to %d Hz: %w", valid, err)
	}
	d.sampleRate = valid
	return nil
}

// GetTunerGains returns the supported tuner gains in tenths of dB
func (d *Device) GetTunerGains() ([]int, error) {
	gains, err := d.dev.GetTunerGains()
	if err != nil {
		return nil, fmt.Errorf("failed to get tuner gains: %w", err)
	}
	return gains, nil
}

// SetGain sets the tuner gain in dB
func (d *Device) SetGain(gain float64) error {
	// Convert gain from dB to tenths of dB (RTL-SDR API requirement)
	gainTenthsDB := int(math.Round(gain * 10))
	if err := d.dev.SetTunerGain(gainTenthsDB); err != nil {
		return fmt.Errorf("failed to set gain to %.1f dB: %w", gain, err)
	}
	d.gain = gainTenthsDB
	return nil
}

// SetGainMode selects tuner AGC ("auto") or manual gain. The RTL2832 digital AGC
// stays off in both modes so detection thresholds see unscaled power.
func (d *Device) SetGainMode(mode string) error {
	var manual bool
	switch mode {
	case "auto":
	case "manual":
		manual = true
	default:
		return fmt.Errorf("invalid gain mode: %s (must be 'auto' or 'manual')", mode)
	}

	if err := d.dev.SetTunerGainMode(manual); err != nil {
		return fmt.Errorf("failed to set gain mode: %w", err)
	}
	if err := d.dev.SetAgcMode(false); err != nil {
		return fmt.Errorf("failed to disable digital AGC: %w", err)
	}
	d.gainMode = mode
	return nil
}

// SetBiasTee powers an external LNA through the antenna input
func (d *Device) SetBiasTee(enable bool) error {
	if err := d.dev.SetBiasTee(enable); err != nil {
		return fmt.Errorf("failed to set bias tee: %w", err)
	}
	d.biasTee = enable
	return nil
}

// Stream delivers async USB transfers to h until ctx is cancelled. The driver
// callback runs on the calling goroutine and ReadAsync only returns after the last
// callback has finished.
func (d *Device) Stream(ctx context.Context, h pipeline.BufferHandler) error {
	// Reset RTL-SDR buffer to ensure clean start
	if err := d.dev.ResetBuffer(); err != nil {
		return fmt.Errorf("failed to reset buffer: %w", err)
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			if err := d.dev.CancelAsync(); err != nil {
				d.logger.Warn("failed to cancel async read", slog.Any("error", err))
			}
		case <-done:
		}
	}()

	d.logger.Info("streaming", slog.Int("buffer_size", d.bufferSize))
	err := d.dev.ReadAsync(func(buf []byte) {
		if ctx.Err() != nil {
			return
		}
		h.OnBuffer(buf)
	}, nil, 0, d.bufferSize)

	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("async read failed: %w", err)
	}
	return errors.New("async read ended without cancellation")
}

// Close properly closes the RTL-SDR device and releases resources
func (d *Device) Close() error {
	if d.dev != nil {
		return d.dev.Close()
	}
	return nil
}
