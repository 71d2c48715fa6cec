//go:build !rtlsdr

package rtlsdr

import (
	"context"
	"testing"
	"time"

	"arcal-receiver/internal/config"
)

type countingHandler struct {
	buffers int
	bytes   int
}

func (h *countingHandler) OnBuffer(buf []byte) {
	h.buffers++
	h.bytes += len(buf)
}

func TestOpenAppliesConfig(t *testing.T) {
	cfg := config.DefaultConfig().RTLSDR
	cfg.SerialNumber = "00000002"
	cfg.Gain = 20.7
	cfg.BiasTee = true
	cfg.FrequencyCorrection = 12

	d, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open device: %v", err)
	}
	defer d.Close()

	if d.index != 1 {
		t.Errorf("Expected device selected by serial at index 1, got %d", d.index)
	}
	if d.Frequency() != 146430000 || d.SampleRate() != 240000 {
		t.Errorf("Unexpected tuning %d Hz at %d Hz", d.Frequency(), d.SampleRate())
	}
	if d.Gain() != 20.7 || d.GainMode() != "manual" {
		t.Errorf("Unexpected gain %.1f dB (%s)", d.Gain(), d.GainMode())
	}
	if d.BufferSize() != DefaultBufferSize {
		t.Errorf("Expected default buffer size, got %d", d.BufferSize())
	}
}

func TestOpenFailures(t *testing.T) {
	cfg := config.DefaultConfig().RTLSDR

	cfg.SerialNumber = "missing"
	if _, err := Open(cfg); err == nil {
		t.Error("Expected error for an unknown serial number")
	}

	cfg.SerialNumber = ""
	cfg.DeviceIndex = 5
	if _, err := Open(cfg); err == nil {
		t.Error("Expected error for an out of range index")
	}

	cfg.DeviceIndex = 0
	cfg.GainMode = "turbo"
	if _, err := Open(cfg); err == nil {
		t.Error("Expected error for an invalid gain mode")
	}
}

func TestStubStream(t *testing.T) {
	cfg := config.DefaultConfig().RTLSDR
	cfg.BufferSize = 512

	d, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open device: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	h := &countingHandler{}
	if err := d.Stream(ctx, h); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if h.buffers == 0 || h.bytes != h.buffers*512 {
		t.Errorf("Expected whole 512 byte buffers, got %d buffers and %d bytes", h.buffers, h.bytes)
	}

	d.Close()
	if err := d.Stream(context.Background(), h); err == nil {
		t.Error("Expected error streaming from a closed device")
	}
}

func TestStubGains(t *testing.T) {
	d, err := NewDevice(0)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	gains, err := d.GetTunerGainsFloat()
	if err != nil {
		t.Fatalf("Failed to get gains: %v", err)
	}
	if len(gains) == 0 || gains[0] != 0 || gains[len(gains)-1] != 49.6 {
		t.Errorf("Unexpected gain table %v", gains)
	}

	devices, err := ListDevices()
	if err != nil || len(devices) != 2 {
		t.Fatalf("Expected two stub devices, got %v (%v)", devices, err)
	}
}
