package capture

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type collector struct {
	sizes []int
	data  []byte
}

func (c *collector) OnBuffer(buf []byte) {
	c.sizes = append(c.sizes, len(buf))
	c.data = append(c.data, buf...)
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

func TestWriterReaderRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "capture.iq")
	start := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)

	w, err := Create(filename, Metadata{
		Frequency:  146430000,
		SampleRate: 240000,
		Gain:       20.7,
		StartTime:  start,
		DeviceInfo: "RTL-SDR Stub Device #0",
	})
	if err != nil {
		t.Fatalf("Failed to create capture: %v", err)
	}

	data := pattern(3000)
	w.OnBuffer(data[:1000])
	w.OnBuffer(data[1000:])
	if w.Bytes() != 3000 || w.Samples() != 1500 {
		t.Errorf("Expected 3000 bytes, got %d", w.Bytes())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close capture: %v", err)
	}

	r, err := Open(filename)
	if err != nil {
		t.Fatalf("Failed to open capture: %v", err)
	}
	defer r.Close()

	if r.Headerless() {
		t.Fatal("Expected a header")
	}

	md := r.Metadata()
	if md.FileFormatVersion != FormatVersion || md.Frequency != 146430000 || md.SampleRate != 240000 {
		t.Errorf("Unexpected metadata %+v", md)
	}
	if md.Gain != 20.7 {
		t.Errorf("Expected gain 20.7 dB, got %g", md.Gain)
	}
	if !md.StartTime.Equal(start) {
		t.Errorf("Expected start %s, got %s", start, md.StartTime)
	}
	if md.DeviceInfo != "RTL-SDR Stub Device #0" {
		t.Errorf("Unexpected device info %q", md.DeviceInfo)
	}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Sample bytes differ after round trip")
	}
}

func TestHeaderlessFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "plain.cu8")
	data := pattern(64)
	if err := os.WriteFile(filename, data, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	r, err := Open(filename)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}
	defer r.Close()

	if !r.Headerless() {
		t.Error("Expected a headerless file")
	}

	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, data) {
		t.Error("Headerless bytes must be returned unchanged")
	}
}

func TestOpenRejectsBadVersion(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "future.iq")

	var buf bytes.Buffer
	if err := writeHeader(&buf, Metadata{FileFormatVersion: 9}); err != nil {
		t.Fatalf("Failed to build header: %v", err)
	}
	if err := os.WriteFile(filename, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if _, err := Open(filename); err == nil {
		t.Error("Expected error for an unsupported version")
	}
}

func TestFileSourceBuffers(t *testing.T) {
	data := pattern(1000)

	src, err := NewFileSource(bytes.NewReader(data), 301)
	if err != nil {
		t.Fatalf("Failed to create source: %v", err)
	}

	c := &collector{}
	if err := src.Stream(context.Background(), c); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	// 301 rounds down to 300: three full buffers and a 100 byte tail
	want := []int{300, 300, 300, 100}
	if len(c.sizes) != len(want) {
		t.Fatalf("Expected buffer sizes %v, got %v", want, c.sizes)
	}
	for n := range want {
		if c.sizes[n] != want[n] {
			t.Fatalf("Expected buffer sizes %v, got %v", want, c.sizes)
		}
	}
	if !bytes.Equal(c.data, data) {
		t.Error("Delivered bytes differ from the file")
	}

	if _, err := NewFileSource(bytes.NewReader(data), 1); err == nil {
		t.Error("Expected error for a buffer smaller than one sample")
	}
}

func TestFileSourceRealtimeCancel(t *testing.T) {
	// 100 samples per buffer at 1 kHz is 100 ms per buffer
	src, err := NewFileSource(bytes.NewReader(pattern(100000)), 200, WithRealtime(1000))
	if err != nil {
		t.Fatalf("Failed to create source: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	c := &collector{}
	if err := src.Stream(ctx, c); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(c.sizes) < 1 || len(c.sizes) > 3 {
		t.Errorf("Expected paced delivery of about 2 buffers, got %d", len(c.sizes))
	}
}
