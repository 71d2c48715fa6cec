// Package capture records raw interleaved u8 IQ streams to disk and reads them
// back. Files start with an "ARCAL" header describing the tuning, followed by the
// raw bytes exactly as the device delivered them. Headerless .cu8 files written
// by rtl_sdr are also accepted.
package capture

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const (
	magic = "ARCAL"

	// FormatVersion is written to every new capture
	FormatVersion uint16 = 1
)

type Metadata struct {
	FileFormatVersion uint16
	Frequency         uint64 // Hz
	SampleRate        uint32 // Hz
	Gain              float64
	StartTime         time.Time
	DeviceInfo        string
}

// Writer appends raw buffers to a capture file. It implements
// pipeline.BufferHandler so a device can stream straight into it.
type Writer struct {
	file  *os.File
	buf   *bufio.Writer
	bytes uint64
	err   error
}

// Create writes the header of a new capture file
func Create(filename string, metadata Metadata) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	w := &Writer{
		file: file,
		buf:  bufio.NewWriterSize(file, 1<<20),
	}

	metadata.FileFormatVersion = FormatVersion
	if err := writeHeader(w.buf, metadata); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return w, nil
}

func writeHeader(w io.Writer, metadata Metadata) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}

	fields := []any{
		metadata.FileFormatVersion,
		metadata.Frequency,
		metadata.SampleRate,
		int32(math.Round(metadata.Gain * 10)),
		metadata.StartTime.Unix(),
		int32(metadata.StartTime.Nanosecond()),
	}
	for _, field := range fields {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}

	deviceInfoBytes := []byte(metadata.DeviceInfo)
	if len(deviceInfoBytes) > 255 {
		deviceInfoBytes = deviceInfoBytes[:255]
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(len(deviceInfoBytes))); err != nil {
		return err
	}
	_, err := w.Write(deviceInfoBytes)
	return err
}

// Write appends raw IQ bytes
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.buf.Write(p)
	w.bytes += uint64(n)
	if err != nil {
		w.err = fmt.Errorf("failed to write samples: %w", err)
	}
	return n, w.err
}

// OnBuffer appends one device buffer. The first write error sticks and is
// returned by Err and Close.
func (w *Writer) OnBuffer(buf []byte) {
	w.Write(buf)
}

// Err returns the first write error
func (w *Writer) Err() error {
	return w.err
}

// Bytes returns the number of IQ bytes written
func (w *Writer) Bytes() uint64 {
	return w.bytes
}

// Samples returns the number of complex samples written
func (w *Writer) Samples() uint64 {
	return w.bytes / 2
}

// Close flushes and closes the file
func (w *Writer) Close() error {
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	return errors.Join(w.err, flushErr, closeErr)
}

// Reader reads the raw IQ bytes of a capture file after its header
type Reader struct {
	file       *os.File
	buf        *bufio.Reader
	metadata   Metadata
	headerless bool
}

// Open opens a capture file and parses its header when present
func Open(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	r := &Reader{
		file: file,
		buf:  bufio.NewReaderSize(file, 1<<20),
	}

	head, err := r.buf.Peek(len(magic))
	if err != nil && !errors.Is(err, io.EOF) {
		file.Close()
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}

	if !bytes.Equal(head, []byte(magic)) {
		r.headerless = true
		return r, nil
	}

	if r.metadata, err = readHeader(r.buf); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return r, nil
}

func readHeader(r io.Reader) (Metadata, error) {
	var metadata Metadata

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return metadata, err
	}
	if string(head) != magic {
		return metadata, fmt.Errorf("invalid file format")
	}

	if err := binary.Read(r, binary.LittleEndian, &metadata.FileFormatVersion); err != nil {
		return metadata, err
	}
	if metadata.FileFormatVersion != FormatVersion {
		return metadata, fmt.Errorf("unsupported file format version %d", metadata.FileFormatVersion)
	}

	if err := binary.Read(r, binary.LittleEndian, &metadata.Frequency); err != nil {
		return metadata, err
	}
	if err := binary.Read(r, binary.LittleEndian, &metadata.SampleRate); err != nil {
		return metadata, err
	}

	var gain int32
	if err := binary.Read(r, binary.LittleEndian, &gain); err != nil {
		return metadata, err
	}
	metadata.Gain = float64(gain) / 10

	var startUnix int64
	var startNano int32
	if err := binary.Read(r, binary.LittleEndian, &startUnix); err != nil {
		return metadata, err
	}
	if err := binary.Read(r, binary.LittleEndian, &startNano); err != nil {
		return metadata, err
	}
	metadata.StartTime = time.Unix(startUnix, int64(startNano))

	var deviceInfoLen uint8
	if err := binary.Read(r, binary.LittleEndian, &deviceInfoLen); err != nil {
		return metadata, err
	}
	deviceInfoBytes := make([]byte, deviceInfoLen)
	if _, err := io.ReadFull(r, deviceInfoBytes); err != nil {
		return metadata, err
	}
	metadata.DeviceInfo = string(deviceInfoBytes)

	return metadata, nil
}

// Metadata returns the parsed header; zero for headerless files
func (r *Reader) Metadata() Metadata {
	return r.metadata
}

// Headerless reports whether the file is plain rtl_sdr output
func (r *Reader) Headerless() bool {
	return r.headerless
}

// Read reads raw IQ bytes
func (r *Reader) Read(p []byte) (int, error) {
	return r.buf.Read(p)
}

// Close closes the file
func (r *Reader) Close() error {
	return r.file.Close()
}
