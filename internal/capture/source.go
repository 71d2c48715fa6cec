package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"arcal-receiver/internal/pipeline"
)

// FileSource replays a capture as a pipeline.Source, as fast as possible or paced
// to the recorded sample rate
type FileSource struct {
	reader     io.Reader
	bufferSize int
	pace       time.Duration // per buffer, zero for unpaced
	logger     *slog.Logger
}

var _ pipeline.Source = (*FileSource)(nil)

// WithRealtime paces delivery to sampleRate
func WithRealtime(sampleRate uint32) func(s *FileSource) {
	return func(s *FileSource) {
		if sampleRate > 0 {
			s.pace = time.Duration(float64(s.bufferSize/2) / float64(sampleRate) * float64(time.Second))
		}
	}
}

// WithLogger sets the logger for the source
func WithLogger(logger *slog.Logger) func(s *FileSource) {
	return func(s *FileSource) {
		s.logger = logger.With(slog.String("component", "capture"))
	}
}

// NewFileSource delivers r in buffers of bufferSize bytes, rounded down to even
func NewFileSource(r io.Reader, bufferSize int, options ...func(*FileSource)) (*FileSource, error) {
	bufferSize &^= 1
	if bufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be at least 2 bytes")
	}

	s := &FileSource{
		reader:     r,
		bufferSize: bufferSize,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

// Stream delivers the whole file to h, then returns nil. A trailing partial buffer
// is delivered as is.
func (s *FileSource) Stream(ctx context.Context, h pipeline.BufferHandler) error {
	buf := make([]byte, s.bufferSize)

	var ticker *time.Ticker
	if s.pace > 0 {
		ticker = time.NewTicker(s.pace)
		defer ticker.Stop()
	}

	var delivered uint64
	for {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		n, err := io.ReadFull(s.reader, buf)
		if n > 0 {
			h.OnBuffer(buf[:n])
			delivered += uint64(n)
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.logger.Debug("end of capture", slog.Uint64("bytes", delivered))
			return nil
		default:
			return fmt.Errorf("failed to read capture: %w", err)
		}
	}
}
