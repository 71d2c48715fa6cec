// Package activation implements the actions taken when a complete click pattern
// is received: a log banner, a relay pulse on a serial modem control line and an
// MQTT event. Every sink returns from Activate without waiting on I/O.
package activation

import (
	"errors"
	"io"
	"log/slog"
	"time"
)

// Sink is told when the click pattern completes
type Sink interface {
	Activate()
}

// Event is the payload published for one activation
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Frequency float64   `json:"frequency_hz"`
	Clicks    int       `json:"clicks"`
	Window    string    `json:"window"`
}

// LogSink writes the activation banner to the log
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "activation"))}
}

func (s *LogSink) Activate() {
	s.logger.Error("REMOTE ACTIVATION DETECTED")
}

// Multi fans an activation out to every sink in order
type Multi []Sink

func (m Multi) Activate() {
	for _, sink := range m {
		sink.Activate()
	}
}

// Close closes every sink that holds resources
func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if closer, ok := sink.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
