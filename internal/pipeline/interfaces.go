package pipeline

import (
	"context"
	"time"
)

// BufferHandler is the single entry point a Source delivers raw interleaved u8 IQ
// buffers to. Buffers are handed over in arrival order, one at a time, and the
// handler does not retain them after returning.
type BufferHandler interface {
	OnBuffer(buf []byte)
}

// Source supplies raw sample buffers. Stream delivers buffers to h on the calling
// goroutine or on one goroutine of its own, never concurrently, until ctx is
// cancelled or the source is exhausted. No call to h happens after Stream returns.
// Start failures are returned; a cancelled context is not an error.
type Source interface {
	Stream(ctx context.Context, h BufferHandler) error
}

// ActivationSink is told when the click pattern completes. Activate must not block
// the delivery goroutine; actuation happens elsewhere.
type ActivationSink interface {
	Activate()
}

// SpectrumRenderer receives one averaged power vector per interval. bins holds
// linear power ordered from the lowest frequency to the highest with the centre at
// len(bins)/2, and total is their sum. bins is reused after the call returns.
type SpectrumRenderer interface {
	PublishSpectrum(bins []float64, total float64)
}

// Observer receives pipeline events for metrics. All calls happen on the delivery
// goroutine.
type Observer interface {
	BufferProcessed(samples int, elapsed time.Duration)
	IntervalCompleted()
	SignalAcquired(power float64)
	SignalLost(duration time.Duration, qualified bool)
	ClickRecorded(inWindow int)
	Activated()
}

// Clock supplies click timestamps when stream time is not used
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

type noopObserver struct{}

func (noopObserver) BufferProcessed(int, time.Duration) {}
func (noopObserver) IntervalCompleted()                 {}
func (noopObserver) SignalAcquired(float64)             {}
func (noopObserver) SignalLost(time.Duration, bool)     {}
func (noopObserver) ClickRecorded(int)                  {}
func (noopObserver) Activated()                         {}

type noopSink struct{}

func (noopSink) Activate() {}

// SinkFunc adapts a function to ActivationSink
type SinkFunc func()

func (f SinkFunc) Activate() { f() }

// Renderers fans one spectrum out to several renderers in order
type Renderers []SpectrumRenderer

func (r Renderers) PublishSpectrum(bins []float64, total float64) {
	for _, renderer := range r {
		renderer.PublishSpectrum(bins, total)
	}
}
