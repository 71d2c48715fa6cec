package activation

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"arcal-receiver/internal/config"
)

// ModemLines is the part of a serial port the relay needs
type ModemLines interface {
	SetRTS(rts bool) error
	SetDTR(dtr bool) error
	Close() error
}

// RelaySink asserts a modem control line for a fixed pulse on each activation.
// Pulses run on a worker goroutine; an activation arriving while a pulse is in
// progress or already queued is dropped.
type RelaySink struct {
	port    ModemLines
	set     func(bool) error
	line    string
	pulse   time.Duration
	logger  *slog.Logger
	trigger chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	pulses  atomic.Uint64
	dropped atomic.Uint64
}

// WithRelayLogger sets the logger for the relay
func WithRelayLogger(logger *slog.Logger) func(r *RelaySink) {
	return func(r *RelaySink) {
		r.logger = logger.With(slog.String("component", "relay"))
	}
}

// OpenRelay opens the serial port named in cfg and starts the relay worker
func OpenRelay(cfg config.RelayConfig, options ...func(*RelaySink)) (*RelaySink, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay port %s: %w", cfg.Port, err)
	}

	r, err := NewRelaySink(port, cfg.Line, cfg.Pulse, options...)
	if err != nil {
		port.Close()
		return nil, err
	}
	return r, nil
}

// NewRelaySink drives line ("rts" or "dtr") of port. The line is released first.
func NewRelaySink(port ModemLines, line string, pulse time.Duration, options ...func(*RelaySink)) (*RelaySink, error) {
	if pulse <= 0 {
		return nil, fmt.Errorf("relay pulse must be positive: %s", pulse)
	}

	r := &RelaySink{
		port:    port,
		line:    line,
		pulse:   pulse,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(r)
	}

	switch line {
	case "rts":
		r.set = port.SetRTS
	case "dtr":
		r.set = port.SetDTR
	default:
		return nil, fmt.Errorf("invalid relay line: %s (must be 'rts' or 'dtr')", line)
	}

	if err := r.set(false); err != nil {
		return nil, fmt.Errorf("failed to release %s: %w", line, err)
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Activate queues one pulse without blocking
func (r *RelaySink) Activate() {
	select {
	case r.trigger <- struct{}{}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay busy, activation dropped")
	}
}

func (r *RelaySink) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case <-r.trigger:
			select {
			case <-r.done:
				return
			default:
			}
			r.fire()
		}
	}
}

func (r *RelaySink) fire() {
	if err := r.set(true); err != nil {
		r.logger.Error("failed to assert relay line", slog.String("line", r.line), slog.Any("error", err))
		return
	}
	r.pulses.Add(1)
	r.logger.Info("relay on", slog.String("line", r.line), slog.Duration("pulse", r.pulse))

	timer := time.NewTimer(r.pulse)
	select {
	case <-timer.C:
	case <-r.done:
		timer.Stop()
	}

	if err := r.set(false); err != nil {
		r.logger.Error("failed to release relay line", slog.String("line", r.line), slog.Any("error", err))
		return
	}
	r.logger.Info("relay off", slog.String("line", r.line))
}

// Pulses returns the number of pulses started
func (r *RelaySink) Pulses() uint64 {
	return r.pulses.Load()
}

// Dropped returns the number of activations dropped while busy
func (r *RelaySink) Dropped() uint64 {
	return r.dropped.Load()
}

// Close ends any pulse in progress, releases the line and closes the port
func (r *RelaySink) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	return r.port.Close()
}
