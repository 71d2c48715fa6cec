// Package receiver wires an RTL-SDR device, the sample pipeline, activation sinks
// and display side channels together from a Config.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"arcal-receiver/internal/activation"
	"arcal-receiver/internal/config"
	"arcal-receiver/internal/monitor"
	"arcal-receiver/internal/pipeline"
	"arcal-receiver/internal/rtlsdr"
	"arcal-receiver/internal/waterfall"
)

// Receiver owns every resource opened for one monitoring session
type Receiver struct {
	config *config.Config
	logger *slog.Logger
	out    io.Writer
	extra  []activation.Sink

	device   *rtlsdr.Device
	sinks    activation.Multi
	registry *prometheus.Registry
	hub      *monitor.SpectrumHub
	server   *monitor.Server
	pipeline *pipeline.Pipeline
}

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) func(r *Receiver) {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithOutput sets where the waterfall is drawn, stdout by default
func WithOutput(w io.Writer) func(r *Receiver) {
	return func(r *Receiver) {
		r.out = w
	}
}

// WithSink adds an activation sink after the configured ones
func WithSink(sink activation.Sink) func(r *Receiver) {
	return func(r *Receiver) {
		r.extra = append(r.extra, sink)
	}
}

func New(cfg *config.Config, options ...func(*Receiver)) *Receiver {
	r := &Receiver{
		config: cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		out:    os.Stdout,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Initialize validates the configuration, opens the device and builds the pipeline.
// Anything opened before a failure stays owned by the receiver and is released by Close.
func (r *Receiver) Initialize() error {
	cfg := r.config
	if err := cfg.Validate(); err != nil {
		return err
	}

	var err error
	r.device, err = rtlsdr.Open(cfg.RTLSDR, rtlsdr.WithLogger(r.logger))
	if err != nil {
		return err
	}
	r.logger.Info("device ready", slog.String("device", r.device.String()))

	if err := r.openSinks(); err != nil {
		return err
	}

	options := []func(*pipeline.Pipeline){
		pipeline.WithLogger(r.logger),
		pipeline.WithSink(r.sinks),
	}

	var renderers pipeline.Renderers
	if cfg.Waterfall.Enabled {
		renderers = append(renderers, waterfall.New(r.out, cfg.Waterfall))
	}

	if cfg.Monitor.Listen != "" {
		r.registry = prometheus.NewRegistry()
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := monitor.NewMetrics(r.registry)
		r.hub = monitor.NewSpectrumHub(metrics, monitor.WithHubLogger(r.logger))
		renderers = append(renderers, r.hub)
		options = append(options, pipeline.WithObserver(metrics))
	}
	options = append(options, pipeline.WithRenderer(renderers))

	r.pipeline, err = pipeline.New(cfg, options...)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	if cfg.Monitor.Listen != "" {
		r.server = monitor.NewServer(cfg.Monitor.Listen, r.registry, r.hub, r.pipeline,
			monitor.WithServerLogger(r.logger))
	}
	return nil
}

func (r *Receiver) openSinks() error {
	cfg := r.config.Activation

	if cfg.Log {
		r.sinks = append(r.sinks, activation.NewLogSink(r.logger))
	}

	if cfg.Relay.Port != "" {
		relay, err := activation.OpenRelay(cfg.Relay, activation.WithRelayLogger(r.logger))
		if err != nil {
			return err
		}
		r.sinks = append(r.sinks, relay)
	}

	if cfg.MQTT.Broker != "" {
		publisher, err := activation.ConnectMQTT(cfg.MQTT, r.config.RTLSDR.Frequency, r.config.Clicks,
			activation.WithMQTTLogger(r.logger))
		if err != nil {
			return err
		}
		r.sinks = append(r.sinks, publisher)
	}

	r.sinks = append(r.sinks, r.extra...)
	return nil
}

// Run streams from the device until ctx is cancelled or the device fails. The
// monitor server, when configured, is stopped once streaming ends.
func (r *Receiver) Run(ctx context.Context) error {
	if r.pipeline == nil {
		return errors.New("receiver is not initialized")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	if r.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.server.Run(ctx); err != nil {
				serverErr <- err
				cancel()
			}
		}()
	}

	err := r.pipeline.Run(ctx, r.device)
	cancel()
	wg.Wait()

	select {
	case e := <-serverErr:
		err = errors.Join(err, e)
	default:
	}
	return err
}

// Pipeline returns the running pipeline, nil before Initialize
func (r *Receiver) Pipeline() *pipeline.Pipeline {
	return r.pipeline
}

// Device returns the opened device, nil before Initialize
func (r *Receiver) Device() *rtlsdr.Device {
	return r.device
}

// Close releases the sinks and the device
func (r *Receiver) Close() error {
	var errs []error

	if err := r.sinks.Close(); err != nil {
		errs = append(errs, fmt.Errorf("activation sink close error: %w", err))
	}

	if r.device != nil {
		if err := r.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("RTL-SDR close error: %w", err))
		}
	}

	return errors.Join(errs...)
}
