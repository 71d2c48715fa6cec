package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arcal-receiver/internal/pipeline"
)

// StateReporter is the pipeline lifecycle as seen by the health check
type StateReporter interface {
	State() pipeline.State
}

// Server serves /metrics, /healthz and /ws/spectrum
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger
}

// WithServerLogger sets the logger for the server
func WithServerLogger(logger *slog.Logger) func(s *Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "monitor"))
	}
}

// NewServer builds the HTTP routes; state may be nil
func NewServer(addr string, gatherer prometheus.Gatherer, hub *SpectrumHub, state StateReporter, options ...func(*Server)) *Server {
	s := &Server{
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(s)
	}

	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if state != nil && state.State() != pipeline.StateStreaming {
			http.Error(w, state.State().String(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	if hub != nil {
		s.mux.Handle("/ws/spectrum", hub)
	}
	return s
}

// Handler returns the route multiplexer
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("monitor listening", slog.String("addr", listener.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor shutdown failed: %w", err)
	}
	return nil
}
