package monitor

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"arcal-receiver/internal/pipeline"
)

const (
	writeWait   = 5 * time.Second
	clientQueue = 8
	floorDB     = -200.0
)

// SpectrumFrame is the JSON message sent for each averaged interval
type SpectrumFrame struct {
	Time    time.Time `json:"time"`
	BinsDB  []float32 `json:"bins_db"`
	TotalDB float64   `json:"total_db"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// SpectrumHub broadcasts spectra to websocket clients. PublishSpectrum never
// blocks: a client whose queue is full misses the frame.
type SpectrumHub struct {
	upgrader websocket.Upgrader
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	count   atomic.Int32
	dropped atomic.Uint64
}

var _ pipeline.SpectrumRenderer = (*SpectrumHub)(nil)

// WithHubLogger sets the logger for the hub
func WithHubLogger(logger *slog.Logger) func(h *SpectrumHub) {
	return func(h *SpectrumHub) {
		h.logger = logger.With(slog.String("component", "spectrum"))
	}
}

// NewSpectrumHub creates a hub; metrics may be nil
func NewSpectrumHub(metrics *Metrics, options ...func(*SpectrumHub)) *SpectrumHub {
	h := &SpectrumHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		metrics: metrics,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clients: make(map[*client]struct{}),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// PublishSpectrum encodes the interval in dB and queues it for every client
func (h *SpectrumHub) PublishSpectrum(bins []float64, total float64) {
	if h.metrics != nil {
		h.metrics.SpectrumTotal(total)
	}
	if h.count.Load() == 0 {
		return
	}

	frame := SpectrumFrame{
		Time:    time.Now().UTC(),
		BinsDB:  make([]float32, len(bins)),
		TotalDB: decibels(total),
	}
	for n, p := range bins {
		frame.BinsDB[n] = float32(decibels(p))
	}

	message, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to encode spectrum", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected clients
func (h *SpectrumHub) Clients() int {
	return int(h.count.Load())
}

// ServeHTTP upgrades the request and streams frames until the client goes away
func (h *SpectrumHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	h.add(c)
	h.logger.Info("spectrum client connected", slog.String("remote", r.RemoteAddr))

	// Reads only detect the close; clients send nothing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.remove(c)
		conn.Close()
		h.logger.Info("spectrum client disconnected", slog.String("remote", r.RemoteAddr))
	}()

	for {
		select {
		case <-closed:
			return
		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}

func (h *SpectrumHub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.count.Store(int32(len(h.clients)))
}

func (h *SpectrumHub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	h.count.Store(int32(len(h.clients)))
}

func decibels(p float64) float64 {
	if !(p > 0) {
		return floorDB
	}
	return 10 * math.Log10(p)
}
