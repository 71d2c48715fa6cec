// Package monitor exposes receiver state over HTTP: prometheus metrics, a health
// check and a websocket stream of averaged spectra.
package monitor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"arcal-receiver/internal/pipeline"
)

// Metrics records pipeline events as prometheus metrics
type Metrics struct {
	buffersTotal     prometheus.Counter
	samplesTotal     prometheus.Counter
	bufferSeconds    prometheus.Histogram
	intervalsTotal   prometheus.Counter
	signalPresent    prometheus.Gauge
	signalPowerDBFS  prometheus.Gauge
	burstsTotal      *prometheus.CounterVec
	burstSeconds     prometheus.Histogram
	clicksInWindow   prometheus.Gauge
	activationsTotal prometheus.Counter
	spectrumTotalDB  prometheus.Gauge
}

var _ pipeline.Observer = (*Metrics)(nil)

// NewMetrics creates and registers all metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		buffersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arcal_buffers_total",
			Help: "Raw IQ buffers processed",
		}),
		samplesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arcal_samples_total",
			Help: "Complex samples processed",
		}),
		bufferSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arcal_buffer_processing_seconds",
			Help:    "Time spent processing one buffer",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		intervalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arcal_spectrum_intervals_total",
			Help: "Averaged spectrum intervals emitted",
		}),
		signalPresent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arcal_signal_present",
			Help: "1 while a carrier is detected",
		}),
		signalPowerDBFS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arcal_signal_power_dbfs",
			Help: "Power of the most recently acquired carrier in dBFS",
		}),
		burstsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arcal_bursts_total",
			Help: "Carrier bursts ended, by whether they qualified as clicks",
		}, []string{"qualified"}),
		burstSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arcal_burst_duration_seconds",
			Help:    "Duration of ended carrier bursts",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
		clicksInWindow: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arcal_clicks_in_window",
			Help: "Clicks inside the current activation window",
		}),
		activationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arcal_activations_total",
			Help: "Completed click patterns",
		}),
		spectrumTotalDB: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arcal_spectrum_total_power_db",
			Help: "Total power of the last averaged interval in dB",
		}),
	}
}

func (m *Metrics) BufferProcessed(samples int, elapsed time.Duration) {
	m.buffersTotal.Inc()
	m.samplesTotal.Add(float64(samples))
	m.bufferSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) IntervalCompleted() {
	m.intervalsTotal.Inc()
}

func (m *Metrics) SignalAcquired(power float64) {
	m.signalPresent.Set(1)
	m.signalPowerDBFS.Set(decibels(power))
}

func (m *Metrics) SignalLost(duration time.Duration, qualified bool) {
	m.signalPresent.Set(0)
	m.burstsTotal.WithLabelValues(strconv.FormatBool(qualified)).Inc()
	m.burstSeconds.Observe(duration.Seconds())
}

func (m *Metrics) ClickRecorded(inWindow int) {
	m.clicksInWindow.Set(float64(inWindow))
}

func (m *Metrics) Activated() {
	m.activationsTotal.Inc()
	m.clicksInWindow.Set(0)
}

// SpectrumTotal records the total power of an interval; called by the spectrum hub
func (m *Metrics) SpectrumTotal(total float64) {
	m.spectrumTotalDB.Set(decibels(total))
}
