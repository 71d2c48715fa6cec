// Package pipeline drives raw IQ buffers through normalization, optional DC
// blocking, spectral averaging, carrier detection and click accounting, and hands
// the results to the activation sink and spectrum renderers.
//
// All processing for one buffer happens synchronously inside OnBuffer on the
// source's delivery goroutine, so none of the stateful stages need locking.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"arcal-receiver/internal/config"
	"arcal-receiver/internal/detector"
	"arcal-receiver/internal/dsp"
)

// State is the device lifecycle as seen by the pipeline
type State int32

const (
	StateUnconfigured State = iota
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats holds running counters. Values are only consistent when read from the
// delivery goroutine or after Run returns.
type Stats struct {
	Buffers     uint64
	Samples     uint64
	Intervals   uint64
	Bursts      uint64 // every present -> absent transition
	Clicks      uint64 // bursts that qualified by duration
	Activations uint64

	Transforms      uint64 // since the last transform length change
	PendingBlocks   int    // power rows waiting for the next interval
	BufferedSamples int    // samples in the current partial block
}

// Pipeline is the sample pipeline orchestrator
type Pipeline struct {
	logger   *slog.Logger
	sink     ActivationSink
	renderer SpectrumRenderer
	observer Observer
	clock    Clock

	streamTime  bool
	streamStart time.Time

	sampleRate    float64
	fftLength     int
	averageLength int
	detector      config.DetectorConfig

	converter *dsp.Converter
	blocker   *dsp.DCBlocker
	averager  *dsp.SpectralAverager
	carrier   *detector.CarrierDetector
	clicks    *detector.ClickAccumulator

	samples     []complex64
	spectrum    []float64
	position    uint64 // samples consumed before the current buffer
	intervalEnd uint64 // sample position at which the last interval ended
	onSample    func(n int, t detector.Transition)

	stats Stats
	state atomic.Int32
}

// WithLogger sets the logger for the pipeline
func WithLogger(logger *slog.Logger) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger.With(slog.String("component", "pipeline"))
	}
}

// WithSink sets the activation sink
func WithSink(sink ActivationSink) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// WithRenderer sets the spectrum renderer; use Renderers for several
func WithRenderer(renderer SpectrumRenderer) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.renderer = renderer
	}
}

// WithObserver sets the metrics observer
func WithObserver(observer Observer) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.observer = observer
	}
}

// WithClock timestamps clicks with clock instead of the wall clock
func WithClock(clock Clock) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.clock = clock
		p.streamTime = false
	}
}

// WithStreamTime timestamps clicks from the consumed sample count, counted from
// start. Replayed recordings then evaluate click windows in stream time.
func WithStreamTime(start time.Time) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.streamTime = true
		p.streamStart = start
	}
}

// New validates the pipeline, detector and click sections of cfg and builds every stage
func New(cfg *config.Config, options ...func(*Pipeline)) (*Pipeline, error) {
	if cfg.RTLSDR.SampleRate == 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive", config.ErrInvalid)
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Detector.Validate(cfg.Pipeline.FFTLength); err != nil {
		return nil, err
	}
	if err := cfg.Clicks.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		sink:          noopSink{},
		renderer:      Renderers(nil),
		observer:      noopObserver{},
		clock:         WallClock{},
		sampleRate:    float64(cfg.RTLSDR.SampleRate),
		fftLength:     cfg.Pipeline.FFTLength,
		averageLength: cfg.Pipeline.AverageLength,
		detector:      cfg.Detector,
		converter:     dsp.NewConverter(cfg.Pipeline.DCEstimate),
	}
	for _, option := range options {
		option(p)
	}
	p.onSample = p.sampleTransition

	if cfg.Pipeline.DCBlock {
		p.blocker = dsp.NewDCBlocker(cfg.Pipeline.DCPole)
	}

	var err error
	if p.averager, err = dsp.NewSpectralAverager(p.fftLength); err != nil {
		return nil, fmt.Errorf("failed to create spectral averager: %w", err)
	}

	p.carrier, err = detector.NewCarrierDetector(detector.CarrierConfig{
		NoiseFloor:     cfg.Detector.NoiseFloor(),
		ThresholdRatio: cfg.Detector.ThresholdRatio(),
		Hold:           cfg.Detector.Hold,
		MinBurst:       cfg.Detector.MinBurst,
		UnitRate:       p.unitRate(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create carrier detector: %w", err)
	}

	if p.clicks, err = detector.NewClickAccumulator(cfg.Clicks.Horizon, cfg.Clicks.Count); err != nil {
		return nil, fmt.Errorf("failed to create click accumulator: %w", err)
	}

	return p, nil
}

// unitRate is the number of detector inputs per second
func (p *Pipeline) unitRate() float64 {
	if p.detector.Mode == config.DetectorModeBins {
		return p.sampleRate / float64(p.fftLength*p.averageLength)
	}
	return p.sampleRate
}

// Run streams src into the pipeline until the source returns. A pipeline runs once.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	if !p.state.CompareAndSwap(int32(StateUnconfigured), int32(StateStreaming)) {
		return fmt.Errorf("pipeline cannot start while %s", p.State())
	}
	defer p.state.Store(int32(StateStopped))

	p.logger.Info("streaming started",
		slog.Int("fft_length", p.fftLength),
		slog.Int("average_length", p.averageLength),
		slog.String("detector", p.detector.Mode),
		slog.Int("hold_units", p.carrier.HoldUnits()),
		slog.Int("min_burst_units", p.carrier.MinBurstUnits()))

	if err := src.Stream(ctx, p); err != nil {
		return fmt.Errorf("sample source failed: %w", err)
	}

	p.logger.Info("streaming stopped",
		slog.Uint64("buffers", p.stats.Buffers),
		slog.Uint64("samples", p.stats.Samples),
		slog.Uint64("clicks", p.stats.Clicks),
		slog.Uint64("activations", p.stats.Activations))
	return nil
}

// OnBuffer processes one raw buffer of interleaved u8 IQ bytes
func (p *Pipeline) OnBuffer(buf []byte) {
	start := time.Now()

	wasFrozen := p.converter.Frozen()
	p.samples = p.converter.Convert(buf, p.samples)
	if !wasFrozen && p.converter.Frozen() {
		p.logger.Info("dc offset estimated",
			slog.Float64("dc", float64(p.converter.DCOffset())),
			slog.Float64("offset", float64(p.converter.Offset())))
	}

	if p.blocker != nil {
		p.blocker.Process(p.samples)
	}

	if p.detector.Mode == config.DetectorModeSamples {
		p.carrier.ProcessSamples(p.samples, p.onSample)
	}

	p.averager.PushSamples(p.samples)
	p.drain()

	p.position += uint64(len(p.samples))
	p.stats.Buffers++
	p.stats.Samples += uint64(len(p.samples))
	p.observer.BufferProcessed(len(p.samples), time.Since(start))
}

// drain emits every complete averaging interval
func (p *Pipeline) drain() {
	blockSamples := uint64(p.fftLength * p.averageLength)
	centre := p.fftLength/2 + p.detector.BinOffset

	for {
		spectrum, ok := p.averager.DrainAverage(p.averageLength, p.spectrum)
		if !ok {
			return
		}
		p.spectrum = spectrum
		p.intervalEnd += blockSamples
		p.stats.Intervals++

		var total float64
		for _, v := range spectrum {
			total += v
		}

		if p.detector.Mode == config.DetectorModeBins {
			t := p.carrier.Process(detector.BandPower(spectrum, centre, p.detector.BinWidth))
			if t.Event != detector.EventNone {
				p.transition(t, p.intervalEnd)
			}
		}

		p.observer.IntervalCompleted()
		p.renderer.PublishSpectrum(spectrum, total)
	}
}

func (p *Pipeline) sampleTransition(n int, t detector.Transition) {
	p.transition(t, p.position+uint64(n)+1)
}

// transition handles a detector event that happened at sample position pos
func (p *Pipeline) transition(t detector.Transition, pos uint64) {
	switch t.Event {
	case detector.EventAcquired:
		p.logger.Info("incoming signal",
			slog.Time("at", p.timestamp(pos)),
			slog.String("power", fmt.Sprintf("%.1f dBFS", powerDB(t.Power))))
		p.observer.SignalAcquired(t.Power)

	case detector.EventLost:
		duration := p.carrier.Duration(t.OnTime)
		p.stats.Bursts++
		p.logger.Info("signal lost",
			slog.Time("at", p.timestamp(pos)),
			slog.String("duration", fmt.Sprintf("%.1f ms", float64(duration)/float64(time.Millisecond))),
			slog.Bool("click", t.Qualified))
		p.observer.SignalLost(duration, t.Qualified)

		if t.Qualified {
			p.click(p.timestamp(pos))
		}
	}
}

func (p *Pipeline) click(ts time.Time) {
	p.stats.Clicks++

	if !p.clicks.RecordClick(ts) {
		p.logger.Debug("click recorded",
			slog.Int("in_window", p.clicks.Len()),
			slog.Int("needed", p.clicks.Threshold()))
		p.observer.ClickRecorded(p.clicks.Len())
		return
	}

	p.stats.Activations++
	p.observer.ClickRecorded(p.clicks.Threshold())
	p.observer.Activated()
	p.logger.Info("click pattern complete",
		slog.Time("at", ts),
		slog.Int("clicks", p.clicks.Threshold()),
		slog.Duration("window", p.clicks.Horizon()))
	p.sink.Activate()
}

func (p *Pipeline) timestamp(pos uint64) time.Time {
	if !p.streamTime {
		return p.clock.Now()
	}
	return p.streamStart.Add(time.Duration(float64(pos) / p.sampleRate * float64(time.Second)))
}

// SetFFTLength changes the transform length between buffers. Partial blocks,
// power backlogs and transform counters are discarded; the detector keeps its
// state but its unit counts follow the new interval rate in bins mode.
func (p *Pipeline) SetFFTLength(length int) error {
	pc := config.PipelineConfig{FFTLength: length, AverageLength: p.averageLength, DCPole: dsp.DefaultPole}
	if err := pc.Validate(); err != nil {
		return err
	}
	if err := p.detector.Validate(length); err != nil {
		return err
	}
	if err := p.averager.SetLength(length); err != nil {
		return fmt.Errorf("failed to change transform length: %w", err)
	}

	p.fftLength = length
	p.intervalEnd = p.position
	p.logger.Info("transform length changed", slog.Int("fft_length", length))
	return p.carrier.SetUnitRate(p.unitRate())
}

// SetAverageLength changes the number of blocks per interval between buffers.
// Pending power rows are kept and count toward the next interval.
func (p *Pipeline) SetAverageLength(length int) error {
	if length < 1 {
		return fmt.Errorf("%w: average length must be at least 1: %d given", config.ErrInvalid, length)
	}

	p.averageLength = length
	p.logger.Info("average length changed", slog.Int("average_length", length))
	return p.carrier.SetUnitRate(p.unitRate())
}

// State returns the lifecycle state; safe from any goroutine
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the counters
func (p *Pipeline) Stats() Stats {
	s := p.stats
	s.Transforms = p.averager.Transforms()
	s.PendingBlocks = p.averager.Pending()
	s.BufferedSamples = p.averager.Buffered()
	return s
}

// FFTLength returns the current transform length
func (p *Pipeline) FFTLength() int {
	return p.fftLength
}

// AverageLength returns the current blocks per interval
func (p *Pipeline) AverageLength() int {
	return p.averageLength
}

// DCOffset returns the measured DC bias, zero until the first buffer
func (p *Pipeline) DCOffset() float32 {
	return p.converter.DCOffset()
}

// SignalPresent reports the last carrier decision
func (p *Pipeline) SignalPresent() bool {
	return p.carrier.Present()
}

// PendingClicks returns the number of clicks inside the current window
func (p *Pipeline) PendingClicks() int {
	return p.clicks.Len()
}

func powerDB(power float64) float64 {
	if power <= 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(power)
}
