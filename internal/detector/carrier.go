// Package detector turns power measurements into carrier presence decisions and
// accumulates qualifying bursts ("clicks") into activation events.
package detector

import (
	"fmt"
	"math"
	"time"
)

// Event is the kind of presence transition reported for a unit of input
type Event uint8

const (
	EventNone     Event = iota // no change
	EventAcquired              // absent -> present
	EventLost                  // present -> absent
)

func (e Event) String() string {
	switch e {
	case EventAcquired:
		return "acquired"
	case EventLost:
		return "lost"
	default:
		return "none"
	}
}

// Transition describes the decision taken for one unit of input
type Transition struct {
	Event     Event
	Power     float64 // power of the unit that caused the transition
	OnTime    int     // units of detected carrier before the loss (EventLost only)
	Qualified bool    // the lost burst lasted at least the minimum burst time
}

// CarrierConfig holds the detector parameters. UnitRate is the number of input
// units per second: the sample rate for per-sample power, or the averaging
// interval rate for spectral input.
type CarrierConfig struct {
	NoiseFloor     float64       // linear noise floor estimate
	ThresholdRatio float64       // linear ratio over the noise floor
	Hold           time.Duration // dropout bridging time
	MinBurst       time.Duration // minimum on-time of a qualifying burst
	UnitRate       float64       // units per second
}

// CarrierDetector is a two-state {absent, present} machine with a hold counter
// acting as a debounce on present -> absent transitions.
type CarrierDetector struct {
	noiseFloor float64
	ratio      float64
	threshold  float64
	hold       time.Duration
	minBurst   time.Duration

	unitRate  float64
	holdUnits int
	minUnits  int

	present     bool
	holdCounter int
	onTime      int
}

// NewCarrierDetector validates cfg and creates a detector in the absent state
func NewCarrierDetector(cfg CarrierConfig) (*CarrierDetector, error) {
	if !(cfg.NoiseFloor > 0) || math.IsInf(cfg.NoiseFloor, 0) {
		return nil, fmt.Errorf("noise floor must be positive and finite: %g", cfg.NoiseFloor)
	}
	if !(cfg.ThresholdRatio > 0) || math.IsInf(cfg.ThresholdRatio, 0) {
		return nil, fmt.Errorf("threshold ratio must be positive and finite: %g", cfg.ThresholdRatio)
	}
	if cfg.Hold < 0 || cfg.MinBurst < 0 {
		return nil, fmt.Errorf("hold and minimum burst must not be negative: %s, %s", cfg.Hold, cfg.MinBurst)
	}

	d := &CarrierDetector{
		noiseFloor: cfg.NoiseFloor,
		ratio:      cfg.ThresholdRatio,
		threshold:  cfg.NoiseFloor * cfg.ThresholdRatio,
		hold:       cfg.Hold,
		minBurst:   cfg.MinBurst,
	}
	if err := d.SetUnitRate(cfg.UnitRate); err != nil {
		return nil, err
	}
	return d, nil
}

// SetUnitRate recomputes the hold and minimum burst unit counts for a new input rate
func (d *CarrierDetector) SetUnitRate(rate float64) error {
	if !(rate > 0) || math.IsInf(rate, 0) {
		return fmt.Errorf("unit rate must be positive and finite: %g", rate)
	}

	d.unitRate = rate
	d.holdUnits = d.units(d.hold)
	d.minUnits = d.units(d.minBurst)
	if d.holdCounter > d.holdUnits {
		d.holdCounter = d.holdUnits
	}
	return nil
}

func (d *CarrierDetector) units(dur time.Duration) int {
	return int(math.Round(dur.Seconds() * d.unitRate))
}

// Process runs the state machine for one unit of input power
func (d *CarrierDetector) Process(power float64) Transition {
	detected := power >= d.threshold

	if !detected {
		if d.holdCounter > 0 {
			d.holdCounter--
			detected = true
		}
	} else {
		d.onTime++
		d.holdCounter = d.holdUnits
	}

	t := Transition{Power: power}
	switch {
	case detected && !d.present:
		t.Event = EventAcquired
	case !detected && d.present:
		t.Event = EventLost
		t.OnTime = d.onTime
		t.Qualified = d.onTime >= d.minUnits
	}

	if !detected {
		d.onTime = 0
	}
	d.present = detected

	return t
}

// ProcessSamples runs Process on the instantaneous power i²+q² of every sample
// and calls fn with the sample index for each transition other than EventNone
func (d *CarrierDetector) ProcessSamples(samples []complex64, fn func(n int, t Transition)) {
	for n, s := range samples {
		i, q := float64(real(s)), float64(imag(s))
		if t := d.Process(i*i + q*q); t.Event != EventNone && fn != nil {
			fn(n, t)
		}
	}
}

// BandPower sums spectrum bins centre-width..centre+width, clipped to the spectrum
func BandPower(spectrum []float64, centre, width int) float64 {
	lo := max(centre-width, 0)
	hi := min(centre+width, len(spectrum)-1)

	var sum float64
	for k := lo; k <= hi; k++ {
		sum += spectrum[k]
	}
	return sum
}

// Duration converts a unit count to wall-clock time at the current unit rate
func (d *CarrierDetector) Duration(units int) time.Duration {
	return time.Duration(float64(units) / d.unitRate * float64(time.Second))
}

// Present returns the last decision
func (d *CarrierDetector) Present() bool {
	return d.present
}

// OnTime returns the detected units since the last transition to absent
func (d *CarrierDetector) OnTime() int {
	return d.onTime
}

// HoldRemaining returns the units a power dip is still reported as present
func (d *CarrierDetector) HoldRemaining() int {
	return d.holdCounter
}

// HoldUnits returns the hold duration in input units
func (d *CarrierDetector) HoldUnits() int {
	return d.holdUnits
}

// MinBurstUnits returns the minimum qualifying burst length in input units
func (d *CarrierDetector) MinBurstUnits() int {
	return d.minUnits
}

// Threshold returns the linear power level at or above which a unit is detected
func (d *CarrierDetector) Threshold() float64 {
	return d.threshold
}

// Reset returns the detector to the absent state
func (d *CarrierDetector) Reset() {
	d.present = false
	d.holdCounter = 0
	d.onTime = 0
}
