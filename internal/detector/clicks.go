package detector

import (
	"fmt"
	"slices"
	"time"
)

// ClickAccumulator keeps a time-ordered set of click timestamps within a sliding
// horizon and reports an activation once the set reaches the threshold size.
//
// Age is measured from the most recently recorded timestamp, never from the wall
// clock, so synthetic clocks drive it deterministically.
type ClickAccumulator struct {
	horizon   time.Duration
	threshold int
	clicks    []time.Time
}

// NewClickAccumulator creates an accumulator firing at threshold clicks within horizon
func NewClickAccumulator(horizon time.Duration, threshold int) (*ClickAccumulator, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("click horizon must be positive: %s", horizon)
	}
	if threshold < 1 {
		return nil, fmt.Errorf("activation threshold must be at least 1: %d", threshold)
	}

	return &ClickAccumulator{
		horizon:   horizon,
		threshold: threshold,
		clicks:    make([]time.Time, 0, threshold),
	}, nil
}

// RecordClick inserts ts, purges clicks older than the horizon relative to ts and
// returns true when the remaining count reaches the threshold. The set is cleared
// before returning true, so one batch of clicks activates exactly once.
func (a *ClickAccumulator) RecordClick(ts time.Time) bool {
	pos, found := slices.BinarySearchFunc(a.clicks, ts, func(e, t time.Time) int {
		return e.Compare(t)
	})
	if !found {
		a.clicks = slices.Insert(a.clicks, pos, ts)
	}

	a.clicks = slices.DeleteFunc(a.clicks, func(e time.Time) bool {
		return ts.Sub(e) > a.horizon
	})

	if len(a.clicks) >= a.threshold {
		a.clicks = a.clicks[:0]
		return true
	}
	return false
}

// Len returns the number of clicks within the window
func (a *ClickAccumulator) Len() int {
	return len(a.clicks)
}

// Clicks returns a copy of the recorded timestamps, oldest first
func (a *ClickAccumulator) Clicks() []time.Time {
	return slices.Clone(a.clicks)
}

// Horizon returns the sliding window length
func (a *ClickAccumulator) Horizon() time.Duration {
	return a.horizon
}

// Threshold returns the click count that triggers activation
func (a *ClickAccumulator) Threshold() int {
	return a.threshold
}

// Reset discards all recorded clicks
func (a *ClickAccumulator) Reset() {
	a.clicks = a.clicks[:0]
}
