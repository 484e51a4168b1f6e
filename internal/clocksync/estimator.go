// Package clocksync estimates each spoke's clock offset from repeated
// four-timestamp exchanges and validates cross-device alignment with flash
// sync events.
package clocksync

import (
	"math"
	"time"

	"spokehub/internal/models"
)

// minDelayFloor keeps the outlier threshold meaningful when the best round
// trip is near zero (loopback, same host).
const minDelayFloor = time.Millisecond

// Sample is one offset/delay measurement.
type Sample struct {
	Offset time.Duration
	Delay  time.Duration
	At     time.Time
}

// Compute derives offset and round-trip delay from an NTP-style exchange.
// t0 and t3 are hub send/receive times, t1 and t2 spoke receive/send times,
// all in nanoseconds on their own clocks.
func Compute(t0, t1, t2, t3 int64) Sample {
	return Sample{
		Offset: time.Duration(((t1 - t0) + (t2 - t3)) / 2),
		Delay:  time.Duration((t3 - t0) - (t2 - t1)),
	}
}

// Estimator keeps a rolling window of samples for one device. It is not safe
// for concurrent use; each device's sampler owns its estimator.
type Estimator struct {
	window  int
	factor  float64
	samples []Sample
}

// NewEstimator returns an estimator over the last window samples that
// discards samples whose delay exceeds factor times the window minimum.
func NewEstimator(window int, factor float64) *Estimator {
	if window < 1 {
		window = 1
	}
	if factor < 1 {
		factor = 1
	}
	return &Estimator{window: window, factor: factor}
}

// Add records a sample, evicting the oldest beyond the window. Samples with
// a negative delay are impossible and ignored.
func (e *Estimator) Add(s Sample) {
	if s.Delay < 0 {
		return
	}
	e.samples = append(e.samples, s)
	if len(e.samples) > e.window {
		e.samples = e.samples[len(e.samples)-e.window:]
	}
}

// Len is the number of samples in the window.
func (e *Estimator) Len() int { return len(e.samples) }

// Reset drops all samples.
func (e *Estimator) Reset() { e.samples = e.samples[:0] }

// Estimate returns the mean offset of the retained samples, their population
// standard deviation, and the minimum delay. ok is false when the window is
// empty.
func (e *Estimator) Estimate() (models.ClockOffset, bool) {
	if len(e.samples) == 0 {
		return models.ClockOffset{}, false
	}

	minDelay := e.samples[0].Delay
	latest := e.samples[0].At
	for _, s := range e.samples[1:] {
		if s.Delay < minDelay {
			minDelay = s.Delay
		}
		if s.At.After(latest) {
			latest = s.At
		}
	}

	threshold := time.Duration(float64(minDelay) * e.factor)
	if threshold < minDelayFloor {
		threshold = minDelayFloor
	}

	var sum float64
	kept := make([]float64, 0, len(e.samples))
	for _, s := range e.samples {
		if s.Delay > threshold {
			continue
		}
		v := float64(s.Offset)
		kept = append(kept, v)
		sum += v
	}

	mean := sum / float64(len(kept))
	var sq float64
	for _, v := range kept {
		sq += (v - mean) * (v - mean)
	}
	spread := math.Sqrt(sq / float64(len(kept)))

	return models.ClockOffset{
		Offset:    time.Duration(math.Round(mean)),
		Spread:    time.Duration(math.Round(spread)),
		Delay:     minDelay,
		Samples:   len(kept),
		UpdatedAt: latest,
	}, true
}
