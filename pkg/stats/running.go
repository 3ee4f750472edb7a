// Package stats tracks the running statistics of a probe repeatability run.
package stats

import (
	"math"
	"sort"
)

// Running accumulates probe readings. The population standard deviation is
// recomputed over every retained sample from the current mean on each Append,
// so results match a two-pass computation at every step.
type Running struct {
	samples []float64
	sum     float64
	mean    float64
	sigma   float64
	min     float64
	max     float64
}

// NewRunning returns an empty accumulator with room for capacity samples.
func NewRunning(capacity int) *Running {
	r := &Running{samples: make([]float64, 0, capacity)}
	r.Reset()
	return r
}

// Reset clears all samples.
func (r *Running) Reset() {
	r.samples = r.samples[:0]
	r.sum = 0
	r.mean = 0
	r.sigma = 0
	r.min = math.Inf(1)
	r.max = math.Inf(-1)
}

// Append adds a reading. Non-finite values are rejected and leave the
// accumulator untouched.
func (r *Running) Append(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	r.samples = append(r.samples, v)
	r.min = math.Min(r.min, v)
	r.max = math.Max(r.max, v)
	r.sum += v
	n := float64(len(r.samples))
	r.mean = r.sum / n

	devSum := 0.0
	for _, x := range r.samples {
		d := x - r.mean
		devSum += d * d
	}
	r.sigma = math.Sqrt(devSum / n)
	return true
}

func (r *Running) Count() int      { return len(r.samples) }
func (r *Running) Sum() float64    { return r.sum }
func (r *Running) Mean() float64   { return r.mean }
func (r *Running) StdDev() float64 { return r.sigma }
func (r *Running) Min() float64    { return r.min }
func (r *Running) Max() float64    { return r.max }
func (r *Running) Range() float64  { return r.max - r.min }

// MaxDelta is the larger excursion of the extremes from the mean.
func (r *Running) MaxDelta() float64 {
	if len(r.samples) == 0 {
		return 0
	}
	return math.Max(r.mean-r.min, r.max-r.mean)
}

// Samples returns a copy of the readings in append order.
func (r *Running) Samples() []float64 {
	out := make([]float64, len(r.samples))
	copy(out, r.samples)
	return out
}

// Median returns the middle reading, averaging the two middle readings
// for an even count. Zero when empty.
func (r *Running) Median() float64 {
	n := len(r.samples)
	if n == 0 {
		return 0
	}
	sorted := r.Samples()
	sort.Float64s(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Summary is a value snapshot of a Running accumulator.
type Summary struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stddev"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Range    float64 `json:"range"`
	MaxDelta float64 `json:"max_delta"`
	Median   float64 `json:"median"`
}

// Snapshot captures the current statistics. Min and Max are zero when empty.
func (r *Running) Snapshot() Summary {
	if len(r.samples) == 0 {
		return Summary{}
	}
	return Summary{
		Count:    len(r.samples),
		Mean:     r.mean,
		StdDev:   r.sigma,
		Min:      r.min,
		Max:      r.max,
		Range:    r.Range(),
		MaxDelta: r.MaxDelta(),
		Median:   r.Median(),
	}
}
