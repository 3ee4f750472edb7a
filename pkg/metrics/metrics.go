// Prometheus-style metrics for the calibration host
//
// Counters, gauges and histograms keyed by label set, rendered in the
// Prometheus text exposition format. Series are written sorted by label
// key so scrapes are stable.
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

// Key generates a unique key for a label set
func (l Labels) Key() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String returns labels in Prometheus format
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=\"%s\"", k, escapeLabel(l[k]))
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clone returns a copy of l that the caller may keep.
func (l Labels) clone() Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	return out
}

// with returns a copy of l with one extra label.
func (l Labels) with(key, value string) Labels {
	out := l.clone()
	out[key] = value
	return out
}

// escapeLabel escapes special characters in label values
func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

// formatFloat formats a float64 for Prometheus output
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// family is the part shared by all metric types: metadata and a set of
// series keyed by label set.
type family[V any] struct {
	name   string
	help   string
	mu     sync.Mutex
	series map[string]*series[V]
}

type series[V any] struct {
	labels Labels
	value  V
}

func (f *family[V]) init(name, help string) {
	f.name, f.help = name, help
	f.series = make(map[string]*series[V])
}

func (f *family[V]) Name() string { return f.name }
func (f *family[V]) Help() string { return f.help }

// update runs fn on the series for labels under the family lock.
func (f *family[V]) update(labels Labels, fn func(v *V)) {
	key := labels.Key()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[key]
	if !ok {
		s = &series[V]{labels: labels.clone()}
		f.series[key] = s
	}
	fn(&s.value)
}

// view runs fn on an existing series under the family lock.
func (f *family[V]) view(labels Labels, fn func(v V)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[labels.Key()]; ok {
		fn(s.value)
	}
}

// each writes the family header and visits series sorted by label key,
// holding the family lock.
func (f *family[V]) each(typ MetricType, sb *strings.Builder, fn func(labels Labels, v V)) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, typ)
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := f.series[k]
		fn(s.labels, s.value)
	}
}

// Counter is a monotonically increasing metric
type Counter struct {
	family[uint64]
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	c := &Counter{}
	c.init(name, help)
	return c
}

func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add increments the counter by the given value
func (c *Counter) Add(labels Labels, delta uint64) {
	c.update(labels, func(v *uint64) { *v += delta })
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) (n uint64) {
	c.view(labels, func(v uint64) { n = v })
	return n
}

func (c *Counter) Write(sb *strings.Builder) {
	c.each(TypeCounter, sb, func(labels Labels, v uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, labels, v)
	})
}

// Gauge is a metric that can go up and down
type Gauge struct {
	family[float64]
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	g := &Gauge{}
	g.init(name, help)
	return g
}

func (g *Gauge) Type() MetricType { return TypeGauge }

// Set sets the gauge to the given value
func (g *Gauge) Set(labels Labels, value float64) {
	g.update(labels, func(v *float64) { *v = value })
}

// Add adds the given value to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	g.update(labels, func(v *float64) { *v += delta })
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) (f float64) {
	g.view(labels, func(v float64) { f = v })
	return f
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.each(TypeGauge, sb, func(labels Labels, v float64) {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, labels, formatFloat(v))
	})
}

// Histogram tracks the distribution of observations
type Histogram struct {
	family[histogramValue]
	buckets []float64
}

type histogramValue struct {
	count   uint64
	sum     float64
	buckets []uint64 // per-bucket, not cumulative
}

// NewHistogram creates a new histogram metric with the given upper bounds
func NewHistogram(name, help string, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h := &Histogram{buckets: sorted}
	h.init(name, help)
	return h
}

// DefaultBuckets returns default histogram buckets for latency metrics
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// ExponentialBuckets creates count buckets starting at start with factor multiplier
func ExponentialBuckets(start, factor float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records a value in the histogram
func (h *Histogram) Observe(labels Labels, value float64) {
	h.update(labels, func(v *histogramValue) {
		if v.buckets == nil {
			v.buckets = make([]uint64, len(h.buckets))
		}
		v.count++
		v.sum += value
		for i, bound := range h.buckets {
			if value <= bound {
				v.buckets[i]++
				break
			}
		}
	})
}

// HistogramSnapshot contains a point-in-time snapshot of histogram values
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64 // cumulative
}

// GetSnapshot returns a snapshot of histogram values for the given labels
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.buckets))}
	h.view(labels, func(v histogramValue) {
		snap.Count, snap.Sum = v.count, v.sum
		var cumulative uint64
		for i, bound := range h.buckets {
			cumulative += v.buckets[i]
			snap.Buckets[bound] = cumulative
		}
	})
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.each(TypeHistogram, sb, func(labels Labels, v histogramValue) {
		var cumulative uint64
		for i, bound := range h.buckets {
			cumulative += v.buckets[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, labels.with("le", formatFloat(bound)), cumulative)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, labels.with("le", "+Inf"), v.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, labels, formatFloat(v.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, labels, v.count)
	})
}

// Registry holds all registered metrics
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string // Preserve registration order
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather collects all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
