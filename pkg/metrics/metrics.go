// Prometheus-style metrics primitives
//
// Counters, gauges and histograms with label sets, rendered in the
// Prometheus text exposition format. Series within a metric are sorted
// by label key so the output is stable between scrapes.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Labels identifies one series of a metric.
type Labels map[string]string

// labelKey is the canonical map key for a label set: sorted k=v pairs.
func labelKey(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

// formatLabels renders a label set as {k="v",...}, empty for no labels.
func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		// %q escapes backslash, quote and newline the way the
		// exposition format wants.
		fmt.Fprintf(&sb, "%s=%q", k, labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

// Metric is anything a Registry can expose.
type Metric interface {
	Name() string
	Write(w io.Writer)
}

// desc carries the identity shared by all metric kinds.
type desc struct {
	name string
	help string
	kind string
}

// Name returns the metric name.
func (d desc) Name() string { return d.name }

// Help returns the metric help text.
func (d desc) Help() string { return d.help }

func (d desc) header(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind)
}

// sortedKeys returns the series keys of a metric in stable order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Counter is a monotonically increasing metric.
type Counter struct {
	desc
	mu     sync.Mutex
	series map[string]*counterSeries
}

type counterSeries struct {
	labels Labels
	n      uint64
}

// NewCounter creates a counter.
func NewCounter(name, help string) *Counter {
	return &Counter{
		desc:   desc{name: name, help: help, kind: "counter"},
		series: make(map[string]*counterSeries),
	}
}

// Inc adds 1 to the series for labels. Nil labels is the unlabeled
// series.
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add adds delta to the series for labels.
func (c *Counter) Add(labels Labels, delta uint64) {
	key := labelKey(labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[key]
	if !ok {
		s = &counterSeries{labels: labels}
		c.series[key] = s
	}
	s.n += delta
}

// Get returns the current value of the series for labels.
func (c *Counter) Get(labels Labels) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[labelKey(labels)]
	if !ok {
		return 0
	}
	return s.n
}

// Write renders the counter in exposition format.
func (c *Counter) Write(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header(w)
	for _, key := range sortedKeys(c.series) {
		s := c.series[key]
		fmt.Fprintf(w, "%s%s %d\n", c.name, formatLabels(s.labels), s.n)
	}
}

// Gauge is a metric that can move in both directions.
type Gauge struct {
	desc
	mu     sync.Mutex
	series map[string]*gaugeSeries
}

type gaugeSeries struct {
	labels Labels
	v      float64
}

// NewGauge creates a gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{
		desc:   desc{name: name, help: help, kind: "gauge"},
		series: make(map[string]*gaugeSeries),
	}
}

func (g *Gauge) apply(labels Labels, f func(*gaugeSeries)) {
	key := labelKey(labels)
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[key]
	if !ok {
		s = &gaugeSeries{labels: labels}
		g.series[key] = s
	}
	f(s)
}

// Set sets the series for labels to value.
func (g *Gauge) Set(labels Labels, value float64) {
	g.apply(labels, func(s *gaugeSeries) { s.v = value })
}

// Add adds delta to the series for labels.
func (g *Gauge) Add(labels Labels, delta float64) {
	g.apply(labels, func(s *gaugeSeries) { s.v += delta })
}

// Inc adds 1.
func (g *Gauge) Inc(labels Labels) { g.Add(labels, 1) }

// Dec subtracts 1.
func (g *Gauge) Dec(labels Labels) { g.Add(labels, -1) }

// Get returns the current value of the series for labels.
func (g *Gauge) Get(labels Labels) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[labelKey(labels)]
	if !ok {
		return 0
	}
	return s.v
}

// Write renders the gauge in exposition format.
func (g *Gauge) Write(w io.Writer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.header(w)
	for _, key := range sortedKeys(g.series) {
		s := g.series[key]
		fmt.Fprintf(w, "%s%s %s\n", g.name, formatLabels(s.labels), formatFloat(s.v))
	}
}

// Histogram tracks a distribution of observations in cumulative
// buckets.
type Histogram struct {
	desc
	buckets []float64
	mu      sync.Mutex
	series  map[string]*histogramSeries
}

type histogramSeries struct {
	labels Labels
	counts []uint64
	sum    float64
	total  uint64
}

// NewHistogram creates a histogram with the given upper bounds. Bounds
// are sorted; the +Inf bucket is implicit.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	bounds := make([]float64, len(buckets))
	copy(bounds, buckets)
	sort.Float64s(bounds)
	return &Histogram{
		desc:    desc{name: name, help: help, kind: "histogram"},
		buckets: bounds,
		series:  make(map[string]*histogramSeries),
	}
}

// DefaultBuckets are latency bounds in seconds from 5ms to 10s.
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// ExponentialBuckets returns count bounds starting at start, each
// factor times the previous.
func ExponentialBuckets(start, factor float64, count int) []float64 {
	bounds := make([]float64, count)
	for i := range bounds {
		bounds[i] = start
		start *= factor
	}
	return bounds
}

// Observe records one value.
func (h *Histogram) Observe(labels Labels, value float64) {
	key := labelKey(labels)
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.series[key]
	if !ok {
		s = &histogramSeries{labels: labels, counts: make([]uint64, len(h.buckets))}
		h.series[key] = s
	}
	s.total++
	s.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			s.counts[i]++
		}
	}
}

// Count returns the number of observations of the series for labels.
func (h *Histogram) Count(labels Labels) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.series[labelKey(labels)]
	if !ok {
		return 0
	}
	return s.total
}

// Write renders the histogram in exposition format with cumulative
// bucket counts.
func (h *Histogram) Write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.header(w)
	for _, key := range sortedKeys(h.series) {
		s := h.series[key]
		for i, bound := range h.buckets {
			fmt.Fprintf(w, "%s_bucket%s %d\n",
				h.name, bucketLabels(s.labels, formatFloat(bound)), s.counts[i])
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, bucketLabels(s.labels, "+Inf"), s.total)
		fmt.Fprintf(w, "%s_sum%s %s\n", h.name, formatLabels(s.labels), formatFloat(s.sum))
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, formatLabels(s.labels), s.total)
	}
}

func bucketLabels(labels Labels, le string) string {
	merged := make(Labels, len(labels)+1)
	for k, v := range labels {
		merged[k] = v
	}
	merged["le"] = le
	return formatLabels(merged)
}

// Registry is a named set of metrics exposed together. Metrics render
// in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric; duplicate names are an error.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := m.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = m
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric, panicking on a duplicate name.
func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get returns a registered metric by name, or nil.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every registered metric in exposition format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
