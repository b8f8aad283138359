// Package metrics is a small Prometheus-compatible registry for the bridge.
// It renders the text exposition format directly.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry aggregates counters, gauges and histograms.
type Registry struct {
	prefix     string
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	gaugeFuncs sync.Map // key -> *gaugeFunc
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

// NewRegistry creates a registry whose uptime metric is named
// <prefix>_uptime_seconds.
func NewRegistry(prefix string) *Registry {
	return &Registry{prefix: prefix, startTime: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// gaugeFunc is a gauge sampled at render time.
type gaugeFunc struct {
	name   string
	help   string
	labels string
	fn     func() int64
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func key(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns or creates a counter. labels is the raw label list,
// e.g. `account="A"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	k := key(name, labels)
	if v, ok := r.counters.Load(k); ok {
		return v.(*Counter)
	}
	actual, _ := r.counters.LoadOrStore(k, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates a gauge.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	k := key(name, labels)
	if v, ok := r.gauges.Load(k); ok {
		return v.(*Gauge)
	}
	actual, _ := r.gauges.LoadOrStore(k, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// GaugeFunc registers a gauge whose value is read from fn on every scrape.
// A second registration under the same name and labels replaces the first.
func (r *Registry) GaugeFunc(name, help, labels string, fn func() int64) {
	r.gaugeFuncs.Store(key(name, labels), &gaugeFunc{name: name, help: help, labels: labels, fn: fn})
}

// Histogram returns or creates a histogram.
func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	k := key(name, labels)
	if v, ok := r.histograms.Load(k); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := r.histograms.LoadOrStore(k, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// Handler renders all metrics in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

type sample struct {
	name, help, kind, labels string
	value                    string
}

// WriteTo writes every metric, sorted by name and labels.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	name := r.prefix + "_uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", name)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", name)
	fmt.Fprintf(&sb, "%s %d\n", name, int64(r.Uptime().Seconds()))

	var samples []sample
	r.counters.Range(func(_, v any) bool {
		c := v.(*Counter)
		samples = append(samples, sample{c.name, c.help, "counter", c.labels, fmt.Sprint(c.Value())})
		return true
	})
	r.gauges.Range(func(_, v any) bool {
		g := v.(*Gauge)
		samples = append(samples, sample{g.name, g.help, "gauge", g.labels, fmt.Sprint(g.Value())})
		return true
	})
	r.gaugeFuncs.Range(func(_, v any) bool {
		g := v.(*gaugeFunc)
		samples = append(samples, sample{g.name, g.help, "gauge", g.labels, fmt.Sprint(g.fn())})
		return true
	})
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].name != samples[j].name {
			return samples[i].name < samples[j].name
		}
		return samples[i].labels < samples[j].labels
	})

	last := ""
	for _, s := range samples {
		if s.name != last {
			fmt.Fprintf(&sb, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(&sb, "# TYPE %s %s\n", s.name, s.kind)
			last = s.name
		}
		if s.labels != "" {
			fmt.Fprintf(&sb, "%s{%s} %s\n", s.name, s.labels, s.value)
		} else {
			fmt.Fprintf(&sb, "%s %s\n", s.name, s.value)
		}
	}

	var hists []*Histogram
	r.histograms.Range(func(_, v any) bool {
		hists = append(hists, v.(*Histogram))
		return true
	})
	sort.Slice(hists, func(i, j int) bool {
		return key(hists[i].name, hists[i].labels) < key(hists[j].name, hists[j].labels)
	})
	last = ""
	for _, h := range hists {
		if h.name != last {
			fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
			fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
			last = h.name
		}
		writeHistogram(&sb, h)
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func writeHistogram(sb *strings.Builder, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := h.name + "_bucket{"
	if h.labels != "" {
		prefix += h.labels + ","
	}
	for _, b := range h.buckets {
		le := fmt.Sprintf("%g", b.le)
		if math.IsInf(b.le, 1) {
			le = "+Inf"
		}
		fmt.Fprintf(sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
	}
	if len(h.buckets) == 0 || !math.IsInf(h.buckets[len(h.buckets)-1].le, 1) {
		fmt.Fprintf(sb, "%sle=\"+Inf\"} %d\n", prefix, h.count)
	}
	if h.labels != "" {
		fmt.Fprintf(sb, "%s_count{%s} %d\n", h.name, h.labels, h.count)
		fmt.Fprintf(sb, "%s_sum{%s} %g\n", h.name, h.labels, h.sum)
	} else {
		fmt.Fprintf(sb, "%s_count %d\n", h.name, h.count)
		fmt.Fprintf(sb, "%s_sum %g\n", h.name, h.sum)
	}
}
