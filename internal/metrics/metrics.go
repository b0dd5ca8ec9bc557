// Package metrics provides a small Prometheus-compatible metrics registry.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels represents metric labels.
type Labels map[string]string

// String renders labels in exposition form with sorted keys.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, escapeLabel(l[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func escapeLabel(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc()        { g.value.Add(1) }
func (g *Gauge) Dec()        { g.value.Add(-1) }
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// CounterVec is a family of counters sharing a name and label keys.
type CounterVec struct {
	name string
	help string
	keys []string

	mu       sync.Mutex
	children map[string]*Counter
}

// With returns the counter for the given label values, in key order.
func (v *CounterVec) With(values ...string) *Counter {
	if len(values) != len(v.keys) {
		panic(fmt.Sprintf("metrics: %s wants %d label values, got %d", v.name, len(v.keys), len(values)))
	}
	id := strings.Join(values, "\xff")

	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.children[id]; ok {
		return c
	}
	labels := make(Labels, len(values))
	for i, k := range v.keys {
		labels[k] = values[i]
	}
	c := &Counter{name: v.name, help: v.help, labels: labels}
	v.children[id] = c
	return c
}

func (v *CounterVec) sorted() []*Counter {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.children))
	for id := range v.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Counter, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.children[id])
	}
	return out
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for duration histograms (in seconds).
var DurationBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Since records the time elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.ObserveDuration(time.Since(start))
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Registry holds registered metrics. Names are prefixed with the namespace.
type Registry struct {
	namespace string

	mu         sync.RWMutex
	counters   map[string]*Counter
	vecs       map[string]*CounterVec
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		counters:   make(map[string]*Counter),
		vecs:       make(map[string]*CounterVec),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// Counter registers (or returns the existing) counter.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := r.fullName(name)
	if c, ok := r.counters[full]; ok {
		return c
	}
	c := &Counter{name: full, help: help}
	r.counters[full] = c
	return c
}

// CounterVec registers (or returns the existing) labeled counter family.
func (r *Registry) CounterVec(name, help string, keys ...string) *CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := r.fullName(name)
	if v, ok := r.vecs[full]; ok {
		return v
	}
	v := &CounterVec{name: full, help: help, keys: keys, children: make(map[string]*Counter)}
	r.vecs[full] = v
	return v
}

// Gauge registers (or returns the existing) gauge.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := r.fullName(name)
	if g, ok := r.gauges[full]; ok {
		return g
	}
	g := &Gauge{name: full, help: help}
	r.gauges[full] = g
	return g
}

// Histogram registers (or returns the existing) histogram. nil buckets
// means DurationBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := r.fullName(name)
	if h, ok := r.histograms[full]; ok {
		return h
	}
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h := &Histogram{name: full, help: help, buckets: sorted, counts: make([]uint64, len(sorted)+1)}
	r.histograms[full] = h
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes all metrics in the Prometheus text format, sorted
// by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", name, c.help, name)
		fmt.Fprintf(&b, "%s%s %d\n", name, c.labels.String(), c.Value())
	}
	for _, name := range sortedKeys(r.vecs) {
		v := r.vecs[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", name, v.help, name)
		for _, c := range v.sorted() {
			fmt.Fprintf(&b, "%s%s %d\n", name, c.labels.String(), c.Value())
		}
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n", name, g.help, name)
		fmt.Fprintf(&b, "%s%s %d\n", name, g.labels.String(), g.Value())
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		h.mu.Lock()
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", name, h.help, name)
		var cumulative uint64
		for i, le := range h.buckets {
			cumulative += h.counts[i]
			fmt.Fprintf(&b, "%s_bucket{le=\"%g\"} %d\n", name, le, cumulative)
		}
		cumulative += h.counts[len(h.buckets)]
		fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", name, cumulative)
		fmt.Fprintf(&b, "%s_sum %g\n%s_count %d\n", name, h.sum, name, h.count)
		h.mu.Unlock()
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// HTTPHandler serves the registry in the Prometheus text format.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}
