package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDeduplicates(t *testing.T) {
	r := NewRegistry("x")
	c1 := r.Counter("hits_total", "hits")
	c2 := r.Counter("hits_total", "hits")
	assert.Same(t, c1, c2)

	v := r.CounterVec("ops_total", "ops", "op")
	assert.Same(t, v.With("a"), v.With("a"))
	assert.NotSame(t, v.With("a"), v.With("b"))
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("solprism")
	r.Counter("b_total", "b").Add(3)
	r.Gauge("slot", "slot").Set(42)
	v := r.CounterVec("instructions_total", "ix", "instruction", "result")
	v.With("commit_reasoning", "ok").Inc()
	v.With("commit_reasoning", "InvalidNonce").Add(2)
	h := r.Histogram("d_seconds", "d", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()

	assert.Contains(t, out, "solprism_b_total 3\n")
	assert.Contains(t, out, "solprism_slot 42\n")
	assert.Contains(t, out, `solprism_instructions_total{instruction="commit_reasoning",result="InvalidNonce"} 2`)
	assert.Contains(t, out, `solprism_instructions_total{instruction="commit_reasoning",result="ok"} 1`)
	assert.Contains(t, out, `solprism_d_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `solprism_d_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, `solprism_d_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "solprism_d_seconds_count 3\n")
	assert.Less(t, strings.Index(out, "solprism_b_total"), strings.Index(out, "solprism_instructions_total"))
}

func TestLabelEscaping(t *testing.T) {
	assert.Equal(t, `{a="x\"y",b="1"}`, Labels{"b": "1", "a": `x"y`}.String())
	assert.Equal(t, "", Labels{}.String())
}

func TestHTTPHandler(t *testing.T) {
	m := NewLedgerMetrics(nil)
	m.Slot.Set(7)
	m.ApplyDuration.ObserveDuration(2 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Registry().HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "solprism_slot 7")
	assert.Equal(t, uint64(1), m.ApplyDuration.Count())
}
