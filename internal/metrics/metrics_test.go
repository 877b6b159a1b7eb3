package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ternarybob/scrutor/internal/cache"
)

func TestObserveFanoutCountsByAction(t *testing.T) {
	m := New(nil)

	m.ObserveFanout("query_result", 1024, 0.01)
	m.ObserveFanout("query_result", 2048, 0.02)
	m.ObserveFanout("sentences", 512, 0.005)

	if got := testutil.ToFloat64(m.fanoutTotal.WithLabelValues("query_result")); got != 2 {
		t.Errorf("query_result fanout count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.fanoutTotal.WithLabelValues("sentences")); got != 1 {
		t.Errorf("sentences fanout count = %v, want 1", got)
	}
}

func TestCountersByOutcome(t *testing.T) {
	m := New(nil)

	m.CountQuery("accepted")
	m.CountQuery("accepted")
	m.CountQuery("replayed")
	m.CountCacheLookup("hit")
	m.CountExport("complete")

	if got := testutil.ToFloat64(m.queries.WithLabelValues("accepted")); got != 2 {
		t.Errorf("accepted queries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.queries.WithLabelValues("replayed")); got != 1 {
		t.Errorf("replayed queries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.exports.WithLabelValues("complete")); got != 1 {
		t.Errorf("completed exports = %v, want 1", got)
	}
}

func TestHandlerServesGauge(t *testing.T) {
	m := New(func() int { return 3 })

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "scrutor_websocket_connections 3") {
		t.Errorf("connection gauge missing from exposition:\n%s", body)
	}
}

func TestSummarizePercentiles(t *testing.T) {
	samples := make([]cache.TimeBytesSample, 0, 100)
	for i := 1; i <= 100; i++ {
		samples = append(samples, cache.TimeBytesSample{
			Bytes:   i * 10,
			Seconds: float64(i) / 1000,
		})
	}

	sum := Summarize(samples)
	if sum.Samples != 100 {
		t.Errorf("samples = %d, want 100", sum.Samples)
	}
	if sum.BytesP50 != 505 {
		t.Errorf("bytes p50 = %v, want 505", sum.BytesP50)
	}
	if sum.BytesP95 != 950 {
		t.Errorf("bytes p95 = %v, want 950", sum.BytesP95)
	}
	if sum.SecondsP99 != 0.099 {
		t.Errorf("seconds p99 = %v, want 0.099", sum.SecondsP99)
	}
}

func TestSummarizeEmptyWindow(t *testing.T) {
	sum := Summarize(nil)
	if sum.Samples != 0 || sum.BytesP50 != 0 || sum.SecondsP99 != 0 {
		t.Errorf("empty window must yield a zero summary: %+v", sum)
	}
}
