package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestWritesTotalIncrements(t *testing.T) {
	WritesTotal.Reset()
	WritesTotal.WithLabelValues("add").Inc()
	WritesTotal.WithLabelValues("add").Inc()
	WritesTotal.WithLabelValues("remove").Inc()

	if got := testutil.ToFloat64(WritesTotal.WithLabelValues("add")); got != 2 {
		t.Fatalf("expected 2 adds, got %v", got)
	}
	if got := testutil.ToFloat64(WritesTotal.WithLabelValues("remove")); got != 1 {
		t.Fatalf("expected 1 remove, got %v", got)
	}
}

func TestTimerObservesDuration(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_duration_seconds"})
	timer := NewTimer(hist)
	timer.ObserveDuration()

	m := &dto.Metric{}
	if err := hist.Write(m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("expected exactly one observation, got %d", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	CommitsTotal.WithLabelValues("success").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics output")
	}
}
