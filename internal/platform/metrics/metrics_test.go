package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersExported(t *testing.T) {
	m := New()
	m.Promotion("completed")
	m.Promotion("completed")
	m.Rollback("partial")
	m.SourceRequest("list_workflows", 20*time.Millisecond, errors.New("boom"))
	m.LockContended()

	if got := testutil.ToFloat64(m.promotions.WithLabelValues("completed")); got != 2 {
		t.Fatalf("promotions=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.lockContention); got != 1 {
		t.Fatalf("lock contention=%v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"flowgate_promotions_total", "flowgate_rollbacks_total", "flowgate_source_request_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in exposition", name)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Promotion("failed")
	m.DriftCheck("ERROR")
	m.IncidentOpened("high")
	m.Snapshot("manual_backup")
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}
