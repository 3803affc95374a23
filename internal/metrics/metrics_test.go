package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordCall(t *testing.T) {
	m := NewMetrics()

	m.RecordCall("set", "", 2*time.Millisecond)
	m.RecordCall("set", "", 4*time.Millisecond)
	m.RecordCall("get", "StorageFault", time.Millisecond)

	snap := m.Snapshot()

	if snap.CallsTotal != 3 {
		t.Errorf("expected 3 calls, got %d", snap.CallsTotal)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("expected 1 error, got %d", snap.ErrorsTotal)
	}
	if snap.AvgLatencyMs < 2.3 || snap.AvgLatencyMs > 2.4 {
		t.Errorf("expected ~2.33ms average latency, got %.3f", snap.AvgLatencyMs)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("set")); got != 2 {
		t.Errorf("expected 2 set calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("get", "StorageFault")); got != 1 {
		t.Errorf("expected 1 get error, got %v", got)
	}
}

func TestMetrics_Groups(t *testing.T) {
	m := NewMetrics()

	m.RecordGroup(10)
	m.RecordGroup(2)
	m.SetQueueDepth(7)

	snap := m.Snapshot()

	if snap.Groups != 2 || snap.GroupedCalls != 12 {
		t.Errorf("expected 2 groups of 12 calls, got %d/%d", snap.Groups, snap.GroupedCalls)
	}
	if snap.QueueDepth != 7 {
		t.Errorf("expected depth 7, got %d", snap.QueueDepth)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.RecordCall("get", "", time.Millisecond)
	m.RecordGroup(1)
	m.SetQueueDepth(1)

	if snap := m.Snapshot(); snap.CallsTotal != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()

	m.RecordCall("set", "", 5*time.Millisecond)
	m.RecordCall("merge", "TypeMismatch", 3*time.Millisecond)
	m.RecordGroup(4)
	m.SetQueueDepth(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()

	// Check that key metrics are present
	checks := []string{
		"asyncstore_uptime_seconds",
		`asyncstore_calls_total{op="set"} 1`,
		`asyncstore_errors_total{code="TypeMismatch",op="merge"} 1`,
		`asyncstore_call_duration_seconds_count{op="set"} 1`,
		"asyncstore_group_size_sum 4",
		"asyncstore_queue_depth 1",
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("expected %q in metrics output", check)
		}
	}
}
