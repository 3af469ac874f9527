package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncAction("add-key")
	r.IncAction("add-key")
	r.IncReason("OK")
	r.SetGauge("queue_depth", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Actions["add-key"] != 2 {
		t.Fatalf("expected add-key=2 got=%d", snap.Actions["add-key"])
	}
	if snap.Reasons["OK"] != 1 {
		t.Fatalf("expected OK=1 got=%d", snap.Reasons["OK"])
	}
	if snap.Gauges["queue_depth"] != 3 {
		t.Fatalf("expected gauge queue_depth=3 got=%v", snap.Gauges["queue_depth"])
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /api/checkpoint", 200, 12*time.Millisecond)
	r.Observe("POST /api/checkpoint", 500, 20*time.Millisecond)
	r.IncAction("checkpoint")
	r.IncReason("OK")
	r.IncCosign("Keys.Example.COM")
	r.IncQueueOutcome("consumed")
	r.IncRewrap()
	r.SetGauge("queue_depth", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "pkd_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "pkd_action_total{action=\"checkpoint\"} 1") {
		t.Fatalf("missing action metric: %s", body)
	}
	if !strings.Contains(body, "pkd_cosign_total{peer=\"keys.example.com\"} 1") {
		t.Fatalf("missing cosign metric: %s", body)
	}
	if !strings.Contains(body, "pkd_queue_total{outcome=\"CONSUMED\"} 1") {
		t.Fatalf("missing queue metric: %s", body)
	}
	if !strings.Contains(body, "pkd_rewrap_total 1") {
		t.Fatalf("missing rewrap metric: %s", body)
	}
	if !strings.Contains(body, "pkd_gauge{name=\"queue_depth\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestActionReasonPairs(t *testing.T) {
	r := NewRegistry()
	r.IncActionReason("add-key", "signature mismatch")
	r.IncActionReason("add-key", "")
	r.IncActionReason("", "ignored")

	snap := r.Snapshot()
	if snap.ActionReason["add-key|signature mismatch"] != 1 {
		t.Fatalf("unexpected pairs: %#v", snap.ActionReason)
	}
	if snap.ActionReason["add-key|UNKNOWN"] != 1 {
		t.Fatalf("expected blank reason folded to UNKNOWN: %#v", snap.ActionReason)
	}
	if len(snap.ActionReason) != 2 {
		t.Fatalf("expected empty action dropped: %#v", snap.ActionReason)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncAction("")
	r.IncReason("")
	r.IncCosign("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"GeneratedAt\"") && !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
