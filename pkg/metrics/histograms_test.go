package metrics

import (
	"testing"
	"time"
)

func TestHistogramObserve(t *testing.T) {
	h := NewHistogram("POST /api/action")
	for _, d := range []time.Duration{
		10 * time.Millisecond, 50 * time.Millisecond, 200 * time.Millisecond,
		500 * time.Millisecond, time.Second,
	} {
		h.Observe(d)
	}

	snap := h.Snapshot()
	if snap.Name != "POST /api/action" || snap.Count != 5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Sum <= 0 {
		t.Fatal("sum should be positive")
	}
	if len(snap.Buckets) != len(latencyBounds) {
		t.Fatalf("unexpected bucket count: %d", len(snap.Buckets))
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("GET /api/history/since/{root}")
	for i := 0; i < 90; i++ {
		h.Observe(5 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(2 * time.Second)
	}

	if p := h.Percentile(0.50); p > 0.01 {
		t.Fatalf("unexpected p50: %f", p)
	}
	if p := h.Percentile(0.99); p < 0.1 {
		t.Fatalf("unexpected p99: %f", p)
	}
	snap := h.Snapshot()
	if snap.P50 > 0.01 || snap.P99 < 0.1 {
		t.Fatalf("unexpected snapshot percentiles: %+v", snap)
	}
}

func TestHistogramLongTailClamps(t *testing.T) {
	h := NewHistogram("witness.round")
	h.Observe(5 * time.Minute)
	// A sample beyond every bound reports the largest bound.
	if p := h.Percentile(0.99); p != latencyBounds[len(latencyBounds)-1] {
		t.Fatalf("unexpected clamped percentile: %f", p)
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := NewHistogram("GET /api/info")
	if p := h.Percentile(0.50); p != 0 {
		t.Fatalf("unexpected empty p50: %f", p)
	}
	if snap := h.Snapshot(); snap.Count != 0 {
		t.Fatalf("unexpected empty count: %d", snap.Count)
	}
}

func TestHistogramRegistry(t *testing.T) {
	reg := NewHistogramRegistry()
	reg.ObserveDuration("POST /api/action", 100*time.Millisecond)
	reg.ObserveDuration("POST /api/action", 200*time.Millisecond)
	reg.ObserveDuration("POST /api/history/cosign/{root}", 50*time.Millisecond)

	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("unexpected snapshot count: %d", len(snaps))
	}
	if reg.Get("POST /api/action") != reg.Get("POST /api/action") {
		t.Fatal("Get must return the same histogram instance per name")
	}
}

func TestRegistryObserveLatency(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveLatency("GET /healthz", 10*time.Millisecond)
	reg.ObserveLatency("GET /healthz", 20*time.Millisecond)

	snap := reg.Snapshot()
	if len(snap.Histograms) != 1 {
		t.Fatalf("expected 1 histogram, got %d", len(snap.Histograms))
	}
	if snap.Histograms[0].Count != 2 {
		t.Fatalf("unexpected histogram count: %d", snap.Histograms[0].Count)
	}
}
