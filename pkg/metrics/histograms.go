package metrics

import (
	"sync"
	"time"
)

// latencyBounds are the cumulative bucket upper bounds in seconds. The
// long tail covers witness rounds, which wait on remote peers.
var latencyBounds = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// HistogramBucket is one cumulative bucket of a latency histogram.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram accumulates latency samples for one endpoint or action.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

func NewHistogram(name string) *Histogram {
	buckets := make([]HistogramBucket, len(latencyBounds))
	for i, le := range latencyBounds {
		buckets[i] = HistogramBucket{Le: le}
	}
	return &Histogram{name: name, buckets: buckets}
}

// Observe records one latency sample.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
	h.mu.Unlock()
}

// quantile reads the estimated p-quantile from cumulative buckets. The
// estimate is the upper bound of the first bucket covering the target
// rank; samples beyond the last bound report that bound.
func quantile(buckets []HistogramBucket, count int64, p float64) float64 {
	if count == 0 || len(buckets) == 0 {
		return 0
	}
	target := int64(p * float64(count))
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

// Percentile returns the estimated percentile (0.0-1.0).
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return quantile(h.buckets, h.count, p)
}

// HistogramSnapshot is a point-in-time copy for exposition.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.buckets))
	copy(buckets, h.buckets)
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     quantile(buckets, h.count, 0.50),
		P95:     quantile(buckets, h.count, 0.95),
		P99:     quantile(buckets, h.count, 0.99),
	}
}

// HistogramRegistry hands out one histogram per name.
type HistogramRegistry struct {
	mu         sync.Mutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns the named histogram, creating it on first use.
func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = NewHistogram(name)
		r.histograms[name] = h
	}
	return h
}

// ObserveDuration records a sample to the named histogram.
func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram's snapshot for exposition.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	hs := make([]*Histogram, 0, len(r.histograms))
	for _, h := range r.histograms {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	out := make([]HistogramSnapshot, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	return out
}
