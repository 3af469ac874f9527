package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	action        map[string]int64
	reason        map[string]int64
	gauges        map[string]float64
	actionReason  map[string]int64
	cosignPeer    map[string]int64
	queueOutcome  map[string]int64
	rewrapTotal   int64
	ledgerLatency LedgerLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LedgerLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Actions         map[string]int64        `json:"actions"`
	Reasons         map[string]int64        `json:"reasons"`
	Gauges          map[string]float64      `json:"gauges"`
	ActionReason    map[string]int64        `json:"action_reason"`
	CosignTotals    map[string]int64        `json:"cosign_totals"`
	QueueTotals     map[string]int64        `json:"queue_totals"`
	RewrapTotal     int64                   `json:"rewrap_total"`
	LedgerLatencyMS LedgerLatencyStat       `json:"ledger_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		action:       map[string]int64{},
		reason:       map[string]int64{},
		gauges:       map[string]float64{},
		actionReason: map[string]int64{},
		cosignPeer:   map[string]int64{},
		queueOutcome: map[string]int64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncAction(action string) {
	if action == "" {
		return
	}
	r.mu.Lock()
	r.action[action]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncActionReason(action, reason string) {
	action = strings.TrimSpace(action)
	reason = strings.TrimSpace(reason)
	if action == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := action + "|" + reason
	r.mu.Lock()
	r.actionReason[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveLedgerLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledgerLatency.Count++
	r.ledgerLatency.TotalMS += ms
	r.ledgerLatency.LastMS = ms
	if ms > r.ledgerLatency.MaxMS {
		r.ledgerLatency.MaxMS = ms
	}
	r.ledgerLatency.AvgMS = float64(r.ledgerLatency.TotalMS) / float64(r.ledgerLatency.Count)
}

func (r *Registry) IncCosign(peer string) {
	peer = strings.TrimSpace(strings.ToLower(peer))
	if peer == "" {
		return
	}
	r.mu.Lock()
	r.cosignPeer[peer]++
	r.mu.Unlock()
}

func (r *Registry) AddQueueOutcome(outcome string, delta int64) {
	outcome = strings.TrimSpace(strings.ToUpper(outcome))
	if outcome == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.queueOutcome[outcome] += delta
	r.mu.Unlock()
}

func (r *Registry) IncQueueOutcome(outcome string) {
	r.AddQueueOutcome(outcome, 1)
}

func (r *Registry) IncRewrap() {
	r.mu.Lock()
	r.rewrapTotal++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		Actions:      make(map[string]int64, len(r.action)),
		Reasons:      make(map[string]int64, len(r.reason)),
		Gauges:       make(map[string]float64, len(r.gauges)),
		ActionReason: make(map[string]int64, len(r.actionReason)),
		CosignTotals: make(map[string]int64, len(r.cosignPeer)),
		QueueTotals:  make(map[string]int64, len(r.queueOutcome)),
		RewrapTotal:  r.rewrapTotal,
		LedgerLatencyMS: LedgerLatencyStat{
			Count:   r.ledgerLatency.Count,
			TotalMS: r.ledgerLatency.TotalMS,
			MaxMS:   r.ledgerLatency.MaxMS,
			LastMS:  r.ledgerLatency.LastMS,
			AvgMS:   r.ledgerLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.action {
		out.Actions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.actionReason {
		out.ActionReason[k] = v
	}
	for k, v := range r.cosignPeer {
		out.CosignTotals[k] = v
	}
	for k, v := range r.queueOutcome {
		out.QueueTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP pkd_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE pkd_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "pkd_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP pkd_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE pkd_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "pkd_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP pkd_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE pkd_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "pkd_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP pkd_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE pkd_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "pkd_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP pkd_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE pkd_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "pkd_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP pkd_action_total total ledger submissions by action\n")
		b.WriteString("# TYPE pkd_action_total counter\n")
		for _, action := range SortedKeys(snap.Actions) {
			fmt.Fprintf(b, "pkd_action_total{action=%q} %d\n", action, snap.Actions[action])
		}
		b.WriteString("# HELP pkd_reason_total total rejections by reason\n")
		b.WriteString("# TYPE pkd_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "pkd_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP pkd_gauge operational gauge metrics\n")
		b.WriteString("# TYPE pkd_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "pkd_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP pkd_latency_seconds latency histogram\n")
			b.WriteString("# TYPE pkd_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "pkd_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "pkd_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "pkd_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "pkd_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "pkd_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "pkd_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "pkd_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP pkd_action_result_total submissions by action and rejection reason\n")
		b.WriteString("# TYPE pkd_action_result_total counter\n")
		for _, key := range SortedKeys(snap.ActionReason) {
			parts := strings.SplitN(key, "|", 2)
			action := parts[0]
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "pkd_action_result_total{action=%q,reason=%q} %d\n", action, reason, snap.ActionReason[key])
		}

		b.WriteString("# HELP pkd_ledger_latency_ms ledger append latency in ms\n")
		b.WriteString("# TYPE pkd_ledger_latency_ms gauge\n")
		fmt.Fprintf(b, "pkd_ledger_latency_ms{stat=%q} %d\n", "last", snap.LedgerLatencyMS.LastMS)
		fmt.Fprintf(b, "pkd_ledger_latency_ms{stat=%q} %.3f\n", "avg", snap.LedgerLatencyMS.AvgMS)
		fmt.Fprintf(b, "pkd_ledger_latency_ms{stat=%q} %d\n", "max", snap.LedgerLatencyMS.MaxMS)

		b.WriteString("# HELP pkd_cosign_total cosignatures recorded by peer\n")
		b.WriteString("# TYPE pkd_cosign_total counter\n")
		for _, peer := range SortedKeys(snap.CosignTotals) {
			fmt.Fprintf(b, "pkd_cosign_total{peer=%q} %d\n", peer, snap.CosignTotals[peer])
		}

		b.WriteString("# HELP pkd_queue_total federation queue outcomes\n")
		b.WriteString("# TYPE pkd_queue_total counter\n")
		for _, outcome := range SortedKeys(snap.QueueTotals) {
			fmt.Fprintf(b, "pkd_queue_total{outcome=%q} %d\n", outcome, snap.QueueTotals[outcome])
		}

		b.WriteString("# HELP pkd_rewrap_total attribute keys rewrapped for peers\n")
		b.WriteString("# TYPE pkd_rewrap_total counter\n")
		fmt.Fprintf(b, "pkd_rewrap_total %d\n", snap.RewrapTotal)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
