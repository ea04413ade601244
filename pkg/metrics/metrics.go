// Package metrics is a small in-process metrics registry exposed as
// JSON (/metricsz) and in Prometheus text format (/metrics).
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
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	outcome  map[string]int64
	gauges   map[string]float64
	runStat  map[string]*RunLatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// RunLatencyStat tracks submission and verification run durations per kind.
type RunLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt string                    `json:"generated_at"`
	Endpoints   map[string]EndpointStat   `json:"endpoints"`
	Outcomes    map[string]int64          `json:"outcomes"`
	Gauges      map[string]float64        `json:"gauges"`
	RunLatency  map[string]RunLatencyStat `json:"run_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		outcome:  map[string]int64{},
		gauges:   map[string]float64{},
		runStat:  map[string]*RunLatencyStat{},
	}
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

// IncOutcome counts one per-record result (SUBMITTED, MATCH, ...).
func (r *Registry) IncOutcome(outcome string) {
	r.AddOutcome(outcome, 1)
}

func (r *Registry) AddOutcome(outcome string, delta int64) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.outcome[outcome] += delta
	r.mu.Unlock()
}

// ObserveRun records the wall time of a whole submit or verify pass.
func (r *Registry) ObserveRun(kind string, d time.Duration) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return
	}
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.runStat[kind]
	if !ok {
		stat = &RunLatencyStat{}
		r.runStat[kind] = stat
	}
	stat.Count++
	stat.TotalMS += ms
	stat.LastMS = ms
	if ms > stat.MaxMS {
		stat.MaxMS = ms
	}
	stat.AvgMS = float64(stat.TotalMS) / float64(stat.Count)
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
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:    make(map[string]int64, len(r.outcome)),
		Gauges:      make(map[string]float64, len(r.gauges)),
		RunLatency:  make(map[string]RunLatencyStat, len(r.runStat)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.runStat {
		out.RunLatency[k] = *v
	}
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
		b.WriteString("# HELP oracle_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE oracle_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "oracle_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP oracle_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE oracle_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "oracle_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP oracle_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE oracle_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "oracle_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP oracle_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE oracle_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "oracle_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP oracle_record_outcome_total per-record results by outcome\n")
		b.WriteString("# TYPE oracle_record_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "oracle_record_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP oracle_gauge operational gauge metrics\n")
		b.WriteString("# TYPE oracle_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "oracle_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP oracle_run_latency_ms run wall time by kind\n")
		b.WriteString("# TYPE oracle_run_latency_ms gauge\n")
		for _, kind := range SortedKeys(snap.RunLatency) {
			stat := snap.RunLatency[kind]
			fmt.Fprintf(b, "oracle_run_latency_ms{kind=%q,stat=\"last\"} %d\n", kind, stat.LastMS)
			fmt.Fprintf(b, "oracle_run_latency_ms{kind=%q,stat=\"avg\"} %.3f\n", kind, stat.AvgMS)
			fmt.Fprintf(b, "oracle_run_latency_ms{kind=%q,stat=\"max\"} %d\n", kind, stat.MaxMS)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

// SortedKeys returns the map's keys in stable order for deterministic output.
func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
