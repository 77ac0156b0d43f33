// Package telemetry records operational metrics for every tool call: a
// per-call line in the daily telemetry stream, Prometheus collectors on a
// private registry, and a summary line written at shutdown.
package telemetry

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keboola/osiris-sub007/internal/jsonl"
)

// Record is one telemetry line.
type Record struct {
	Timestamp     string `json:"timestamp"`
	Event         string `json:"event"`
	CorrelationID string `json:"correlation_id"`
	Tool          string `json:"tool"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	BytesIn       int    `json:"bytes_in"`
	BytesOut      int    `json:"bytes_out"`
	CacheHit      *bool  `json:"cache_hit,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
}

// Summary is the aggregate line written on Close.
type Summary struct {
	Timestamp     string         `json:"timestamp"`
	Event         string         `json:"event"`
	StartedAt     string         `json:"started_at"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Calls         int            `json:"calls"`
	Errors        int            `json:"errors"`
	ByTool        map[string]int `json:"by_tool"`
	ByErrorCode   map[string]int `json:"by_error_code,omitempty"`
	CacheHits     int            `json:"cache_hits"`
	CacheMisses   int            `json:"cache_misses"`
	BytesIn       int64          `json:"bytes_in"`
	BytesOut      int64          `json:"bytes_out"`
	MeanMS        float64        `json:"mean_duration_ms"`
}

// Recorder owns the telemetry stream and its collectors.
type Recorder struct {
	w        *jsonl.Writer
	registry *prometheus.Registry
	now      func() time.Time
	started  time.Time

	calls     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	bytes     *prometheus.CounterVec
	cache     *prometheus.CounterVec
	exits     *prometheus.CounterVec

	mu      sync.Mutex
	summary Summary
	totalMS int64
}

// NewRecorder opens the telemetry stream under dir.
func NewRecorder(dir string) (*Recorder, error) {
	w, err := jsonl.NewWriter(dir)
	if err != nil {
		return nil, fmt.Errorf("telemetry stream: %w", err)
	}
	r := &Recorder{
		w:        w,
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "osiris_mcp",
			Name:      "tool_calls_total",
			Help:      "Tool calls by canonical tool and status.",
		}, []string{"tool", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "osiris_mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"tool"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "osiris_mcp",
			Name:      "payload_bytes_total",
			Help:      "Request and response payload bytes.",
		}, []string{"direction"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "osiris_mcp",
			Name:      "discovery_cache_lookups_total",
			Help:      "Discovery cache lookups by result.",
		}, []string{"result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "osiris_mcp",
			Name:      "bridge_exits_total",
			Help:      "Delegated command exits by tool and exit code.",
		}, []string{"tool", "exit_code"}),
	}
	r.registry.MustRegister(r.calls, r.durations, r.bytes, r.cache, r.exits)
	r.started = r.now()
	r.summary = Summary{ByTool: map[string]int{}, ByErrorCode: map[string]int{}}
	return r, nil
}

// Registry exposes the collectors for the ops listener.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Record appends rec to the daily stream and updates every aggregate.
func (r *Recorder) Record(rec Record) error {
	now := r.now().UTC()
	if rec.Timestamp == "" {
		rec.Timestamp = now.Format(time.RFC3339Nano)
	}
	if rec.Event == "" {
		rec.Event = "tool_call"
	}

	r.calls.WithLabelValues(rec.Tool, rec.Status).Inc()
	r.durations.WithLabelValues(rec.Tool).Observe(float64(rec.DurationMS) / 1000)
	r.bytes.WithLabelValues("in").Add(float64(rec.BytesIn))
	r.bytes.WithLabelValues("out").Add(float64(rec.BytesOut))
	if rec.CacheHit != nil {
		if *rec.CacheHit {
			r.cache.WithLabelValues("hit").Inc()
		} else {
			r.cache.WithLabelValues("miss").Inc()
		}
	}
	if rec.ExitCode != nil {
		r.exits.WithLabelValues(rec.Tool, strconv.Itoa(*rec.ExitCode)).Inc()
	}

	r.mu.Lock()
	r.summary.Calls++
	r.summary.ByTool[rec.Tool]++
	if rec.Status != "success" {
		r.summary.Errors++
		if rec.ErrorCode != "" {
			r.summary.ByErrorCode[rec.ErrorCode]++
		}
	}
	if rec.CacheHit != nil {
		if *rec.CacheHit {
			r.summary.CacheHits++
		} else {
			r.summary.CacheMisses++
		}
	}
	r.summary.BytesIn += int64(rec.BytesIn)
	r.summary.BytesOut += int64(rec.BytesOut)
	r.totalMS += rec.DurationMS
	r.mu.Unlock()

	return r.w.Append(streamName(now), rec)
}

// Snapshot returns the current aggregate.
func (r *Recorder) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	s := r.summary
	s.Timestamp = now.Format(time.RFC3339Nano)
	s.Event = "summary"
	s.StartedAt = r.started.UTC().Format(time.RFC3339Nano)
	s.UptimeSeconds = now.Sub(r.started).Seconds()
	s.ByTool = copyCounts(r.summary.ByTool)
	s.ByErrorCode = copyCounts(r.summary.ByErrorCode)
	if s.Calls > 0 {
		s.MeanMS = float64(r.totalMS) / float64(s.Calls)
	}
	return s
}

// Close writes the summary line and closes the stream.
func (r *Recorder) Close() error {
	s := r.Snapshot()
	err := r.w.Append(streamName(r.now().UTC()), s)
	if cerr := r.w.Close(); err == nil {
		err = cerr
	}
	return err
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func streamName(t time.Time) string {
	return "telemetry-" + t.Format("2006-01-02") + ".jsonl"
}
