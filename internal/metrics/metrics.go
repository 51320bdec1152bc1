// Package metrics tracks platform counters for Prometheus-compatible export.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Collector aggregates invocation and cache metrics.
type Collector struct {
	mu sync.RWMutex

	// key: function|status
	invocationsTotal map[string]int64
	// key: function
	invocationDurations map[string]*HistogramData
	// key: kind
	errorsTotal map[string]int64

	pkgCacheHits      int64
	pkgCacheMisses    int64
	pkgCacheEvictions int64
	logsDropped       func() int64
	pkgCacheBytes     func() int64

	scheduledFired  int64
	scheduledMissed int64
	rejectedTotal   map[string]int64 // key: reason (inflight, rate)
}

// HistogramData stores histogram-like data for durations.
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64
}

// DefaultBuckets are histogram upper bounds in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		invocationsTotal:    make(map[string]int64),
		invocationDurations: make(map[string]*HistogramData),
		errorsTotal:         make(map[string]int64),
		rejectedTotal:       make(map[string]int64),
	}
}

// SetGauges wires callback-backed gauges.
func (c *Collector) SetGauges(logsDropped, pkgCacheBytes func() int64) {
	c.mu.Lock()
	c.logsDropped = logsDropped
	c.pkgCacheBytes = pkgCacheBytes
	c.mu.Unlock()
}

// RecordInvocation records one completed invocation.
func (c *Collector) RecordInvocation(functionID string, status int, errorKind string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invocationsTotal[functionID+"|"+strconv.Itoa(status)]++
	if errorKind != "" {
		c.errorsTotal[errorKind]++
	}

	hd, ok := c.invocationDurations[functionID]
	if !ok {
		hd = &HistogramData{Buckets: make(map[float64]int64)}
		for _, b := range DefaultBuckets {
			hd.Buckets[b] = 0
		}
		c.invocationDurations[functionID] = hd
	}
	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// RecordPkgCacheHit counts a package cache hit.
func (c *Collector) RecordPkgCacheHit() {
	c.mu.Lock()
	c.pkgCacheHits++
	c.mu.Unlock()
}

// RecordPkgCacheMiss counts a package cache miss.
func (c *Collector) RecordPkgCacheMiss() {
	c.mu.Lock()
	c.pkgCacheMisses++
	c.mu.Unlock()
}

// RecordPkgCacheEviction counts an evicted package entry.
func (c *Collector) RecordPkgCacheEviction() {
	c.mu.Lock()
	c.pkgCacheEvictions++
	c.mu.Unlock()
}

// RecordScheduledFired counts one claimed scheduled run.
func (c *Collector) RecordScheduledFired() {
	c.mu.Lock()
	c.scheduledFired++
	c.mu.Unlock()
}

// RecordScheduledMissed counts a lost claim race.
func (c *Collector) RecordScheduledMissed() {
	c.mu.Lock()
	c.scheduledMissed++
	c.mu.Unlock()
}

// RecordRejected counts a request refused before execution.
func (c *Collector) RecordRejected(reason string) {
	c.mu.Lock()
	c.rejectedTotal[reason]++
	c.mu.Unlock()
}

// Handler serves the collector in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.WritePrometheus(w)
	})
}

// WritePrometheus writes the text exposition format.
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHelp(w, "funcrun_invocations_total", "Total handler invocations", "counter")
	for key, count := range c.invocationsTotal {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "funcrun_invocations_total", count,
				"function", parts[0], "status", parts[1])
		}
	}

	writeHelp(w, "funcrun_invocation_duration_seconds", "Invocation duration in seconds", "histogram")
	for fn, hd := range c.invocationDurations {
		for _, bound := range DefaultBuckets {
			writeMetricFloat(w, "funcrun_invocation_duration_seconds_bucket", float64(hd.Buckets[bound]),
				"function", fn, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "funcrun_invocation_duration_seconds_bucket", float64(hd.Count),
			"function", fn, "le", "+Inf")
		writeMetricFloat(w, "funcrun_invocation_duration_seconds_sum", hd.Sum, "function", fn)
		writeMetric(w, "funcrun_invocation_duration_seconds_count", hd.Count, "function", fn)
	}

	writeHelp(w, "funcrun_errors_total", "Invocation errors by kind", "counter")
	for kind, count := range c.errorsTotal {
		writeMetric(w, "funcrun_errors_total", count, "kind", kind)
	}

	writeHelp(w, "funcrun_pkg_cache_hits_total", "Package cache hits", "counter")
	writeMetric(w, "funcrun_pkg_cache_hits_total", c.pkgCacheHits)
	writeHelp(w, "funcrun_pkg_cache_misses_total", "Package cache misses", "counter")
	writeMetric(w, "funcrun_pkg_cache_misses_total", c.pkgCacheMisses)
	writeHelp(w, "funcrun_pkg_cache_evictions_total", "Package cache evictions", "counter")
	writeMetric(w, "funcrun_pkg_cache_evictions_total", c.pkgCacheEvictions)

	if c.pkgCacheBytes != nil {
		writeHelp(w, "funcrun_pkg_cache_bytes", "Resident package cache bytes", "gauge")
		writeMetric(w, "funcrun_pkg_cache_bytes", c.pkgCacheBytes())
	}
	if c.logsDropped != nil {
		writeHelp(w, "funcrun_execlog_dropped_total", "Execution records dropped under pressure", "counter")
		writeMetric(w, "funcrun_execlog_dropped_total", c.logsDropped())
	}

	writeHelp(w, "funcrun_scheduled_fired_total", "Scheduled runs claimed by this instance", "counter")
	writeMetric(w, "funcrun_scheduled_fired_total", c.scheduledFired)
	writeHelp(w, "funcrun_scheduled_missed_total", "Scheduled claim races lost", "counter")
	writeMetric(w, "funcrun_scheduled_missed_total", c.scheduledMissed)

	writeHelp(w, "funcrun_rejected_total", "Requests refused before execution", "counter")
	for reason, count := range c.rejectedTotal {
		writeMetric(w, "funcrun_rejected_total", count, "reason", reason)
	}
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	w.Write([]byte(name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	w.Write([]byte(name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
