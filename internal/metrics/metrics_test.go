package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorRecordInvocation(t *testing.T) {
	c := NewCollector()

	c.RecordInvocation("fn1", 200, "", 100*time.Millisecond)
	c.RecordInvocation("fn1", 200, "", 200*time.Millisecond)
	c.RecordInvocation("fn1", 504, "timeout", 50*time.Millisecond)

	if c.invocationsTotal["fn1|200"] != 2 {
		t.Errorf("expected 2 invocations with status 200, got %d", c.invocationsTotal["fn1|200"])
	}
	if c.invocationsTotal["fn1|504"] != 1 {
		t.Errorf("expected 1 invocation with status 504, got %d", c.invocationsTotal["fn1|504"])
	}
	if c.errorsTotal["timeout"] != 1 {
		t.Errorf("expected 1 timeout error, got %d", c.errorsTotal["timeout"])
	}

	hd := c.invocationDurations["fn1"]
	if hd == nil {
		t.Fatal("expected histogram data for fn1")
	}
	if hd.Count != 3 {
		t.Errorf("expected 3 duration entries, got %d", hd.Count)
	}
}

func TestCollectorPkgCache(t *testing.T) {
	c := NewCollector()

	c.RecordPkgCacheHit()
	c.RecordPkgCacheHit()
	c.RecordPkgCacheMiss()

	if c.pkgCacheHits != 2 {
		t.Errorf("expected 2 hits, got %d", c.pkgCacheHits)
	}
	if c.pkgCacheMisses != 1 {
		t.Errorf("expected 1 miss, got %d", c.pkgCacheMisses)
	}
}

func TestCollectorScheduled(t *testing.T) {
	c := NewCollector()

	c.RecordScheduledFired()
	c.RecordScheduledMissed()
	c.RecordScheduledMissed()

	if c.scheduledFired != 1 || c.scheduledMissed != 2 {
		t.Errorf("fired=%d missed=%d", c.scheduledFired, c.scheduledMissed)
	}
}

func TestWritePrometheus(t *testing.T) {
	c := NewCollector()

	c.RecordInvocation("fn1", 200, "", 50*time.Millisecond)
	c.RecordPkgCacheHit()
	c.RecordRejected("inflight")
	c.SetGauges(func() int64 { return 7 }, func() int64 { return 4096 })

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body := w.Body.String()

	for _, want := range []string{
		`funcrun_invocations_total{function="fn1",status="200"} 1`,
		"funcrun_invocation_duration_seconds_count{function=\"fn1\"} 1",
		"funcrun_pkg_cache_hits_total 1",
		"funcrun_pkg_cache_bytes 4096",
		"funcrun_execlog_dropped_total 7",
		`funcrun_rejected_total{reason="inflight"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output", want)
		}
	}

	ct := w.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type: %s", ct)
	}
}

func TestHistogramBuckets(t *testing.T) {
	c := NewCollector()
	c.RecordInvocation("fn1", 200, "", 30*time.Millisecond)

	hd := c.invocationDurations["fn1"]
	if hd.Buckets[0.05] != 1 {
		t.Error("expected 30ms to land in the 0.05 bucket")
	}
	if hd.Buckets[0.01] != 0 {
		t.Error("expected 30ms to miss the 0.01 bucket")
	}
	if hd.Buckets[30.0] != 1 {
		t.Error("expected cumulative count in the top bucket")
	}
}

func TestSplitKey(t *testing.T) {
	parts := splitKey("fn1|200", 2)
	if len(parts) != 2 || parts[0] != "fn1" || parts[1] != "200" {
		t.Errorf("splitKey = %v", parts)
	}
}
