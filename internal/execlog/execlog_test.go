package execlog

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/store"
)

func testCfg() config.ExecLogConfig {
	return config.ExecLogConfig{
		QueueSize:     8,
		BatchSize:     4,
		FlushInterval: 10 * time.Millisecond,
		BodyMaxBytes:  16,
	}
}

func TestCapBody(t *testing.T) {
	l := NewLogger(store.NewMemory(), testCfg())

	short := l.CapBody([]byte("small"))
	if short != "small" {
		t.Errorf("short body = %q", short)
	}

	long := l.CapBody([]byte(strings.Repeat("x", 100)))
	if len(long) != 16+len(TruncationMarker) || !strings.HasSuffix(long, TruncationMarker) {
		t.Errorf("long body = %q", long)
	}
}

func TestFlattenHeadersMasksCredentials(t *testing.T) {
	h := http.Header{
		"Authorization": {"Bearer secret"},
		"X-Api-Key":     {"key123"},
		"Content-Type":  {"application/json"},
	}
	got := FlattenHeaders(h)
	if got["Authorization"] != "[masked]" || got["X-Api-Key"] != "[masked]" {
		t.Errorf("credentials not masked: %v", got)
	}
	if got["Content-Type"] != "application/json" {
		t.Errorf("plain header lost: %v", got)
	}
}

func TestRecordFlushesBatches(t *testing.T) {
	m := store.NewMemory()
	l := NewLogger(m, testCfg())

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	fid := uuid.New()
	for i := 0; i < 10; i++ {
		l.Record(&model.ExecutionLog{FunctionID: fid, Status: 200})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, _ := m.ExecutionLogs(context.Background(), fid, store.LogFilter{Status: store.LogAll})
		if len(recs) >= 8 { // queue bound may have dropped the first two
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	l.Wait()

	recs, _ := m.ExecutionLogs(context.Background(), fid, store.LogFilter{Status: store.LogAll})
	if len(recs) == 0 {
		t.Fatal("no records flushed")
	}
	if recs[0].ID == uuid.Nil {
		t.Error("record missing generated ID")
	}
}

func TestQueueDropsOldest(t *testing.T) {
	cfg := testCfg()
	cfg.QueueSize = 3
	cfg.BatchSize = 100 // no size-triggered flush
	l := NewLogger(store.NewMemory(), cfg)

	fid := uuid.New()
	for i := 0; i < 5; i++ {
		l.Record(&model.ExecutionLog{FunctionID: fid, Status: 200 + i})
	}
	if got := l.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) != 3 || l.queue[0].Status != 202 {
		t.Errorf("queue kept wrong records: %+v", l.queue)
	}
}

func TestDrainOnShutdown(t *testing.T) {
	m := store.NewMemory()
	cfg := testCfg()
	cfg.FlushInterval = time.Hour // only the shutdown drain flushes
	cfg.BatchSize = 100
	l := NewLogger(m, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	fid := uuid.New()
	l.Record(&model.ExecutionLog{FunctionID: fid, Status: 200})
	cancel()
	l.Wait()

	recs, _ := m.ExecutionLogs(context.Background(), fid, store.LogFilter{Status: store.LogAll})
	if len(recs) != 1 {
		t.Fatalf("drained %d records, want 1", len(recs))
	}
}

func TestSweeperDaysPolicy(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	f := &model.Function{ID: uuid.New(), ProjectID: uuid.New(), Name: "f",
		Retention: model.RetentionPolicy{Mode: model.RetentionDays, Days: 7}}
	m.CreateFunction(f)

	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	m.InsertExecutionLogs(ctx, []*model.ExecutionLog{
		{ID: uuid.New(), FunctionID: f.ID, ExecutedAt: now.AddDate(0, 0, -10)},
		{ID: uuid.New(), FunctionID: f.ID, ExecutedAt: now.AddDate(0, 0, -1)},
	})

	s := NewSweeper(m, time.Hour)
	s.now = func() time.Time { return now }
	s.Sweep(ctx)

	recs, _ := m.ExecutionLogs(ctx, f.ID, store.LogFilter{Status: store.LogAll})
	if len(recs) != 1 {
		t.Fatalf("kept %d records, want 1", len(recs))
	}
}

func TestSweeperCountPolicy(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	f := &model.Function{ID: uuid.New(), ProjectID: uuid.New(), Name: "f",
		Retention: model.RetentionPolicy{Mode: model.RetentionCount, Count: 2}}
	m.CreateFunction(f)

	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m.InsertExecutionLogs(ctx, []*model.ExecutionLog{
			{ID: uuid.New(), FunctionID: f.ID, ExecutedAt: base.Add(time.Duration(i) * time.Hour)},
		})
	}

	NewSweeper(m, time.Hour).Sweep(ctx)

	recs, _ := m.ExecutionLogs(ctx, f.ID, store.LogFilter{Status: store.LogAll})
	if len(recs) != 2 {
		t.Fatalf("kept %d records, want 2", len(recs))
	}
}

func TestSweeperNonePolicy(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	f := &model.Function{ID: uuid.New(), ProjectID: uuid.New(), Name: "f",
		Retention: model.RetentionPolicy{Mode: model.RetentionNone}}
	m.CreateFunction(f)
	m.InsertExecutionLogs(ctx, []*model.ExecutionLog{
		{ID: uuid.New(), FunctionID: f.ID, ExecutedAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
	})

	NewSweeper(m, time.Hour).Sweep(ctx)

	recs, _ := m.ExecutionLogs(ctx, f.ID, store.LogFilter{Status: store.LogAll})
	if len(recs) != 1 {
		t.Fatal("none policy must not prune")
	}
}
