package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/engine"
	"github.com/wudi/funcrun/internal/metrics"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/sandbox"
	"github.com/wudi/funcrun/internal/store"
)

type countingInvoker struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (c *countingInvoker) Invoke(ctx context.Context, project *model.Project, fn *model.Function, req *sandbox.Request, opts engine.Options) (*sandbox.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, fn.ID)
	c.mu.Unlock()
	return &sandbox.Response{Status: 200}, nil
}

func (c *countingInvoker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func scheduledFunction(t *testing.T, m *store.Memory, cronExpr string, next time.Time) *model.Function {
	t.Helper()
	p := &model.Project{ID: uuid.New(), Slug: "alpha"}
	m.CreateProject(p)
	fn := &model.Function{
		ID:              uuid.New(),
		ProjectID:       p.ID,
		Name:            "reporter",
		ScheduleEnabled: true,
		ScheduleCron:    cronExpr,
		NextExecution:   &next,
	}
	m.CreateFunction(fn)
	return fn
}

func newScheduler(m *store.Memory, inv Invoker, now time.Time) *Scheduler {
	s := New(m, inv, metrics.NewCollector(), config.SchedulerConfig{
		Tick: 30 * time.Second, Timezone: "utc",
	})
	s.now = func() time.Time { return now }
	return s
}

func TestSweepFiresAndAdvances(t *testing.T) {
	m := store.NewMemory()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	fn := scheduledFunction(t, m, "*/5 * * * *", now)
	inv := &countingInvoker{}

	s := newScheduler(m, inv, now)
	s.Sweep(context.Background())
	s.Wait()

	if inv.count() != 1 {
		t.Fatalf("fired %d times, want 1", inv.count())
	}
	got, err := m.FunctionByID(context.Background(), fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	if got.NextExecution == nil || !got.NextExecution.Equal(want) {
		t.Errorf("next_execution = %v, want %v", got.NextExecution, want)
	}
	if got.LastScheduledExecution == nil || !got.LastScheduledExecution.Equal(now) {
		t.Errorf("last_scheduled_execution = %v, want %v", got.LastScheduledExecution, now)
	}
}

func TestTwoInstancesFireOnce(t *testing.T) {
	m := store.NewMemory()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	scheduledFunction(t, m, "*/5 * * * *", now)
	inv := &countingInvoker{}

	a := newScheduler(m, inv, now)
	b := newScheduler(m, inv, now)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			s.Sweep(context.Background())
		}(s)
	}
	wg.Wait()
	a.Wait()
	b.Wait()

	if inv.count() != 1 {
		t.Fatalf("fired %d times across two instances, want exactly 1", inv.count())
	}
}

func TestCatchUpFiresAtMostOnce(t *testing.T) {
	m := store.NewMemory()
	now := time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC)
	// next_execution hours in the past, as after an outage.
	stale := now.Add(-3 * time.Hour)
	fn := scheduledFunction(t, m, "*/5 * * * *", stale)
	inv := &countingInvoker{}

	s := newScheduler(m, inv, now)
	s.Sweep(context.Background())
	s.Wait()

	if inv.count() != 1 {
		t.Fatalf("fired %d times, want 1", inv.count())
	}
	got, _ := m.FunctionByID(context.Background(), fn.ID)
	// Advanced past now, not replayed through the missed window.
	want := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	if got.NextExecution == nil || !got.NextExecution.Equal(want) {
		t.Errorf("next_execution = %v, want %v", got.NextExecution, want)
	}

	// The advanced schedule is no longer due.
	s.Sweep(context.Background())
	s.Wait()
	if inv.count() != 1 {
		t.Errorf("catch-up fired again: %d", inv.count())
	}
}

func TestBadCronSkipped(t *testing.T) {
	m := store.NewMemory()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	fn := scheduledFunction(t, m, "not a cron", now)
	inv := &countingInvoker{}

	s := newScheduler(m, inv, now)
	s.Sweep(context.Background())
	s.Wait()

	if inv.count() != 0 {
		t.Fatalf("fired %d times, want 0", inv.count())
	}
	got, _ := m.FunctionByID(context.Background(), fn.ID)
	if got.NextExecution == nil || !got.NextExecution.Equal(now) {
		t.Errorf("next_execution moved: %v", got.NextExecution)
	}
}
