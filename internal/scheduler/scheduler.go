// Package scheduler fires cron-scheduled functions. Every instance ticks;
// per due function the store-side compare-and-swap on next_execution elects
// exactly one winner, so no instance coordination is needed.
package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/cron"
	"github.com/wudi/funcrun/internal/engine"
	"github.com/wudi/funcrun/internal/logging"
	"github.com/wudi/funcrun/internal/metrics"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/sandbox"
	"github.com/wudi/funcrun/internal/store"
)

// dueSlack admits functions whose next_execution lands a moment after the
// tick fires, so a schedule never slips a whole tick from clock jitter.
const dueSlack = time.Second

// Invoker runs one invocation; the engine satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, project *model.Project, fn *model.Function, req *sandbox.Request, opts engine.Options) (*sandbox.Response, error)
}

// Scheduler drives scheduled executions for one instance.
type Scheduler struct {
	store   store.Store
	invoker Invoker
	metrics *metrics.Collector
	cfg     config.SchedulerConfig

	now func() time.Time
	wg  sync.WaitGroup
}

// New creates a scheduler; call Run to start it.
func New(st store.Store, inv Invoker, m *metrics.Collector, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:   st,
		invoker: inv,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := s.cfg.Tick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep claims and fires every due function once.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueScheduledFunctions(ctx, now.Add(dueSlack))
	if err != nil {
		logging.Warn("scheduler: due query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	loc := s.location(ctx)
	for _, fn := range due {
		s.fire(ctx, fn, now, loc)
	}
}

// location resolves the cron timezone: the platform setting wins, then the
// instance config, then server local.
func (s *Scheduler) location(ctx context.Context) *time.Location {
	tz := s.cfg.Timezone
	if settings, err := s.store.GlobalSettings(ctx); err == nil && settings.SchedulerTimezone != "" {
		tz = settings.SchedulerTimezone
	}
	if tz == "utc" {
		return time.UTC
	}
	return time.Local
}

func (s *Scheduler) fire(ctx context.Context, fn *model.Function, now time.Time, loc *time.Location) {
	if fn.NextExecution == nil || !fn.ScheduleEnabled {
		return
	}
	sched, err := cron.Parse(fn.ScheduleCron)
	if err != nil {
		logging.Warn("scheduler: bad cron expression",
			zap.String("function_id", fn.ID.String()),
			zap.String("cron", fn.ScheduleCron), zap.Error(err))
		return
	}

	// Next occurrence computed from now, not from the observed
	// next_execution: a long-offline schedule catches up at most one run.
	newNext := sched.Next(now.In(loc))

	claimed, err := s.store.ClaimScheduledRun(ctx, fn.ID, *fn.NextExecution, newNext)
	if err != nil {
		logging.Warn("scheduler: claim failed",
			zap.String("function_id", fn.ID.String()), zap.Error(err))
		return
	}
	if !claimed {
		if s.metrics != nil {
			s.metrics.RecordScheduledMissed()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordScheduledFired()
	}

	project, err := s.store.ProjectByID(ctx, fn.ProjectID)
	if err != nil {
		logging.Warn("scheduler: project lookup failed",
			zap.String("function_id", fn.ID.String()), zap.Error(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.invoke(project, fn, now)
	}()
}

// Wait blocks until in-flight scheduled runs finish. Called on shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) invoke(project *model.Project, fn *model.Function, now time.Time) {
	req := &sandbox.Request{
		Method:  http.MethodGet,
		URL:     "/__scheduled",
		Path:    "/__scheduled",
		Headers: http.Header{"X-Scheduled-Execution": []string{"true"}},
	}
	ctx := context.Background()
	_, err := s.invoker.Invoke(ctx, project, fn, req, engine.Options{ClientIP: "scheduler"})
	if err != nil {
		logging.Debug("scheduler: scheduled run failed",
			zap.String("function_id", fn.ID.String()), zap.Error(err))
	}
	// Recorded on success and failure alike.
	if err := s.store.SetLastScheduledExecution(ctx, fn.ID, now); err != nil {
		logging.Warn("scheduler: last-execution update failed",
			zap.String("function_id", fn.ID.String()), zap.Error(err))
	}
}
