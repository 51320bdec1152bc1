package execlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/logging"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/store"
)

// Sweeper prunes execution logs per function retention policy. Functions
// without an explicit policy inherit the platform default.
type Sweeper struct {
	store    store.Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper; call Run to start it.
func NewSweeper(st store.Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: st, interval: interval, now: time.Now}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
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

// Sweep runs one full pruning pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	settings, err := s.store.GlobalSettings(ctx)
	if err != nil {
		logging.Warn("execlog: retention sweep skipped", zap.Error(err))
		return
	}
	fns, err := s.store.ListFunctions(ctx)
	if err != nil {
		logging.Warn("execlog: retention sweep skipped", zap.Error(err))
		return
	}

	var deleted int64
	for _, f := range fns {
		policy := f.Retention
		if policy.Mode == "" {
			policy = settings.DefaultRetention
		}
		var n int64
		switch policy.Mode {
		case model.RetentionDays:
			if policy.Days <= 0 {
				continue
			}
			cutoff := s.now().AddDate(0, 0, -policy.Days)
			n, err = s.store.DeleteLogsBefore(ctx, f.ID, cutoff)
		case model.RetentionCount:
			if policy.Count <= 0 {
				continue
			}
			n, err = s.store.KeepLatestLogs(ctx, f.ID, policy.Count)
		default:
			continue
		}
		if err != nil {
			logging.Warn("execlog: retention prune failed",
				zap.String("function_id", f.ID.String()), zap.Error(err))
			continue
		}
		deleted += n
	}
	if deleted > 0 {
		logging.Info("execlog: retention sweep", zap.Int64("deleted", deleted))
	}
}
