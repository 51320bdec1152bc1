package gateway

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/errors"
)

// projectLimits enforces the per-project inflight cap and rate limit.
type projectLimits struct {
	cfg config.GatewayConfig

	mu       sync.Mutex
	inflight map[string]int
	limiters map[string]*rate.Limiter
}

func newProjectLimits(cfg config.GatewayConfig) *projectLimits {
	return &projectLimits{
		cfg:      cfg,
		inflight: make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
	}
}

// acquire admits one request for the project or fails with the matching
// platform error. The returned release must run when the request finishes.
func (l *projectLimits) acquire(projectID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.ProjectRateLimit > 0 {
		lim, ok := l.limiters[projectID]
		if !ok {
			burst := l.cfg.ProjectRateBurst
			if burst <= 0 {
				burst = 1
			}
			lim = rate.NewLimiter(rate.Limit(l.cfg.ProjectRateLimit), burst)
			l.limiters[projectID] = lim
		}
		if !lim.Allow() {
			return nil, errors.ErrTooManyRequests
		}
	}

	if l.cfg.ProjectInflightCap > 0 && l.inflight[projectID] >= l.cfg.ProjectInflightCap {
		return nil, errors.ErrServiceUnavailable
	}
	l.inflight[projectID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.inflight[projectID] > 0 {
				l.inflight[projectID]--
			}
			l.mu.Unlock()
		})
	}, nil
}
