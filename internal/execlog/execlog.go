// Package execlog ingests execution records off the request path. Records
// queue in a bounded buffer and flush to the store in batches; when the
// queue is full the oldest record is dropped and counted, never the request.
package execlog

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/logging"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/store"
)

// TruncationMarker is appended to bodies cut at the cap.
const TruncationMarker = "...[truncated]"

// maskedHeaders are never persisted verbatim.
var maskedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
	"X-Api-Key":     true,
}

// Logger buffers and batches execution records.
type Logger struct {
	store store.Store
	cfg   config.ExecLogConfig

	mu    sync.Mutex
	queue []*model.ExecutionLog

	dropped atomic.Int64
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLogger creates a logger; call Run to start the flush loop.
func NewLogger(st store.Store, cfg config.ExecLogConfig) *Logger {
	return &Logger{
		store: st,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// CapBody truncates a body at the configured cap with a marker.
func (l *Logger) CapBody(body []byte) string {
	max := l.cfg.BodyMaxBytes
	if max <= 0 || len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + TruncationMarker
}

// FlattenHeaders converts a header map for persistence, masking credentials.
func FlattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		if maskedHeaders[http.CanonicalHeaderKey(k)] {
			out[k] = "[masked]"
			continue
		}
		out[k] = vs[0]
	}
	return out
}

// Record enqueues one execution record. Never blocks: a full queue drops its
// oldest entry.
func (l *Logger) Record(rec *model.ExecutionLog) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}

	l.mu.Lock()
	if l.cfg.QueueSize > 0 && len(l.queue) >= l.cfg.QueueSize {
		l.queue = l.queue[1:]
		l.dropped.Add(1)
	}
	l.queue = append(l.queue, rec)
	full := l.cfg.BatchSize > 0 && len(l.queue) >= l.cfg.BatchSize
	l.mu.Unlock()

	if full {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Dropped reports how many records were discarded under pressure.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Run flushes batches until ctx is cancelled, then drains what remains.
func (l *Logger) Run(ctx context.Context) {
	defer close(l.done)
	interval := l.cfg.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.flush(context.Background())
			return
		case <-ticker.C:
			l.flush(ctx)
		case <-l.wake:
			l.flush(ctx)
		}
	}
}

// Wait blocks until Run has drained and returned.
func (l *Logger) Wait() {
	<-l.done
}

func (l *Logger) flush(ctx context.Context) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		n := len(l.queue)
		if l.cfg.BatchSize > 0 && n > l.cfg.BatchSize {
			n = l.cfg.BatchSize
		}
		batch := l.queue[:n]
		l.queue = append([]*model.ExecutionLog(nil), l.queue[n:]...)
		l.mu.Unlock()

		insertCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := l.store.InsertExecutionLogs(insertCtx, batch)
		cancel()
		if err != nil {
			// Requeue at the front; the size bound applies on the next Record.
			l.mu.Lock()
			l.queue = append(batch, l.queue...)
			l.mu.Unlock()
			logging.Warn("execlog: flush failed",
				zap.Int("batch", len(batch)), zap.Error(err))
			return
		}
	}
}
