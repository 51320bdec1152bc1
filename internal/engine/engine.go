// Package engine drives one invocation end to end: resolve the active
// version, materialize the package, execute the handler in a sandbox worker,
// then record metrics and the execution log.
package engine

import (
	"context"
	stderrors "errors"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/bus"
	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/errors"
	"github.com/wudi/funcrun/internal/execlog"
	"github.com/wudi/funcrun/internal/kv"
	"github.com/wudi/funcrun/internal/logging"
	"github.com/wudi/funcrun/internal/metrics"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/pkgcache"
	"github.com/wudi/funcrun/internal/policy"
	"github.com/wudi/funcrun/internal/sandbox"
	"github.com/wudi/funcrun/internal/store"
	"github.com/wudi/funcrun/internal/tracing"
)

// Deps are the long-lived components the engine drives.
type Deps struct {
	Store    store.Store
	Packages *pkgcache.Cache
	Workers  *sandbox.Pool
	Policy   *policy.Engine
	KV       kv.Store
	Log      *execlog.Logger
	Metrics  *metrics.Collector
	Tracer   *tracing.Tracer
}

// Options carry per-invocation metadata that only the caller knows.
type Options struct {
	ClientIP   string
	UserAgent  string
	APIKeyUsed bool
	// SkipLog suppresses the execution-log record. Middleware-auth
	// predicate runs set it; user-facing invocations never do.
	SkipLog bool
}

// Engine executes functions. One per process.
type Engine struct {
	deps   Deps
	limits config.SandboxConfig

	// env caches frozen environment snapshots by function ID.
	env *expirable.LRU[string, map[string]string]
}

// New creates an engine. envTTL bounds how stale an environment snapshot may
// serve when no invalidation event arrives.
func New(d Deps, limits config.SandboxConfig, envTTL time.Duration) *Engine {
	return &Engine{
		deps:   d,
		limits: limits,
		env:    expirable.NewLRU[string, map[string]string](4096, nil, envTTL),
	}
}

// Invoke runs one invocation and returns the handler's response or a
// platform error. Every non-skipped invocation produces exactly one
// execution-log record, success or failure.
func (e *Engine) Invoke(ctx context.Context, project *model.Project, fn *model.Function, req *sandbox.Request, opts Options) (*sandbox.Response, error) {
	start := time.Now()
	resp, console, err := e.run(ctx, project, fn, req)
	duration := time.Since(start)

	var status int
	var kind errors.Kind
	var message string
	if err != nil {
		pe := platformOf(err)
		status, kind, message = pe.Code, pe.Kind, pe.Message
		if pe.Details != "" {
			message += ": " + pe.Details
		}
		err = pe
	} else {
		status = resp.Status
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.RecordInvocation(fn.ID.String(), status, string(kind), duration)
	}

	if !opts.SkipLog && e.deps.Log != nil {
		rec := &model.ExecutionLog{
			FunctionID:     fn.ID,
			Status:         status,
			DurationMS:     duration.Milliseconds(),
			RequestSize:    int64(len(req.Body)),
			RequestHeaders: execlog.FlattenHeaders(req.Headers),
			RequestBody:    e.deps.Log.CapBody(req.Body),
			Console:        console,
			ErrorKind:      string(kind),
			ErrorMessage:   message,
			ClientIP:       opts.ClientIP,
			UserAgent:      opts.UserAgent,
			APIKeyUsed:     opts.APIKeyUsed,
			ExecutedAt:     start,
		}
		if resp != nil {
			rec.ResponseSize = int64(len(resp.Body))
			rec.ResponseHeaders = execlog.FlattenHeaders(resp.Headers)
			rec.ResponseBody = e.deps.Log.CapBody(resp.Body)
		}
		e.deps.Log.Record(rec)
	}

	return resp, err
}

func (e *Engine) run(ctx context.Context, project *model.Project, fn *model.Function, req *sandbox.Request) (*sandbox.Response, []model.ConsoleLine, error) {
	if e.deps.Tracer != nil {
		var span trace.Span
		ctx, span = e.deps.Tracer.StartSpan(ctx, "invoke "+fn.Name)
		defer span.End()
	}

	if fn.ActiveVersion == 0 {
		return nil, nil, errors.ErrNotFound.WithDetails("function has no active version")
	}
	version, err := e.deps.Store.FunctionVersion(ctx, fn.ID, fn.ActiveVersion)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, nil, errors.ErrNotFound.WithDetails("active version missing")
		}
		logging.Warn("engine: version lookup failed",
			zap.String("function_id", fn.ID.String()), zap.Error(err))
		return nil, nil, errors.ErrInternalServer
	}

	env, err := e.envVars(ctx, fn.ID.String())
	if err != nil {
		logging.Warn("engine: env lookup failed",
			zap.String("function_id", fn.ID.String()), zap.Error(err))
		return nil, nil, errors.ErrInternalServer
	}

	pkg, err := e.deps.Packages.Acquire(ctx, version)
	if err != nil {
		if pe, ok := errors.IsPlatformError(err); ok {
			return nil, nil, pe
		}
		logging.Warn("engine: package fetch failed",
			zap.String("function_id", fn.ID.String()),
			zap.Int("version", fn.ActiveVersion), zap.Error(err))
		return nil, nil, errors.ErrInternalServer
	}
	defer pkg.Release()

	worker, err := e.deps.Workers.Worker(fn.ID.String(), fn.ActiveVersion, pkg.EntryPath)
	if err != nil {
		return nil, nil, err
	}

	timeout := e.limits.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	kvh := sandbox.KVHandle{
		Store:      e.deps.KV,
		ProjectID:  project.ID.String(),
		LimitBytes: project.KVStorageLimitBytes,
	}
	policyFn := func(c context.Context, host string) ([]netip.Addr, error) {
		return e.deps.Policy.Authorize(c, project.ID.String(), host)
	}

	return worker.Execute(runCtx, req, env, kvh, policyFn)
}

func (e *Engine) envVars(ctx context.Context, functionID string) (map[string]string, error) {
	if env, ok := e.env.Get(functionID); ok {
		return env, nil
	}
	id, err := uuid.Parse(functionID)
	if err != nil {
		return nil, err
	}
	env, err := e.deps.Store.EnvVars(ctx, id)
	if err != nil {
		return nil, err
	}
	e.env.Add(functionID, env)
	return env, nil
}

// HandleEvent applies one invalidation event to the engine's caches.
func (e *Engine) HandleEvent(ev bus.Event) {
	switch ev.Table {
	case bus.TableFunctionEnvVars:
		if ev.FunctionID != "" {
			e.env.Remove(ev.FunctionID)
		} else {
			e.env.Purge()
		}
	case bus.TableFunctions, bus.TableFunctionVersions:
		if ev.FunctionID != "" {
			e.env.Remove(ev.FunctionID)
			e.deps.Workers.Invalidate(ev.FunctionID)
		} else {
			e.Flush()
		}
	}
}

// Flush drops every cached snapshot and worker. Called on bus reconnect.
func (e *Engine) Flush() {
	e.env.Purge()
	e.deps.Workers.Flush()
}

func platformOf(err error) *errors.PlatformError {
	if pe, ok := errors.IsPlatformError(err); ok {
		return pe
	}
	return errors.ErrInternalServer
}
