// Package sandbox runs one handler invocation inside a pooled Lua VM. The
// entry module must define a global handler(req, res); everything the
// handler can touch is bridged through userdata and module tables, so user
// code never holds a host object.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/errors"
	"github.com/wudi/funcrun/internal/kv"
	"github.com/wudi/funcrun/internal/logging"
	"github.com/wudi/funcrun/internal/model"
)

// Request describes one invocation's input.
type Request struct {
	Method  string
	URL     string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    []byte
	IP      string
}

// Response is what the handler produced.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// KVHandle scopes KV access to the invoking project.
type KVHandle struct {
	Store      kv.Store
	ProjectID  string
	LimitBytes int64
}

// PolicyFunc authorizes one outbound connection attempt and returns the
// addresses the dialer may use.
type PolicyFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// invocation is the per-run state the bridged modules close over.
type invocation struct {
	ctx     context.Context
	req     *Request
	res     *resBuffer
	env     map[string]string
	kv      KVHandle
	policy  PolicyFunc
	console *consoleBuffer
	limits  config.SandboxConfig
}

// Worker executes invocations for one (function, version) with a pool of
// reusable VMs compiled once from the entry module.
type Worker struct {
	proto  *lua.FunctionProto
	limits config.SandboxConfig

	mu   sync.Mutex
	pool []*vm
}

// vm is one interpreter plus the snapshot of its creation-time globals.
// Reset is checked against the snapshot; a VM whose baseline state no longer
// matches is discarded rather than reused.
type vm struct {
	L *lua.LState

	// globals maps every fresh-VM global name to its original value.
	globals map[string]lua.LValue
	// members holds the original contents of each baseline module table, so
	// a handler overwriting e.g. json.encode is caught before reuse.
	members map[string]map[lua.LValue]lua.LValue
}

// NewWorker compiles entryPath and prepares an empty pool.
func NewWorker(entryPath string, limits config.SandboxConfig) (*Worker, error) {
	src, err := os.ReadFile(entryPath)
	if err != nil {
		return nil, errors.Wrap(err, 500, errors.KindInfrastructure, "entry module unreadable")
	}
	chunk, err := parse.Parse(strings.NewReader(string(src)), "index.lua")
	if err != nil {
		return nil, errors.Wrap(err, 500, errors.KindUserError, "entry module does not parse")
	}
	proto, err := lua.Compile(chunk, "index.lua")
	if err != nil {
		return nil, errors.Wrap(err, 500, errors.KindUserError, "entry module does not compile")
	}
	return &Worker{proto: proto, limits: limits}, nil
}

// newState creates a VM with only safe libraries and the pure modules, then
// snapshots its globals.
func (w *Worker) newState() *vm {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenString(L)
	lua.OpenTable(L)
	lua.OpenMath(L)
	registerPure(L)

	v := &vm{
		L:       L,
		globals: make(map[string]lua.LValue),
		members: make(map[string]map[lua.LValue]lua.LValue),
	}
	L.G.Global.ForEach(func(k, val lua.LValue) {
		name := k.String()
		v.globals[name] = val
		if name == "_G" {
			// The globals table itself; covered by the globals map.
			return
		}
		if tbl, ok := val.(*lua.LTable); ok {
			m := make(map[lua.LValue]lua.LValue)
			tbl.ForEach(func(mk, mv lua.LValue) {
				m[mk] = mv
			})
			v.members[name] = m
		}
	})
	return v
}

func (w *Worker) getState() *vm {
	w.mu.Lock()
	if n := len(w.pool); n > 0 {
		v := w.pool[n-1]
		w.pool = w.pool[:n-1]
		w.mu.Unlock()
		return v
	}
	w.mu.Unlock()
	return w.newState()
}

func (w *Worker) putState(v *vm) {
	if !v.reset() {
		v.L.Close()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limits.PoolSize > 0 && len(w.pool) >= w.limits.PoolSize {
		v.L.Close()
		return
	}
	w.pool = append(w.pool, v)
}

// reset removes every global a fresh VM would not have, covering both the
// injected per-invocation modules and anything user code defined, then
// verifies the surviving globals against the creation-time snapshot. A false
// return means user code rebound or mutated baseline state the reset cannot
// undo; the caller must discard the VM.
func (v *vm) reset() bool {
	var extra []lua.LValue
	matched := 0
	clean := true
	v.L.G.Global.ForEach(func(k, val lua.LValue) {
		want, ok := v.globals[k.String()]
		if !ok {
			extra = append(extra, k)
			return
		}
		matched++
		if want != val {
			clean = false
		}
	})
	for _, k := range extra {
		v.L.G.Global.RawSet(k, lua.LNil)
	}
	v.L.SetContext(context.Background())

	// A baseline global set to nil vanishes from the table entirely.
	if !clean || matched != len(v.globals) {
		return false
	}
	for name, snap := range v.members {
		tbl := v.globals[name].(*lua.LTable)
		count := 0
		same := true
		tbl.ForEach(func(mk, mv lua.LValue) {
			count++
			want, ok := snap[mk]
			if !ok || want != mv {
				same = false
			}
		})
		if !same || count != len(snap) {
			return false
		}
	}
	return true
}

// Close drops every pooled VM.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, v := range w.pool {
		v.L.Close()
	}
	w.pool = nil
}

// Execute runs one invocation. Exactly one of (Response, error) is the
// outcome; console output is returned in every case.
func (w *Worker) Execute(ctx context.Context, req *Request, env map[string]string, kvh KVHandle, policy PolicyFunc) (*Response, []model.ConsoleLine, error) {
	inv := &invocation{
		ctx:     ctx,
		req:     req,
		res:     newResBuffer(w.limits.ResponseMaxBytes),
		env:     env,
		kv:      kvh,
		policy:  policy,
		console: newConsoleBuffer(w.limits.ConsoleMaxBytes),
		limits:  w.limits,
	}

	v := w.getState()
	L := v.L
	reusable := false
	defer func() {
		if reusable {
			w.putState(v)
		} else {
			L.Close()
		}
	}()

	L.SetContext(ctx)
	registerInvocation(L, inv)
	L.SetGlobal("req", newRequestUserData(L, inv))
	L.SetGlobal("res", newResponseUserData(L, inv))

	runErr := func() error {
		// The chunk defines handler; then one protected call drives it.
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunctionFromProto(w.proto),
			NRet:    0,
			Protect: true,
		}); err != nil {
			return err
		}
		handler := L.GetGlobal("handler")
		if handler.Type() != lua.LTFunction {
			return errors.New(500, errors.KindUserError, "entry module defines no handler function")
		}
		return L.CallByParam(lua.P{
			Fn:      handler,
			NRet:    0,
			Protect: true,
		}, L.GetGlobal("req"), L.GetGlobal("res"))
	}()

	console := inv.console.lines()
	if runErr != nil {
		return nil, console, mapRunError(ctx, runErr)
	}

	if !inv.res.sent {
		return nil, console, errors.New(500, errors.KindUserError, "handler returned without sending a response")
	}
	reusable = true
	return inv.res.response(), console, nil
}

// mapRunError classifies a Lua execution failure.
func mapRunError(ctx context.Context, err error) error {
	if pe, ok := errors.IsPlatformError(err); ok {
		return pe
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errors.ErrTimeout
	}
	if ctx.Err() == context.Canceled {
		return errors.Wrap(err, 500, errors.KindInfrastructure, "invocation cancelled")
	}
	if apiErr, ok := err.(*lua.ApiError); ok {
		// Bridged failures travel as error values through Lua; recover
		// their platform kind from the message prefix.
		msg := apiErr.Object.String()
		if kind, rest, ok := splitKindPrefix(msg); ok {
			return errors.New(500, kind, rest)
		}
		logging.Debug("sandbox: handler error", zap.String("error", msg))
		return errors.New(500, errors.KindUserError, msg)
	}
	return errors.Wrap(err, 500, errors.KindUserError, err.Error())
}

// kindPrefix wraps a platform kind into a Lua error message so it survives
// the raise/recover round trip.
func kindPrefix(k errors.Kind, msg string) string {
	return "[" + string(k) + "] " + msg
}

func splitKindPrefix(msg string) (errors.Kind, string, bool) {
	// Lua prepends "file:line: " to raised strings.
	if i := strings.Index(msg, "["); i >= 0 {
		if j := strings.Index(msg[i:], "] "); j > 0 {
			k := errors.Kind(msg[i+1 : i+j])
			switch k {
			case errors.KindPolicyDenied, errors.KindQuotaExceeded,
				errors.KindResourceLimit, errors.KindTimeout,
				errors.KindInfrastructure:
				return k, msg[i+j+2:], true
			}
		}
	}
	return "", "", false
}

// raisePlatform raises a platform-kinded error inside the VM.
func raisePlatform(L *lua.LState, k errors.Kind, msg string) {
	L.RaiseError("%s", kindPrefix(k, msg))
}

// consoleBuffer captures log-module output up to a byte cap.
type consoleBuffer struct {
	mu        sync.Mutex
	entries   []model.ConsoleLine
	bytes     int
	max       int
	truncated bool
}

func newConsoleBuffer(maxBytes int) *consoleBuffer {
	return &consoleBuffer{max: maxBytes}
}

func (c *consoleBuffer) add(level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return
	}
	if c.max > 0 && c.bytes+len(msg) > c.max {
		c.entries = append(c.entries, model.ConsoleLine{
			Level: "warn", Message: "console output truncated", TS: time.Now(),
		})
		c.truncated = true
		return
	}
	c.bytes += len(msg)
	c.entries = append(c.entries, model.ConsoleLine{Level: level, Message: msg, TS: time.Now()})
}

func (c *consoleBuffer) lines() []model.ConsoleLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ConsoleLine(nil), c.entries...)
}

// Pool maps (function, version) to a Worker, compiled on first use.
type Pool struct {
	limits config.SandboxConfig

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewPool creates an empty worker pool.
func NewPool(limits config.SandboxConfig) *Pool {
	return &Pool{limits: limits, workers: make(map[string]*Worker)}
}

// Worker returns the worker for a function version, compiling entryPath on
// first use.
func (p *Pool) Worker(functionID string, version int, entryPath string) (*Worker, error) {
	key := fmt.Sprintf("%s/%d", functionID, version)
	p.mu.Lock()
	if w, ok := p.workers[key]; ok {
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()

	w, err := NewWorker(entryPath, p.limits)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.workers[key]; ok {
		w.Close()
		return existing, nil
	}
	p.workers[key] = w
	return w, nil
}

// Invalidate drops every worker for a function.
func (p *Pool) Invalidate(functionID string) {
	prefix := functionID + "/"
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, w := range p.workers {
		if strings.HasPrefix(key, prefix) {
			w.Close()
			delete(p.workers, key)
		}
	}
}

// Flush drops every worker.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, w := range p.workers {
		w.Close()
		delete(p.workers, key)
	}
}
