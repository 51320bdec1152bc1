package policy

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/bus"
	"github.com/wudi/funcrun/internal/errors"
	"github.com/wudi/funcrun/internal/logging"
	"github.com/wudi/funcrun/internal/store"
)

// Resolver turns a host name into addresses. net.DefaultResolver in
// production, a fixture in tests.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Engine evaluates egress permissions with compiled rule sets cached per
// project.
type Engine struct {
	store    store.Store
	resolver Resolver

	projects *expirable.LRU[string, *RuleSet]

	mu           sync.Mutex
	global       *RuleSet
	globalLoaded time.Time
	ttl          time.Duration
}

// NewEngine creates an engine caching compiled rules for ttl.
func NewEngine(st store.Store, ttl time.Duration) *Engine {
	return &Engine{
		store:    st,
		resolver: net.DefaultResolver,
		projects: expirable.NewLRU[string, *RuleSet](1024, nil, ttl),
		ttl:      ttl,
	}
}

// SetResolver overrides DNS resolution (tests).
func (e *Engine) SetResolver(r Resolver) { e.resolver = r }

// Authorize resolves host and checks the project's egress policy. A nil
// return means the connection may proceed; addrs carries the resolved
// addresses so the dialer connects to exactly what was checked.
func (e *Engine) Authorize(ctx context.Context, projectID string, host string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		resolved, err := e.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, errors.ErrPolicyDenied.WithDetails("host did not resolve: " + host)
		}
		addrs = resolved
	}

	project, err := e.projectRules(ctx, projectID)
	if err != nil {
		return nil, errors.Wrap(err, 500, errors.KindInfrastructure, "policy load failed")
	}
	global, err := e.globalRules(ctx)
	if err != nil {
		return nil, errors.Wrap(err, 500, errors.KindInfrastructure, "policy load failed")
	}

	d := Evaluate(project, global, host, addrs)
	if !d.Allowed {
		logging.Debug("policy: egress denied",
			zap.String("project_id", projectID),
			zap.String("host", host),
			zap.String("tier", d.Tier))
		return nil, errors.ErrPolicyDenied.WithDetails(host + ": " + d.String())
	}
	return addrs, nil
}

func (e *Engine) projectRules(ctx context.Context, projectID string) (*RuleSet, error) {
	if rs, ok := e.projects.Get(projectID); ok {
		return rs, nil
	}
	pid, err := uuid.Parse(projectID)
	if err != nil {
		return nil, err
	}
	rules, err := e.store.ProjectNetworkRules(ctx, pid)
	if err != nil {
		return nil, err
	}
	rs := Compile(rules)
	e.projects.Add(projectID, rs)
	return rs, nil
}

func (e *Engine) globalRules(ctx context.Context) (*RuleSet, error) {
	e.mu.Lock()
	if e.global != nil && time.Since(e.globalLoaded) < e.ttl {
		rs := e.global
		e.mu.Unlock()
		return rs, nil
	}
	e.mu.Unlock()

	rules, err := e.store.GlobalNetworkRules(ctx)
	if err != nil {
		return nil, err
	}
	rs := Compile(rules)
	e.mu.Lock()
	e.global = rs
	e.globalLoaded = time.Now()
	e.mu.Unlock()
	return rs, nil
}

// HandleEvent applies a bus invalidation.
func (e *Engine) HandleEvent(ev bus.Event) {
	switch ev.Table {
	case bus.TableProjectPolicies:
		if ev.ProjectID != "" {
			e.projects.Remove(ev.ProjectID)
		} else {
			e.Flush()
		}
	case bus.TableGlobalPolicies:
		e.mu.Lock()
		e.global = nil
		e.mu.Unlock()
	}
}

// Flush drops every cached rule set (bus reconnect).
func (e *Engine) Flush() {
	e.projects.Purge()
	e.mu.Lock()
	e.global = nil
	e.mu.Unlock()
}
