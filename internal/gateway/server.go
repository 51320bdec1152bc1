// Package gateway is the public HTTP surface: it resolves the project from
// the host or path, matches a literal route, enforces CORS, auth chains and
// per-project limits, then dispatches to the execution engine. The system
// and admin endpoints share the listener.
package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	stderrors "errors"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/bus"
	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/engine"
	"github.com/wudi/funcrun/internal/errors"
	"github.com/wudi/funcrun/internal/logging"
	"github.com/wudi/funcrun/internal/metrics"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/sandbox"
	"github.com/wudi/funcrun/internal/store"
)

// maxRequestBody caps what the gateway buffers for one invocation.
const maxRequestBody = 16 << 20

// Server routes public traffic to functions.
type Server struct {
	cfg     config.ServerConfig
	gw      config.GatewayConfig
	store   store.Store
	engine  *engine.Engine
	metrics *metrics.Collector

	jwks   *jwksCache
	limits *projectLimits

	// tables caches the per-project routing snapshot; projects caches
	// host/slug resolution. Both flush on gateway_invalidated events.
	tables   *expirable.LRU[string, *model.GatewayTable]
	projects *expirable.LRU[string, *model.Project]
}

// NewServer creates the gateway server.
func NewServer(cfg config.ServerConfig, gw config.GatewayConfig, st store.Store, eng *engine.Engine, m *metrics.Collector) *Server {
	return &Server{
		cfg:      cfg,
		gw:       gw,
		store:    st,
		engine:   eng,
		metrics:  m,
		jwks:     newJWKSCache(),
		limits:   newProjectLimits(gw),
		tables:   expirable.NewLRU[string, *model.GatewayTable](1024, nil, gw.RouteCacheTTL),
		projects: expirable.NewLRU[string, *model.Project](4096, nil, gw.RouteCacheTTL),
	}
}

// Handler returns the root handler: system and admin endpoints on the
// router, everything else dispatched as gateway traffic.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealthz)
	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	s.registerAdmin(router)

	router.HandleMethodNotAllowed = false
	router.NotFound = http.HandlerFunc(s.dispatch)
	return router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

// dispatch serves one public gateway request.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, rest, err := s.resolveProject(ctx, hostOnly(r.Host), r.URL.Path)
	if err != nil {
		writePlatformError(w, err, s.gw)
		return
	}

	table, err := s.gatewayTable(ctx, project.ID)
	if err != nil {
		writePlatformError(w, err, s.gw)
		return
	}
	if !table.Config.Enabled {
		writePlatformError(w, errors.ErrNotFound, s.gw)
		return
	}

	route := matchRoute(table, rest)
	if route == nil {
		writePlatformError(w, errors.ErrNotFound, s.gw)
		return
	}

	if isPreflight(r, route.CORS) {
		handlePreflight(w, r, route.CORS)
		return
	}
	applyCORSHeaders(w, r, route.CORS)

	if !methodAllowed(route, r.Method) {
		w.Header().Set("Allow", strings.Join(route.Methods, ", "))
		writePlatformError(w, errors.ErrMethodNotAllowed, s.gw)
		return
	}

	if err := s.authorize(r, project, table, route); err != nil {
		writePlatformError(w, err, s.gw)
		return
	}

	fn, err := s.store.FunctionByID(ctx, route.FunctionID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			writePlatformError(w, errors.ErrNotFound, s.gw)
			return
		}
		logging.Warn("gateway: function lookup failed",
			zap.String("function_id", route.FunctionID.String()), zap.Error(err))
		writePlatformError(w, errors.ErrInternalServer, s.gw)
		return
	}

	// Function-level API key, checked after the route's auth chain.
	apiKeyUsed := false
	if fn.RequiresAPIKey {
		key := r.Header.Get("X-Api-Key")
		if key == "" || key != fn.APIKey {
			writePlatformError(w, errors.ErrUnauthorized.WithDetails("function API key required"), s.gw)
			return
		}
		apiKeyUsed = true
	}

	release, err := s.limits.acquire(project.ID.String())
	if err != nil {
		if s.metrics != nil {
			if errors.KindOf(err) == errors.KindRateLimited {
				s.metrics.RecordRejected("rate")
			} else {
				s.metrics.RecordRejected("inflight")
			}
		}
		writePlatformError(w, err, s.gw)
		return
	}
	defer release()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writePlatformError(w, errors.ErrBadRequest.WithDetails("unreadable request body"), s.gw)
		return
	}

	req := &sandbox.Request{
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Path:    rest,
		Query:   r.URL.Query(),
		Headers: r.Header,
		Body:    body,
		IP:      clientIP(r),
	}
	resp, err := s.engine.Invoke(ctx, project, fn, req, engine.Options{
		ClientIP:   req.IP,
		UserAgent:  r.UserAgent(),
		APIKeyUsed: apiKeyUsed,
	})
	if err != nil {
		writePlatformError(w, err, s.gw)
		return
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// resolveProject maps the host or the leading path segment to a project and
// returns the route path remainder.
func (s *Server) resolveProject(ctx context.Context, host, path string) (*model.Project, string, error) {
	if host != "" && host != s.cfg.DefaultDomain {
		if p, ok := s.projects.Get("domain|" + host); ok {
			return p, normalizePath(path), nil
		}
		p, err := s.store.ProjectByDomain(ctx, host)
		if err == nil {
			s.projects.Add("domain|"+host, p)
			return p, normalizePath(path), nil
		}
		if !stderrors.Is(err, store.ErrNotFound) {
			logging.Warn("gateway: domain lookup failed", zap.String("host", host), zap.Error(err))
			return nil, "", errors.ErrInternalServer
		}
		// Unknown host: fall through to slug resolution so deployments
		// behind additional hostnames keep working.
	}

	slug, rest := splitSlug(path)
	if slug == "" {
		return nil, "", errors.ErrNotFound
	}
	if p, ok := s.projects.Get("slug|" + slug); ok {
		return p, rest, nil
	}
	p, err := s.store.ProjectBySlug(ctx, slug)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, "", errors.ErrNotFound
		}
		logging.Warn("gateway: slug lookup failed", zap.String("slug", slug), zap.Error(err))
		return nil, "", errors.ErrInternalServer
	}
	s.projects.Add("slug|"+slug, p)
	return p, rest, nil
}

// gatewayTable returns the cached routing snapshot for a project.
func (s *Server) gatewayTable(ctx context.Context, projectID uuid.UUID) (*model.GatewayTable, error) {
	key := projectID.String()
	if t, ok := s.tables.Get(key); ok {
		return t, nil
	}
	t, err := s.store.GatewayTable(ctx, projectID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.ErrNotFound
		}
		logging.Warn("gateway: table load failed",
			zap.String("project_id", key), zap.Error(err))
		return nil, errors.ErrInternalServer
	}
	s.tables.Add(key, t)
	return t, nil
}

// matchRoute finds the route whose stored path equals the remaining path.
func matchRoute(table *model.GatewayTable, path string) *model.Route {
	for i := range table.Routes {
		if table.Routes[i].Path == path {
			return &table.Routes[i]
		}
	}
	return nil
}

func methodAllowed(route *model.Route, method string) bool {
	for _, m := range route.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// HandleEvent applies one invalidation event.
func (s *Server) HandleEvent(e bus.Event) {
	if e.Channel == bus.ChannelGateway {
		s.tables.Purge()
		s.projects.Purge()
	}
}

// Flush drops every cached snapshot. Called on bus reconnect.
func (s *Server) Flush() {
	s.tables.Purge()
	s.projects.Purge()
}

func writePlatformError(w http.ResponseWriter, err error, gw config.GatewayConfig) {
	pe, ok := errors.IsPlatformError(err)
	if !ok {
		pe = errors.ErrInternalServer
	}
	if pe.Code == http.StatusServiceUnavailable {
		retry := gw.RetryAfter
		if retry <= 0 {
			retry = 2 * time.Second
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
	}
	pe.WriteJSON(w)
}

// clientIP extracts the caller address: first X-Forwarded-For hop, else the
// connection peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// splitSlug separates "/<slug>/<rest>" into its parts.
func splitSlug(path string) (string, string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i:]
	}
	return path, "/"
}
