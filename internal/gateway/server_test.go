package gateway

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/bcrypt"

	"github.com/wudi/funcrun/internal/bus"
	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/engine"
	"github.com/wudi/funcrun/internal/execlog"
	"github.com/wudi/funcrun/internal/kv"
	"github.com/wudi/funcrun/internal/metrics"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/objstore"
	"github.com/wudi/funcrun/internal/pkgcache"
	"github.com/wudi/funcrun/internal/policy"
	"github.com/wudi/funcrun/internal/sandbox"
	"github.com/wudi/funcrun/internal/store"
)

func makeArchive(t *testing.T, script string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{
		Name: "index.lua", Mode: 0o644, Size: int64(len(script)), Typeflag: tar.TypeReg,
	}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	tw.Write([]byte(script))
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

type gwEnv struct {
	store   *store.Memory
	objects *objstore.Store
	engine  *engine.Engine
	policy  *policy.Engine
	server  *Server
	ts      *httptest.Server
	project *model.Project
}

func defaultGatewayCfg() config.GatewayConfig {
	return config.GatewayConfig{
		RouteCacheTTL:      time.Minute,
		EnvCacheTTL:        time.Minute,
		ProjectInflightCap: 16,
		RetryAfter:         2 * time.Second,
	}
}

func newGatewayEnv(t *testing.T, gwCfg config.GatewayConfig) *gwEnv {
	t.Helper()
	m := store.NewMemory()
	objects := objstore.NewMem()
	t.Cleanup(func() { objects.Close() })

	packages, err := pkgcache.New(config.PkgCacheConfig{
		Dir:         filepath.Join(t.TempDir(), "pkg"),
		NegativeTTL: time.Second,
	}, objects)
	if err != nil {
		t.Fatalf("pkgcache: %v", err)
	}

	limits := config.SandboxConfig{
		Timeout:          2 * time.Second,
		ConsoleMaxBytes:  64 << 10,
		ResponseMaxBytes: 1 << 20,
		FetchMaxBytes:    1 << 20,
		PoolSize:         4,
	}
	pool := sandbox.NewPool(limits)
	t.Cleanup(pool.Flush)

	logger := execlog.NewLogger(m, config.ExecLogConfig{
		QueueSize: 256, BatchSize: 8, FlushInterval: 5 * time.Millisecond, BodyMaxBytes: 1024,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go logger.Run(ctx)
	t.Cleanup(func() { cancel(); logger.Wait() })

	pol := policy.NewEngine(m, time.Minute)
	eng := engine.New(engine.Deps{
		Store:    m,
		Packages: packages,
		Workers:  pool,
		Policy:   pol,
		KV:       kv.NewMemory(),
		Log:      logger,
		Metrics:  metrics.NewCollector(),
	}, limits, gwCfg.EnvCacheTTL)

	srv := NewServer(config.ServerConfig{
		DefaultDomain: "fn.example.com",
		AdminToken:    "admintok",
	}, gwCfg, m, eng, metrics.NewCollector())

	// In-process bus: store writes invalidate caches synchronously.
	b := bus.NewMemoryBus()
	m.SetPublisher(b)
	go b.Subscribe(ctx, bus.HandlerFuncs{
		Event: func(e bus.Event) {
			srv.HandleEvent(e)
			eng.HandleEvent(e)
			pol.HandleEvent(e)
			packages.HandleEvent(e)
		},
		Reconnect: func() {
			srv.Flush()
			eng.Flush()
			pol.Flush()
			packages.Flush()
		},
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	env := &gwEnv{store: m, objects: objects, engine: eng, policy: pol, server: srv, ts: ts}
	env.project = &model.Project{ID: uuid.New(), Slug: "alpha", KVStorageLimitBytes: 1 << 20}
	m.CreateProject(env.project)
	return env
}

// deployFunction uploads a one-file package and returns the activated function.
func (e *gwEnv) deployFunction(t *testing.T, name, script string) *model.Function {
	t.Helper()
	fn := &model.Function{ID: uuid.New(), ProjectID: e.project.ID, Name: name}
	e.store.CreateFunction(fn)

	archive := makeArchive(t, script)
	sum := sha256.Sum256(archive)
	if err := e.objects.Put(context.Background(),
		objstore.PackageKey(fn.ID.String(), 1), bytes.NewReader(archive)); err != nil {
		t.Fatalf("put archive: %v", err)
	}
	e.store.AddVersion(&model.FunctionVersion{
		FunctionID: fn.ID,
		Version:    1,
		Hash:       hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(archive)),
	}, true)
	fn.ActiveVersion = 1
	return fn
}

func (e *gwEnv) setTable(gt *model.GatewayTable) {
	gt.Config.ProjectID = e.project.ID
	if gt.Config.ID == uuid.Nil {
		gt.Config.ID = uuid.New()
	}
	gt.Config.Enabled = true
	e.store.SetGatewayTable(e.project.ID, gt)
}

func (e *gwEnv) request(t *testing.T, method, path string, mutate func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "fn.example.com"
	if mutate != nil {
		mutate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

const pongScript = `
	function handler(req, res)
		res:send("pong")
	end
`

func basicAndKeyMethods(gatewayID uuid.UUID, bobHash string) (map[uuid.UUID]model.AuthMethod, []uuid.UUID) {
	basicID, keyID := uuid.New(), uuid.New()
	basicCfg, _ := json.Marshal(model.BasicAuthConfig{Users: []model.BasicAuthUser{
		{Username: "alice", Password: "s3cret"},
		{Username: "bob", Password: bobHash},
	}})
	keyCfg, _ := json.Marshal(model.APIKeyConfig{Header: "X-Key", Keys: []string{"k1"}})
	methods := map[uuid.UUID]model.AuthMethod{
		basicID: {ID: basicID, GatewayID: gatewayID, Name: "team-basic", Type: model.AuthBasic, Config: basicCfg},
		keyID:   {ID: keyID, GatewayID: gatewayID, Name: "partner-key", Type: model.AuthAPIKey, Config: keyCfg},
	}
	return methods, []uuid.UUID{basicID, keyID}
}

func TestRoutingAndAuthOr(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	fn := env.deployFunction(t, "echo", pongScript)

	bobHash, _ := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	gatewayID := uuid.New()
	methods, order := basicAndKeyMethods(gatewayID, string(bobHash))
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/ping", Methods: []string{"GET"},
			AuthLogic: model.AuthOr, AuthMethodIDs: order,
		}},
		AuthMethods: methods,
	})

	resp := env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.SetBasicAuth("alice", "s3cret")
	})
	if resp.StatusCode != 200 || readBody(t, resp) != "pong" {
		t.Errorf("basic auth: status %d", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.SetBasicAuth("bob", "hunter2")
	})
	if resp.StatusCode != 200 {
		t.Errorf("bcrypt basic auth: status %d", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.Header.Set("X-Key", "k1")
	})
	if resp.StatusCode != 200 {
		t.Errorf("api key auth: status %d", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/alpha/ping", nil)
	if resp.StatusCode != 401 {
		t.Errorf("no credentials: status %d, want 401", resp.StatusCode)
	}

	resp = env.request(t, "POST", "/alpha/ping", func(r *http.Request) {
		r.SetBasicAuth("alice", "s3cret")
	})
	if resp.StatusCode != 405 {
		t.Errorf("POST: status %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, "GET") {
		t.Errorf("Allow = %q", allow)
	}
}

func TestAuthAndComposition(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	fn := env.deployFunction(t, "echo", pongScript)

	gatewayID := uuid.New()
	methods, order := basicAndKeyMethods(gatewayID, "")
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/ping", Methods: []string{"GET"},
			AuthLogic: model.AuthAnd, AuthMethodIDs: order,
		}},
		AuthMethods: methods,
	})

	resp := env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.SetBasicAuth("alice", "s3cret")
	})
	if resp.StatusCode != 401 {
		t.Errorf("basic only: status %d, want 401", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.SetBasicAuth("alice", "s3cret")
		r.Header.Set("X-Key", "k1")
	})
	if resp.StatusCode != 200 {
		t.Errorf("both methods: status %d, want 200", resp.StatusCode)
	}
}

func TestPolicyBlockedFetch(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	pid := env.project.ID
	env.store.AddNetworkRule(model.NetworkRule{
		ID: uuid.New(), ProjectID: &pid, Action: model.RuleDeny,
		TargetType: model.TargetCIDR, TargetValue: "10.0.0.0/8", Priority: 1,
	})
	env.store.AddNetworkRule(model.NetworkRule{
		ID: uuid.New(), ProjectID: &pid, Action: model.RuleAllow,
		TargetType: model.TargetCIDR, TargetValue: "0.0.0.0/0", Priority: 2,
	})

	fn := env.deployFunction(t, "fetcher", `
		function handler(req, res)
			http.get("http://10.1.2.3/")
			res:send("unreachable")
		end
	`)
	gatewayID := uuid.New()
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/fetch", Methods: []string{"GET"},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{},
	})

	resp := env.request(t, "GET", "/alpha/fetch", nil)
	if resp.StatusCode < 500 {
		t.Errorf("status %d, want 5xx", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "policy_denied") {
		t.Errorf("body = %q, want policy_denied kind", body)
	}
}

func TestEnvChangePropagates(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	fn := env.deployFunction(t, "feature", `
		function handler(req, res)
			res:send(env.FEATURE or "unset")
		end
	`)
	gatewayID := uuid.New()
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/feature", Methods: []string{"GET"},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{},
	})

	resp := env.request(t, "GET", "/alpha/feature", nil)
	if got := readBody(t, resp); got != "unset" {
		t.Fatalf("initial = %q", got)
	}

	// Wait for the subscription goroutine before relying on delivery.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		env.store.SetEnvVar(fn.ID, "FEATURE", "on")
		resp = env.request(t, "GET", "/alpha/feature", nil)
		if readBody(t, resp) == "on" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("env change never observed")
}

func TestCustomDomainRouting(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	fn := env.deployFunction(t, "echo", pongScript)
	gatewayID := uuid.New()
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID, CustomDomain: "api.alpha.io"},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/ping", Methods: []string{"GET"},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{},
	})

	resp := env.request(t, "GET", "/ping", func(r *http.Request) {
		r.Host = "api.alpha.io"
	})
	if resp.StatusCode != 200 || readBody(t, resp) != "pong" {
		t.Errorf("custom domain: status %d", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/nope", func(r *http.Request) {
		r.Host = "api.alpha.io"
	})
	if resp.StatusCode != 404 {
		t.Errorf("unknown route: status %d, want 404", resp.StatusCode)
	}
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	fn := env.deployFunction(t, "echo", pongScript)
	gatewayID := uuid.New()
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/ping", Methods: []string{"GET"},
			CORS: model.CORSSettings{
				Enabled:      true,
				AllowOrigins: []string{"https://app.example.org"},
				AllowMethods: []string{"GET"},
				MaxAge:       600,
			},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{},
	})

	resp := env.request(t, "OPTIONS", "/alpha/ping", func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example.org")
		r.Header.Set("Access-Control-Request-Method", "GET")
	})
	if resp.StatusCode != 204 {
		t.Fatalf("preflight status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.org" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("max-age = %q", got)
	}

	// Preflight from an origin not in the allow list: 204, header absent,
	// handler untouched.
	resp = env.request(t, "OPTIONS", "/alpha/ping", func(r *http.Request) {
		r.Header.Set("Origin", "https://evil.example.org")
		r.Header.Set("Access-Control-Request-Method", "GET")
	})
	if resp.StatusCode != 204 {
		t.Fatalf("preflight status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got allow-origin %q", got)
	}

	resp = env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example.org")
	})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.org" {
		t.Errorf("response allow-origin = %q", got)
	}
}

func TestFunctionAPIKeyAfterRouteAuth(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	fn := env.deployFunction(t, "echo", pongScript)
	fn.RequiresAPIKey = true
	fn.APIKey = "fk-123"
	env.store.CreateFunction(fn)

	gatewayID := uuid.New()
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/ping", Methods: []string{"GET"},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{},
	})

	resp := env.request(t, "GET", "/alpha/ping", nil)
	if resp.StatusCode != 401 {
		t.Errorf("missing function key: status %d, want 401", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.Header.Set("X-Api-Key", "fk-123")
	})
	if resp.StatusCode != 200 {
		t.Errorf("with function key: status %d, want 200", resp.StatusCode)
	}
}

func TestInflightCapOverload(t *testing.T) {
	cfg := defaultGatewayCfg()
	cfg.ProjectInflightCap = 1
	env := newGatewayEnv(t, cfg)
	fn := env.deployFunction(t, "slow", `
		function handler(req, res)
			sleep(300)
			res:send("done")
		end
	`)
	gatewayID := uuid.New()
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/slow", Methods: []string{"GET"},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{},
	})

	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i > 0 {
				time.Sleep(50 * time.Millisecond) // let the first request occupy the slot
			}
			req, _ := http.NewRequest("GET", env.ts.URL+"/alpha/slow", nil)
			req.Host = "fn.example.com"
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	if statuses[0] != 200 {
		t.Errorf("first request status %d", statuses[0])
	}
	if statuses[1] != 503 {
		t.Errorf("second request status %d, want 503", statuses[1])
	}
}

func TestRateLimitRejects(t *testing.T) {
	cfg := defaultGatewayCfg()
	cfg.ProjectRateLimit = 1
	cfg.ProjectRateBurst = 1
	env := newGatewayEnv(t, cfg)
	fn := env.deployFunction(t, "echo", pongScript)
	gatewayID := uuid.New()
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/ping", Methods: []string{"GET"},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{},
	})

	resp := env.request(t, "GET", "/alpha/ping", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("first request: status %d", resp.StatusCode)
	}
	resp = env.request(t, "GET", "/alpha/ping", nil)
	if resp.StatusCode != 429 {
		t.Errorf("second request: status %d, want 429", resp.StatusCode)
	}
}

func TestJWTFixedSecret(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	fn := env.deployFunction(t, "echo", pongScript)

	gatewayID, methodID := uuid.New(), uuid.New()
	jwtCfg, _ := json.Marshal(model.BearerJWTConfig{Mode: model.JWTFixedSecret, Secret: "topsecret"})
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/ping", Methods: []string{"GET"},
			AuthLogic: model.AuthOr, AuthMethodIDs: []uuid.UUID{methodID},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{
			methodID: {ID: methodID, GatewayID: gatewayID, Name: "jwt", Type: model.AuthBearerJWT, Config: jwtCfg},
		},
	})

	sign := func(secret string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "u1",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		s, err := tok.SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	resp := env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+sign("topsecret"))
	})
	if resp.StatusCode != 200 {
		t.Errorf("valid token: status %d", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+sign("wrong"))
	})
	if resp.StatusCode != 401 {
		t.Errorf("bad signature: status %d, want 401", resp.StatusCode)
	}
}

func TestMiddlewareAuth(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	fn := env.deployFunction(t, "echo", pongScript)
	guard := env.deployFunction(t, "guard", `
		function handler(req, res)
			if req:header("X-Team") == "core" then
				res:send_status(204)
			else
				res:status(403):send("no")
			end
		end
	`)

	gatewayID, methodID := uuid.New(), uuid.New()
	mwCfg, _ := json.Marshal(model.MiddlewareConfig{FunctionID: guard.ID})
	env.setTable(&model.GatewayTable{
		Config: model.GatewayConfig{ID: gatewayID},
		Routes: []model.Route{{
			ID: uuid.New(), GatewayID: gatewayID, FunctionID: fn.ID,
			Path: "/ping", Methods: []string{"GET"},
			AuthLogic: model.AuthAnd, AuthMethodIDs: []uuid.UUID{methodID},
		}},
		AuthMethods: map[uuid.UUID]model.AuthMethod{
			methodID: {ID: methodID, GatewayID: gatewayID, Name: "guard", Type: model.AuthMiddleware, Config: mwCfg},
		},
	})

	resp := env.request(t, "GET", "/alpha/ping", func(r *http.Request) {
		r.Header.Set("X-Team", "core")
	})
	if resp.StatusCode != 200 {
		t.Errorf("middleware grant: status %d", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/alpha/ping", nil)
	if resp.StatusCode != 403 {
		t.Errorf("middleware deny: status %d, want 403", resp.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newGatewayEnv(t, defaultGatewayCfg())
	env.deployFunction(t, "echo", pongScript)

	resp := env.request(t, "GET", "/admin/functions/echo", nil)
	if resp.StatusCode != 401 {
		t.Errorf("no token: status %d, want 401", resp.StatusCode)
	}

	withToken := func(r *http.Request) { r.Header.Set("Authorization", "Bearer admintok") }

	resp = env.request(t, "GET", "/admin/functions/echo", withToken)
	if resp.StatusCode != 200 {
		t.Fatalf("function get: status %d", resp.StatusCode)
	}
	var view functionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Name != "echo" || view.ActiveVersion != 1 {
		t.Errorf("view = %+v", view)
	}

	resp = env.request(t, "GET", "/admin/functions/ghost", withToken)
	if resp.StatusCode != 404 {
		t.Errorf("unknown function: status %d, want 404", resp.StatusCode)
	}

	// Enable a schedule through the admin surface.
	body := strings.NewReader(`{"enabled":true,"cron":"*/5 * * * *"}`)
	req, _ := http.NewRequest("PUT", env.ts.URL+"/admin/functions/echo/schedule", body)
	req.Host = "fn.example.com"
	withToken(req)
	sResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer sResp.Body.Close()
	if sResp.StatusCode != 200 {
		t.Fatalf("schedule set: status %d", sResp.StatusCode)
	}
	if err := json.NewDecoder(sResp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if !view.ScheduleOn || view.NextExecution == nil {
		t.Errorf("schedule view = %+v", view)
	}
}
