package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/crypto/bcrypt"

	"github.com/wudi/funcrun/internal/engine"
	"github.com/wudi/funcrun/internal/errors"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/sandbox"
)

// authorize evaluates the route's ordered auth methods. Empty chain grants.
// or: the first passing method grants; and: every method must pass.
func (s *Server) authorize(r *http.Request, project *model.Project, table *model.GatewayTable, route *model.Route) error {
	if len(route.AuthMethodIDs) == 0 {
		return nil
	}

	var lastErr error
	for _, id := range route.AuthMethodIDs {
		method, ok := table.AuthMethods[id]
		if !ok {
			lastErr = errors.ErrUnauthorized.WithDetails("auth method missing")
			if route.AuthLogic == model.AuthAnd {
				return lastErr
			}
			continue
		}
		err := s.evalAuthMethod(r, project, &method)
		if route.AuthLogic == model.AuthAnd {
			if err != nil {
				return err
			}
			continue
		}
		// or
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if route.AuthLogic == model.AuthAnd {
		return nil
	}
	if lastErr == nil {
		lastErr = errors.ErrUnauthorized
	}
	return lastErr
}

func (s *Server) evalAuthMethod(r *http.Request, project *model.Project, method *model.AuthMethod) error {
	switch method.Type {
	case model.AuthBasic:
		var cfg model.BasicAuthConfig
		if err := json.Unmarshal(method.Config, &cfg); err != nil {
			return errors.ErrUnauthorized.WithDetails("malformed basic_auth config")
		}
		return verifyBasic(r, cfg)
	case model.AuthBearerJWT:
		var cfg model.BearerJWTConfig
		if err := json.Unmarshal(method.Config, &cfg); err != nil {
			return errors.ErrUnauthorized.WithDetails("malformed bearer_jwt config")
		}
		return s.verifyJWT(r, cfg)
	case model.AuthAPIKey:
		var cfg model.APIKeyConfig
		if err := json.Unmarshal(method.Config, &cfg); err != nil {
			return errors.ErrUnauthorized.WithDetails("malformed api_key config")
		}
		return verifyAPIKey(r, cfg)
	case model.AuthMiddleware:
		var cfg model.MiddlewareConfig
		if err := json.Unmarshal(method.Config, &cfg); err != nil {
			return errors.ErrForbidden.WithDetails("malformed middleware config")
		}
		return s.verifyMiddleware(r, project, cfg)
	default:
		return errors.ErrUnauthorized.WithDetails("unknown auth method type")
	}
}

// verifyBasic checks Basic credentials against the user list. Stored
// passwords are bcrypt hashes or literals.
func verifyBasic(r *http.Request, cfg model.BasicAuthConfig) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		return errors.ErrUnauthorized.WithDetails("basic credentials not provided")
	}
	for _, u := range cfg.Users {
		if u.Username != username {
			continue
		}
		if isBcryptHash(u.Password) {
			if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) == nil {
				return nil
			}
		} else if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1 {
			return nil
		}
	}
	return errors.ErrUnauthorized.WithDetails("invalid credentials")
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return auth[7:]
	}
	return ""
}

func (s *Server) verifyJWT(r *http.Request, cfg model.BearerJWTConfig) error {
	tokenString := bearerToken(r)
	if tokenString == "" {
		return errors.ErrUnauthorized.WithDetails("bearer token not provided")
	}

	var keyFunc jwt.Keyfunc
	switch cfg.Mode {
	case model.JWTFixedSecret:
		keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		}
	case model.JWTJWKS:
		kf, err := s.jwks.keyFunc(cfg.JWKSURL)
		if err != nil {
			return errors.ErrUnauthorized.WithDetails("JWKS unavailable")
		}
		keyFunc = kf
	default:
		return errors.ErrUnauthorized.WithDetails("unknown bearer_jwt mode")
	}

	token, err := jwt.Parse(tokenString, keyFunc)
	if err != nil || !token.Valid {
		return errors.ErrUnauthorized.WithDetails("invalid token")
	}
	return nil
}

func verifyAPIKey(r *http.Request, cfg model.APIKeyConfig) error {
	header := cfg.Header
	if header == "" {
		header = "X-Api-Key"
	}
	key := r.Header.Get(header)
	if key == "" {
		return errors.ErrUnauthorized.WithDetails("API key not provided")
	}
	for _, k := range cfg.Keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return nil
		}
	}
	return errors.ErrUnauthorized.WithDetails("invalid API key")
}

// verifyMiddleware invokes another function in the project as a predicate.
// The run sees the original request only; a 2xx response grants, anything
// else denies.
func (s *Server) verifyMiddleware(r *http.Request, project *model.Project, cfg model.MiddlewareConfig) error {
	fn, err := s.store.FunctionByID(r.Context(), cfg.FunctionID)
	if err != nil {
		return errors.ErrForbidden.WithDetails("middleware function missing")
	}
	if fn.ProjectID != project.ID {
		return errors.ErrForbidden.WithDetails("middleware function outside project")
	}

	req := &sandbox.Request{
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: r.Header,
		IP:      clientIP(r),
	}
	resp, err := s.engine.Invoke(r.Context(), project, fn, req, engine.Options{SkipLog: true})
	if err != nil || resp.Status >= 400 {
		return errors.ErrForbidden.WithDetails("middleware denied the request")
	}
	return nil
}

// jwksCache holds one auto-refreshing key cache per JWKS URL.
type jwksCache struct {
	mu     sync.Mutex
	caches map[string]*jwk.Cache
}

func newJWKSCache() *jwksCache {
	return &jwksCache{caches: make(map[string]*jwk.Cache)}
}

func (j *jwksCache) keyFunc(url string) (jwt.Keyfunc, error) {
	j.mu.Lock()
	cache, ok := j.caches[url]
	if !ok {
		cache = jwk.NewCache(context.Background())
		if err := cache.Register(url, jwk.WithMinRefreshInterval(time.Hour)); err != nil {
			j.mu.Unlock()
			return nil, err
		}
		j.caches[url] = cache
	}
	j.mu.Unlock()

	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keySet, err := cache.Get(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("fetch JWKS: %w", err)
		}
		kid, _ := token.Header["kid"].(string)
		if kid != "" {
			key, found := keySet.LookupKeyID(kid)
			if !found {
				return nil, fmt.Errorf("key %q not in JWKS", kid)
			}
			var raw interface{}
			if err := key.Raw(&raw); err != nil {
				return nil, err
			}
			return raw, nil
		}
		if keySet.Len() == 0 {
			return nil, fmt.Errorf("empty JWKS")
		}
		key, _ := keySet.Key(0)
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}, nil
}
