// Package model defines the persistent domain entities shared by the store,
// gateway, scheduler and execution engine.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Project owns functions, a gateway config, network policies and a KV namespace.
type Project struct {
	ID                  uuid.UUID
	Slug                string
	Name                string
	KVStorageLimitBytes int64
	CreatedAt           time.Time
}

// RetentionMode selects how execution logs for a function are pruned.
type RetentionMode string

const (
	RetentionNone  RetentionMode = "none"
	RetentionDays  RetentionMode = "days"
	RetentionCount RetentionMode = "count"
)

// RetentionPolicy is either time-based, count-based, or absent.
type RetentionPolicy struct {
	Mode  RetentionMode
	Days  int
	Count int
}

// Function is a deployable handler belonging to a project.
type Function struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	Name          string
	ActiveVersion int // 0 = no active version

	RequiresAPIKey bool
	APIKey         string

	ScheduleEnabled        bool
	ScheduleCron           string
	NextExecution          *time.Time
	LastScheduledExecution *time.Time

	Retention RetentionPolicy
	CreatedAt time.Time
}

// FunctionVersion is one immutable packaged revision of a function.
type FunctionVersion struct {
	FunctionID uuid.UUID
	Version    int
	Hash       string // hex SHA-256 of the archive
	SizeBytes  int64
	CreatedAt  time.Time
}

// EnvironmentVariable is a per-function name/value pair. Names match
// [A-Z_][A-Z0-9_]*.
type EnvironmentVariable struct {
	FunctionID uuid.UUID
	Name       string
	Value      string
}

// RuleAction is allow or deny.
type RuleAction string

const (
	RuleAllow RuleAction = "allow"
	RuleDeny  RuleAction = "deny"
)

// RuleTargetType selects how a network rule matches.
type RuleTargetType string

const (
	TargetIP     RuleTargetType = "ip"
	TargetCIDR   RuleTargetType = "cidr"
	TargetDomain RuleTargetType = "domain"
)

// NetworkRule is one ordered egress rule. ProjectID is nil for global rules.
type NetworkRule struct {
	ID          uuid.UUID
	ProjectID   *uuid.UUID
	Action      RuleAction
	TargetType  RuleTargetType
	TargetValue string
	Description string
	Priority    int
}

// GatewayConfig enables the public HTTP surface for a project.
type GatewayConfig struct {
	ID           uuid.UUID
	ProjectID    uuid.UUID
	Enabled      bool
	CustomDomain string // globally unique, optional
}

// AuthLogic composes a route's auth methods.
type AuthLogic string

const (
	AuthOr  AuthLogic = "or"
	AuthAnd AuthLogic = "and"
)

// CORSSettings are per-route CORS knobs.
type CORSSettings struct {
	Enabled          bool
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

// Route maps a literal gateway path to a function.
type Route struct {
	ID         uuid.UUID
	GatewayID  uuid.UUID
	FunctionID uuid.UUID
	Path       string
	Methods    []string
	CORS       CORSSettings
	AuthLogic  AuthLogic
	// AuthMethodIDs in evaluation order (junction sort_order ascending).
	AuthMethodIDs []uuid.UUID
	SortOrder     int
}

// AuthMethodType enumerates the reusable credential predicate kinds.
type AuthMethodType string

const (
	AuthBasic      AuthMethodType = "basic_auth"
	AuthBearerJWT  AuthMethodType = "bearer_jwt"
	AuthAPIKey     AuthMethodType = "api_key"
	AuthMiddleware AuthMethodType = "middleware"
)

// AuthMethod is a named, reusable per-gateway credential predicate.
// Config is the typed blob for the method's Type.
type AuthMethod struct {
	ID        uuid.UUID
	GatewayID uuid.UUID
	Name      string
	Type      AuthMethodType
	Config    json.RawMessage
}

// BasicAuthConfig is the config blob for basic_auth methods. Passwords may be
// bcrypt hashes ($2a$/$2b$ prefix) or literals.
type BasicAuthConfig struct {
	Users []BasicAuthUser `json:"users"`
}

// BasicAuthUser is one username/password pair.
type BasicAuthUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// BearerJWTMode selects fixed-secret or JWKS verification.
type BearerJWTMode string

const (
	JWTFixedSecret BearerJWTMode = "fixed_secret"
	JWTJWKS        BearerJWTMode = "jwks"
)

// BearerJWTConfig is the config blob for bearer_jwt methods.
type BearerJWTConfig struct {
	Mode    BearerJWTMode `json:"mode"`
	Secret  string        `json:"secret,omitempty"`
	JWKSURL string        `json:"jwks_url,omitempty"`
}

// APIKeyConfig is the config blob for api_key methods.
type APIKeyConfig struct {
	Header string   `json:"header"`
	Keys   []string `json:"keys"`
}

// MiddlewareConfig names another function in the same project used as an
// auth predicate.
type MiddlewareConfig struct {
	FunctionID uuid.UUID `json:"function_id"`
}

// GatewayTable is the denormalized per-project routing snapshot the gateway
// caches: config, routes ordered by sort_order, and the auth methods they
// reference.
type GatewayTable struct {
	Config      GatewayConfig
	Routes      []Route
	AuthMethods map[uuid.UUID]AuthMethod
}

// ConsoleLine is one captured log statement from handler code.
type ConsoleLine struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// ExecutionLog is the immutable record of one invocation.
type ExecutionLog struct {
	ID              uuid.UUID
	FunctionID      uuid.UUID
	Status          int
	DurationMS      int64
	RequestSize     int64
	ResponseSize    int64
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	RequestBody     string
	ResponseBody    string
	Console         []ConsoleLine
	ErrorKind       string
	ErrorMessage    string
	ClientIP        string
	UserAgent       string
	APIKeyUsed      bool
	ExecutedAt      time.Time
}

// GlobalSettings are platform-wide knobs stored in the metadata store.
type GlobalSettings struct {
	DefaultRetention  RetentionPolicy
	SchedulerTimezone string // "local" or "utc"
}
