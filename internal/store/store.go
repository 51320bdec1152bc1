// Package store is the metadata store boundary: projects, functions,
// versions, gateway tables, network rules, schedules and execution logs.
// The request path never talks to it directly; caches in front of it are
// invalidated through the bus.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/funcrun/internal/model"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("store: not found")

// LogStatus filters execution logs by outcome.
type LogStatus string

const (
	LogAll     LogStatus = "all"
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// LogFilter selects execution logs.
type LogFilter struct {
	Status LogStatus
	Limit  int
	Offset int
}

// Store is the metadata store interface. Implementations: Postgres
// (production) and Memory (tests, single-node evaluation).
type Store interface {
	// Projects
	ProjectByID(ctx context.Context, id uuid.UUID) (*model.Project, error)
	ProjectBySlug(ctx context.Context, slug string) (*model.Project, error)
	ProjectByDomain(ctx context.Context, domain string) (*model.Project, error)

	// Functions
	FunctionByID(ctx context.Context, id uuid.UUID) (*model.Function, error)
	FunctionByName(ctx context.Context, name string) (*model.Function, error)
	FunctionVersion(ctx context.Context, functionID uuid.UUID, version int) (*model.FunctionVersion, error)
	EnvVars(ctx context.Context, functionID uuid.UUID) (map[string]string, error)

	// Gateway
	GatewayTable(ctx context.Context, projectID uuid.UUID) (*model.GatewayTable, error)

	// Network policies
	ProjectNetworkRules(ctx context.Context, projectID uuid.UUID) ([]model.NetworkRule, error)
	GlobalNetworkRules(ctx context.Context) ([]model.NetworkRule, error)

	// Scheduling
	DueScheduledFunctions(ctx context.Context, now time.Time) ([]*model.Function, error)
	// ClaimScheduledRun atomically advances next_execution from observedNext
	// to newNext. Exactly one instance per due tick observes true.
	ClaimScheduledRun(ctx context.Context, functionID uuid.UUID, observedNext, newNext time.Time) (bool, error)
	SetLastScheduledExecution(ctx context.Context, functionID uuid.UUID, at time.Time) error
	SetSchedule(ctx context.Context, functionID uuid.UUID, enabled bool, cronExpr string, next *time.Time) error
	SetRetention(ctx context.Context, functionID uuid.UUID, p model.RetentionPolicy) error

	// Execution logs
	InsertExecutionLogs(ctx context.Context, recs []*model.ExecutionLog) error
	ExecutionLogs(ctx context.Context, functionID uuid.UUID, f LogFilter) ([]*model.ExecutionLog, error)
	DeleteLogsBefore(ctx context.Context, functionID uuid.UUID, cutoff time.Time) (int64, error)
	KeepLatestLogs(ctx context.Context, functionID uuid.UUID, n int) (int64, error)

	// ListFunctions returns every function; the retention sweeper iterates it.
	ListFunctions(ctx context.Context) ([]*model.Function, error)

	GlobalSettings(ctx context.Context) (*model.GlobalSettings, error)

	Close() error
}
