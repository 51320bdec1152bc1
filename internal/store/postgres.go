package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/model"
)

// Postgres is the production metadata store. Table triggers (installed by
// the migrations) emit the invalidation-bus notifications.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
}

// DSN builds a pgx connection string from config.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode)
}

// NewPostgres connects, runs pending migrations and returns the store.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	dsn := DSN(cfg)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, dsn: dsn}, nil
}

// Pool exposes the underlying pool (bus backend, health checks).
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

// ConnString returns the DSN for components needing dedicated connections.
func (s *Postgres) ConnString() string { return s.dsn }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func notFoundIfNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Projects ---

const projectCols = `id, slug, name, kv_storage_limit_bytes, created_at`

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.KVStorageLimitBytes, &p.CreatedAt); err != nil {
		return nil, notFoundIfNoRows(err)
	}
	return &p, nil
}

func (s *Postgres) ProjectByID(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	return scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = $1`, id))
}

func (s *Postgres) ProjectBySlug(ctx context.Context, slug string) (*model.Project, error) {
	return scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectCols+` FROM projects WHERE slug = $1`, slug))
}

func (s *Postgres) ProjectByDomain(ctx context.Context, domain string) (*model.Project, error) {
	return scanProject(s.pool.QueryRow(ctx,
		`SELECT p.`+"id, p.slug, p.name, p.kv_storage_limit_bytes, p.created_at"+`
		 FROM projects p
		 JOIN gateway_configs g ON g.project_id = p.id
		 WHERE lower(g.custom_domain) = lower($1)`, domain))
}

// --- Functions ---

const functionCols = `id, project_id, name, COALESCE(active_version, 0),
	requires_api_key, COALESCE(api_key, ''),
	schedule_enabled, COALESCE(schedule_cron, ''), next_execution, last_scheduled_execution,
	retention_mode, retention_days, retention_count, created_at`

func scanFunction(row pgx.Row) (*model.Function, error) {
	var f model.Function
	var mode string
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Name, &f.ActiveVersion,
		&f.RequiresAPIKey, &f.APIKey,
		&f.ScheduleEnabled, &f.ScheduleCron, &f.NextExecution, &f.LastScheduledExecution,
		&mode, &f.Retention.Days, &f.Retention.Count, &f.CreatedAt); err != nil {
		return nil, notFoundIfNoRows(err)
	}
	f.Retention.Mode = model.RetentionMode(mode)
	return &f, nil
}

func (s *Postgres) FunctionByID(ctx context.Context, id uuid.UUID) (*model.Function, error) {
	return scanFunction(s.pool.QueryRow(ctx,
		`SELECT `+functionCols+` FROM functions WHERE id = $1`, id))
}

func (s *Postgres) FunctionByName(ctx context.Context, name string) (*model.Function, error) {
	return scanFunction(s.pool.QueryRow(ctx,
		`SELECT `+functionCols+` FROM functions WHERE name = $1 ORDER BY created_at LIMIT 1`, name))
}

func (s *Postgres) FunctionVersion(ctx context.Context, functionID uuid.UUID, version int) (*model.FunctionVersion, error) {
	var v model.FunctionVersion
	err := s.pool.QueryRow(ctx,
		`SELECT function_id, version, hash, size_bytes, created_at
		 FROM function_versions WHERE function_id = $1 AND version = $2`,
		functionID, version).
		Scan(&v.FunctionID, &v.Version, &v.Hash, &v.SizeBytes, &v.CreatedAt)
	if err != nil {
		return nil, notFoundIfNoRows(err)
	}
	return &v, nil
}

func (s *Postgres) EnvVars(ctx context.Context, functionID uuid.UUID) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, value FROM function_environment_variables WHERE function_id = $1`,
		functionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// --- Gateway ---

func (s *Postgres) GatewayTable(ctx context.Context, projectID uuid.UUID) (*model.GatewayTable, error) {
	gt := &model.GatewayTable{AuthMethods: make(map[uuid.UUID]model.AuthMethod)}

	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, enabled, COALESCE(custom_domain, '')
		 FROM gateway_configs WHERE project_id = $1`, projectID).
		Scan(&gt.Config.ID, &gt.Config.ProjectID, &gt.Config.Enabled, &gt.Config.CustomDomain)
	if err != nil {
		return nil, notFoundIfNoRows(err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.gateway_id, r.function_id, r.route_path, r.allowed_methods,
		        r.auth_logic, r.sort_order,
		        rs.cors_enabled, rs.cors_allow_origins, rs.cors_allow_methods,
		        rs.cors_allow_headers, rs.cors_expose_headers,
		        rs.cors_allow_credentials, rs.cors_max_age
		 FROM routes r
		 LEFT JOIN route_settings rs ON rs.route_id = r.id
		 WHERE r.gateway_id = $1
		 ORDER BY r.sort_order, r.route_path`, gt.Config.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r model.Route
		var logic string
		var corsEnabled *bool
		var allowOrigins, allowMethods, allowHeaders, exposeHeaders []string
		var allowCreds *bool
		var maxAge *int
		if err := rows.Scan(&r.ID, &r.GatewayID, &r.FunctionID, &r.Path, &r.Methods,
			&logic, &r.SortOrder,
			&corsEnabled, &allowOrigins, &allowMethods,
			&allowHeaders, &exposeHeaders, &allowCreds, &maxAge); err != nil {
			return nil, err
		}
		r.AuthLogic = model.AuthLogic(logic)
		if corsEnabled != nil {
			r.CORS = model.CORSSettings{
				Enabled:       *corsEnabled,
				AllowOrigins:  allowOrigins,
				AllowMethods:  allowMethods,
				AllowHeaders:  allowHeaders,
				ExposeHeaders: exposeHeaders,
			}
			if allowCreds != nil {
				r.CORS.AllowCredentials = *allowCreds
			}
			if maxAge != nil {
				r.CORS.MaxAge = *maxAge
			}
		}
		gt.Routes = append(gt.Routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Ordered auth-method references per route.
	amRows, err := s.pool.Query(ctx,
		`SELECT ram.route_id, ram.auth_method_id
		 FROM route_auth_methods ram
		 JOIN routes r ON r.id = ram.route_id
		 WHERE r.gateway_id = $1
		 ORDER BY ram.route_id, ram.sort_order`, gt.Config.ID)
	if err != nil {
		return nil, err
	}
	defer amRows.Close()

	byRoute := make(map[uuid.UUID][]uuid.UUID)
	for amRows.Next() {
		var routeID, methodID uuid.UUID
		if err := amRows.Scan(&routeID, &methodID); err != nil {
			return nil, err
		}
		byRoute[routeID] = append(byRoute[routeID], methodID)
	}
	if err := amRows.Err(); err != nil {
		return nil, err
	}
	for i := range gt.Routes {
		gt.Routes[i].AuthMethodIDs = byRoute[gt.Routes[i].ID]
	}

	mRows, err := s.pool.Query(ctx,
		`SELECT id, gateway_id, name, type, config
		 FROM auth_methods WHERE gateway_id = $1`, gt.Config.ID)
	if err != nil {
		return nil, err
	}
	defer mRows.Close()

	for mRows.Next() {
		var am model.AuthMethod
		var typ string
		var cfg []byte
		if err := mRows.Scan(&am.ID, &am.GatewayID, &am.Name, &typ, &cfg); err != nil {
			return nil, err
		}
		am.Type = model.AuthMethodType(typ)
		am.Config = json.RawMessage(cfg)
		gt.AuthMethods[am.ID] = am
	}
	return gt, mRows.Err()
}

// --- Network policies ---

const ruleCols = `id, project_id, action, target_type, target_value, COALESCE(description, ''), priority`

func (s *Postgres) queryRules(ctx context.Context, query string, args ...any) ([]model.NetworkRule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NetworkRule
	for rows.Next() {
		var r model.NetworkRule
		var action, targetType string
		if err := rows.Scan(&r.ID, &r.ProjectID, &action, &targetType,
			&r.TargetValue, &r.Description, &r.Priority); err != nil {
			return nil, err
		}
		r.Action = model.RuleAction(action)
		r.TargetType = model.RuleTargetType(targetType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) ProjectNetworkRules(ctx context.Context, projectID uuid.UUID) ([]model.NetworkRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleCols+` FROM project_network_policies
		 WHERE project_id = $1 ORDER BY priority`, projectID)
}

func (s *Postgres) GlobalNetworkRules(ctx context.Context) ([]model.NetworkRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleCols+` FROM global_network_policies ORDER BY priority`)
}

// --- Scheduling ---

func (s *Postgres) DueScheduledFunctions(ctx context.Context, now time.Time) ([]*model.Function, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+functionCols+` FROM functions
		 WHERE schedule_enabled AND next_execution IS NOT NULL AND next_execution <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Postgres) ClaimScheduledRun(ctx context.Context, functionID uuid.UUID, observedNext, newNext time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE functions SET next_execution = $3
		 WHERE id = $1 AND schedule_enabled AND next_execution = $2`,
		functionID, observedNext, newNext)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) SetLastScheduledExecution(ctx context.Context, functionID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE functions SET last_scheduled_execution = $2 WHERE id = $1`, functionID, at)
	return err
}

func (s *Postgres) SetSchedule(ctx context.Context, functionID uuid.UUID, enabled bool, cronExpr string, next *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE functions SET schedule_enabled = $2, schedule_cron = NULLIF($3, ''), next_execution = $4
		 WHERE id = $1`, functionID, enabled, cronExpr, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetRetention(ctx context.Context, functionID uuid.UUID, p model.RetentionPolicy) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE functions SET retention_mode = $2, retention_days = $3, retention_count = $4
		 WHERE id = $1`, functionID, string(p.Mode), p.Days, p.Count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Execution logs ---

func (s *Postgres) InsertExecutionLogs(ctx context.Context, recs []*model.ExecutionLog) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		reqHeaders, _ := json.Marshal(r.RequestHeaders)
		respHeaders, _ := json.Marshal(r.ResponseHeaders)
		console, _ := json.Marshal(r.Console)
		batch.Queue(
			`INSERT INTO execution_logs
			 (id, function_id, status, duration_ms, request_size, response_size,
			  request_headers, response_headers, request_body, response_body,
			  console, error_kind, error_message, client_ip, user_agent,
			  api_key_used, executed_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			r.ID, r.FunctionID, r.Status, r.DurationMS, r.RequestSize, r.ResponseSize,
			reqHeaders, respHeaders, r.RequestBody, r.ResponseBody,
			console, r.ErrorKind, r.ErrorMessage, r.ClientIP, r.UserAgent,
			r.APIKeyUsed, r.ExecutedAt)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *Postgres) ExecutionLogs(ctx context.Context, functionID uuid.UUID, f LogFilter) ([]*model.ExecutionLog, error) {
	query := `SELECT id, function_id, status, duration_ms, request_size, response_size,
	                 request_headers, response_headers, request_body, response_body,
	                 console, error_kind, error_message, client_ip, user_agent,
	                 api_key_used, executed_at
	          FROM execution_logs WHERE function_id = $1`
	switch f.Status {
	case LogSuccess:
		query += ` AND error_kind = ''`
	case LogError:
		query += ` AND error_kind <> ''`
	}
	query += ` ORDER BY executed_at DESC`
	args := []any{functionID}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ExecutionLog
	for rows.Next() {
		var r model.ExecutionLog
		var reqHeaders, respHeaders, console []byte
		if err := rows.Scan(&r.ID, &r.FunctionID, &r.Status, &r.DurationMS,
			&r.RequestSize, &r.ResponseSize,
			&reqHeaders, &respHeaders, &r.RequestBody, &r.ResponseBody,
			&console, &r.ErrorKind, &r.ErrorMessage, &r.ClientIP, &r.UserAgent,
			&r.APIKeyUsed, &r.ExecutedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(reqHeaders, &r.RequestHeaders)
		json.Unmarshal(respHeaders, &r.ResponseHeaders)
		json.Unmarshal(console, &r.Console)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteLogsBefore(ctx context.Context, functionID uuid.UUID, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM execution_logs WHERE function_id = $1 AND executed_at < $2`,
		functionID, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) KeepLatestLogs(ctx context.Context, functionID uuid.UUID, n int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM execution_logs
		 WHERE function_id = $1 AND id NOT IN (
		   SELECT id FROM execution_logs WHERE function_id = $1
		   ORDER BY executed_at DESC LIMIT $2
		 )`, functionID, n)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ListFunctions(ctx context.Context) ([]*model.Function, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+functionCols+` FROM functions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Postgres) GlobalSettings(ctx context.Context) (*model.GlobalSettings, error) {
	var gs model.GlobalSettings
	var mode string
	err := s.pool.QueryRow(ctx,
		`SELECT retention_mode, retention_days, retention_count, scheduler_timezone
		 FROM global_settings LIMIT 1`).
		Scan(&mode, &gs.DefaultRetention.Days, &gs.DefaultRetention.Count, &gs.SchedulerTimezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.GlobalSettings{
				DefaultRetention:  model.RetentionPolicy{Mode: model.RetentionDays, Days: 30},
				SchedulerTimezone: "local",
			}, nil
		}
		return nil, err
	}
	gs.DefaultRetention.Mode = model.RetentionMode(mode)
	return &gs, nil
}
