package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	stderrors "errors"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/funcrun/internal/cron"
	"github.com/wudi/funcrun/internal/engine"
	"github.com/wudi/funcrun/internal/errors"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/sandbox"
	"github.com/wudi/funcrun/internal/store"
)

// registerAdmin mounts the operator endpoints the CLI consumes.
func (s *Server) registerAdmin(router *httprouter.Router) {
	router.GET("/admin/functions/:name", s.adminAuth(s.handleFunctionGet))
	router.GET("/admin/functions/:name/logs", s.adminAuth(s.handleFunctionLogs))
	router.POST("/admin/functions/:name/test", s.adminAuth(s.handleFunctionTest))
	router.PUT("/admin/functions/:name/retention", s.adminAuth(s.handleRetentionSet))
	router.PUT("/admin/functions/:name/schedule", s.adminAuth(s.handleScheduleSet))
}

// adminAuth gates a handler behind the configured bearer token. An unset
// token disables the admin surface entirely.
func (s *Server) adminAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := bearerToken(r)
		if s.cfg.AdminToken == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			errors.ErrUnauthorized.WriteJSON(w)
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) lookupFunction(w http.ResponseWriter, r *http.Request, name string) *model.Function {
	fn, err := s.store.FunctionByName(r.Context(), name)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			errors.ErrNotFound.WithDetails("function " + name).WriteJSON(w)
		} else {
			errors.ErrInternalServer.WriteJSON(w)
		}
		return nil
	}
	return fn
}

type functionView struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	ActiveVersion  int        `json:"active_version"`
	RequiresAPIKey bool       `json:"requires_api_key"`
	Schedule       string     `json:"schedule,omitempty"`
	ScheduleOn     bool       `json:"schedule_enabled"`
	NextExecution  *time.Time `json:"next_execution,omitempty"`
	RetentionMode  string     `json:"retention_mode,omitempty"`
	RetentionDays  int        `json:"retention_days,omitempty"`
	RetentionCount int        `json:"retention_count,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func viewOf(fn *model.Function) functionView {
	return functionView{
		ID:             fn.ID.String(),
		ProjectID:      fn.ProjectID.String(),
		Name:           fn.Name,
		ActiveVersion:  fn.ActiveVersion,
		RequiresAPIKey: fn.RequiresAPIKey,
		Schedule:       fn.ScheduleCron,
		ScheduleOn:     fn.ScheduleEnabled,
		NextExecution:  fn.NextExecution,
		RetentionMode:  string(fn.Retention.Mode),
		RetentionDays:  fn.Retention.Days,
		RetentionCount: fn.Retention.Count,
		CreatedAt:      fn.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleFunctionGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fn := s.lookupFunction(w, r, ps.ByName("name"))
	if fn == nil {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(fn))
}

type logView struct {
	ID           string              `json:"id"`
	Status       int                 `json:"status"`
	DurationMS   int64               `json:"duration_ms"`
	ErrorKind    string              `json:"error_kind,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	ClientIP     string              `json:"client_ip,omitempty"`
	Console      []model.ConsoleLine `json:"console,omitempty"`
	ExecutedAt   time.Time           `json:"executed_at"`
}

func (s *Server) handleFunctionLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fn := s.lookupFunction(w, r, ps.ByName("name"))
	if fn == nil {
		return
	}

	q := r.URL.Query()
	filter := store.LogFilter{Status: store.LogAll, Limit: 50}
	switch q.Get("status") {
	case "success":
		filter.Status = store.LogSuccess
	case "error":
		filter.Status = store.LogError
	case "", "all":
	default:
		errors.ErrBadRequest.WithDetails("status must be success, error or all").WriteJSON(w)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errors.ErrBadRequest.WithDetails("invalid limit").WriteJSON(w)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errors.ErrBadRequest.WithDetails("invalid page").WriteJSON(w)
			return
		}
		filter.Offset = (n - 1) * filter.Limit
	}

	recs, err := s.store.ExecutionLogs(r.Context(), fn.ID, filter)
	if err != nil {
		errors.ErrInternalServer.WriteJSON(w)
		return
	}
	views := make([]logView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, logView{
			ID:           rec.ID.String(),
			Status:       rec.Status,
			DurationMS:   rec.DurationMS,
			ErrorKind:    rec.ErrorKind,
			ErrorMessage: rec.ErrorMessage,
			ClientIP:     rec.ClientIP,
			Console:      rec.Console,
			ExecutedAt:   rec.ExecutedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type testRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type testResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

func (s *Server) handleFunctionTest(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fn := s.lookupFunction(w, r, ps.ByName("name"))
	if fn == nil {
		return
	}
	project, err := s.store.ProjectByID(r.Context(), fn.ProjectID)
	if err != nil {
		errors.ErrInternalServer.WriteJSON(w)
		return
	}

	var in testRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		errors.ErrBadRequest.WithDetails("malformed test request").WriteJSON(w)
		return
	}
	if in.Method == "" {
		in.Method = http.MethodGet
	}
	if in.Path == "" {
		in.Path = "/"
	}
	headers := http.Header{}
	for k, v := range in.Headers {
		headers.Set(k, v)
	}

	req := &sandbox.Request{
		Method:  in.Method,
		URL:     in.Path,
		Path:    in.Path,
		Headers: headers,
		Body:    []byte(in.Body),
		IP:      clientIP(r),
	}
	resp, err := s.engine.Invoke(r.Context(), project, fn, req, engine.Options{
		ClientIP:  req.IP,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writePlatformError(w, err, s.gw)
		return
	}

	out := testResponse{Status: resp.Status, Body: string(resp.Body)}
	if len(resp.Headers) > 0 {
		out.Headers = make(map[string]string, len(resp.Headers))
		for k, vs := range resp.Headers {
			if len(vs) > 0 {
				out.Headers[k] = vs[0]
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type retentionRequest struct {
	Mode  string `json:"mode"`
	Days  int    `json:"days"`
	Count int    `json:"count"`
}

func (s *Server) handleRetentionSet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fn := s.lookupFunction(w, r, ps.ByName("name"))
	if fn == nil {
		return
	}

	var in retentionRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		errors.ErrBadRequest.WithDetails("malformed retention request").WriteJSON(w)
		return
	}

	policy := model.RetentionPolicy{Mode: model.RetentionMode(in.Mode), Days: in.Days, Count: in.Count}
	switch policy.Mode {
	case model.RetentionNone:
	case model.RetentionDays:
		if policy.Days <= 0 {
			errors.ErrBadRequest.WithDetails("days must be positive").WriteJSON(w)
			return
		}
	case model.RetentionCount:
		if policy.Count <= 0 {
			errors.ErrBadRequest.WithDetails("count must be positive").WriteJSON(w)
			return
		}
	default:
		errors.ErrBadRequest.WithDetails("mode must be none, days or count").WriteJSON(w)
		return
	}

	if err := s.store.SetRetention(r.Context(), fn.ID, policy); err != nil {
		errors.ErrInternalServer.WriteJSON(w)
		return
	}
	fn.Retention = policy
	writeJSON(w, http.StatusOK, viewOf(fn))
}

type scheduleRequest struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron"`
}

func (s *Server) handleScheduleSet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fn := s.lookupFunction(w, r, ps.ByName("name"))
	if fn == nil {
		return
	}

	var in scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		errors.ErrBadRequest.WithDetails("malformed schedule request").WriteJSON(w)
		return
	}

	if !in.Enabled {
		if err := s.store.SetSchedule(r.Context(), fn.ID, false, "", nil); err != nil {
			errors.ErrInternalServer.WriteJSON(w)
			return
		}
		fn.ScheduleEnabled = false
		fn.ScheduleCron = ""
		fn.NextExecution = nil
		writeJSON(w, http.StatusOK, viewOf(fn))
		return
	}

	sched, err := cron.Parse(in.Cron)
	if err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	next := sched.Next(time.Now())
	if err := s.store.SetSchedule(r.Context(), fn.ID, true, in.Cron, &next); err != nil {
		errors.ErrInternalServer.WriteJSON(w)
		return
	}
	fn.ScheduleEnabled = true
	fn.ScheduleCron = in.Cron
	fn.NextExecution = &next
	writeJSON(w, http.StatusOK, viewOf(fn))
}
