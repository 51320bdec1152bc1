package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/funcrun/internal/bus"
	"github.com/wudi/funcrun/internal/model"
)

// Memory is an in-memory Store used by tests and single-node evaluation.
// Mutators mirror what the admin surface writes and publish the same bus
// events Postgres triggers would.
type Memory struct {
	mu sync.RWMutex

	projects  map[uuid.UUID]*model.Project
	functions map[uuid.UUID]*model.Function
	versions  map[uuid.UUID]map[int]*model.FunctionVersion
	envVars   map[uuid.UUID]map[string]string
	gateways  map[uuid.UUID]*model.GatewayTable // by project ID
	rules     []model.NetworkRule
	logs      map[uuid.UUID][]*model.ExecutionLog
	settings  model.GlobalSettings

	publisher bus.Bus
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:  make(map[uuid.UUID]*model.Project),
		functions: make(map[uuid.UUID]*model.Function),
		versions:  make(map[uuid.UUID]map[int]*model.FunctionVersion),
		envVars:   make(map[uuid.UUID]map[string]string),
		gateways:  make(map[uuid.UUID]*model.GatewayTable),
		logs:      make(map[uuid.UUID][]*model.ExecutionLog),
		settings: model.GlobalSettings{
			DefaultRetention:  model.RetentionPolicy{Mode: model.RetentionDays, Days: 30},
			SchedulerTimezone: "local",
		},
	}
}

// SetPublisher wires a bus; mutators then emit the change events the
// Postgres triggers produce.
func (m *Memory) SetPublisher(b bus.Bus) {
	m.mu.Lock()
	m.publisher = b
	m.mu.Unlock()
}

func (m *Memory) publish(e bus.Event) {
	m.mu.RLock()
	pub := m.publisher
	m.mu.RUnlock()
	if pub != nil {
		pub.Publish(context.Background(), e)
	}
}

// --- Reads ---

func (m *Memory) ProjectByID(_ context.Context, id uuid.UUID) (*model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.projects[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) ProjectBySlug(_ context.Context, slug string) (*model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ProjectByDomain(_ context.Context, domain string) (*model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for pid, gt := range m.gateways {
		if gt.Config.CustomDomain != "" && strings.EqualFold(gt.Config.CustomDomain, domain) {
			if p, ok := m.projects[pid]; ok {
				cp := *p
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FunctionByID(_ context.Context, id uuid.UUID) (*model.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.functions[id]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) FunctionByName(_ context.Context, name string) (*model.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.functions {
		if f.Name == name {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FunctionVersion(_ context.Context, functionID uuid.UUID, version int) (*model.FunctionVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if vs, ok := m.versions[functionID]; ok {
		if v, ok := vs[version]; ok {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) EnvVars(_ context.Context, functionID uuid.UUID) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.envVars[functionID]))
	for k, v := range m.envVars[functionID] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) GatewayTable(_ context.Context, projectID uuid.UUID) (*model.GatewayTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gt, ok := m.gateways[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *gt
	cp.Routes = append([]model.Route(nil), gt.Routes...)
	cp.AuthMethods = make(map[uuid.UUID]model.AuthMethod, len(gt.AuthMethods))
	for k, v := range gt.AuthMethods {
		cp.AuthMethods[k] = v
	}
	return &cp, nil
}

func (m *Memory) ProjectNetworkRules(_ context.Context, projectID uuid.UUID) ([]model.NetworkRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.NetworkRule
	for _, r := range m.rules {
		if r.ProjectID != nil && *r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) GlobalNetworkRules(_ context.Context) ([]model.NetworkRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.NetworkRule
	for _, r := range m.rules {
		if r.ProjectID == nil {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []model.NetworkRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}

// --- Scheduling ---

func (m *Memory) DueScheduledFunctions(_ context.Context, now time.Time) ([]*model.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Function
	for _, f := range m.functions {
		if f.ScheduleEnabled && f.NextExecution != nil && !f.NextExecution.After(now) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ClaimScheduledRun(_ context.Context, functionID uuid.UUID, observedNext, newNext time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.functions[functionID]
	if !ok {
		return false, ErrNotFound
	}
	if !f.ScheduleEnabled || f.NextExecution == nil || !f.NextExecution.Equal(observedNext) {
		return false, nil
	}
	next := newNext
	f.NextExecution = &next
	return true, nil
}

func (m *Memory) SetLastScheduledExecution(_ context.Context, functionID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.functions[functionID]
	if !ok {
		return ErrNotFound
	}
	t := at
	f.LastScheduledExecution = &t
	return nil
}

func (m *Memory) SetSchedule(_ context.Context, functionID uuid.UUID, enabled bool, cronExpr string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.functions[functionID]
	if !ok {
		return ErrNotFound
	}
	f.ScheduleEnabled = enabled
	f.ScheduleCron = cronExpr
	f.NextExecution = next
	return nil
}

func (m *Memory) SetRetention(_ context.Context, functionID uuid.UUID, p model.RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.functions[functionID]
	if !ok {
		return ErrNotFound
	}
	f.Retention = p
	return nil
}

// --- Execution logs ---

func (m *Memory) InsertExecutionLogs(_ context.Context, recs []*model.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		cp := *r
		m.logs[r.FunctionID] = append(m.logs[r.FunctionID], &cp)
	}
	return nil
}

func (m *Memory) ExecutionLogs(_ context.Context, functionID uuid.UUID, f LogFilter) ([]*model.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.logs[functionID]
	// Newest first.
	sorted := append([]*model.ExecutionLog(nil), all...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExecutedAt.After(sorted[j].ExecutedAt)
	})

	var filtered []*model.ExecutionLog
	for _, rec := range sorted {
		switch f.Status {
		case LogSuccess:
			if rec.ErrorKind != "" {
				continue
			}
		case LogError:
			if rec.ErrorKind == "" {
				continue
			}
		}
		filtered = append(filtered, rec)
	}

	if f.Offset > len(filtered) {
		return nil, nil
	}
	filtered = filtered[f.Offset:]
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[:f.Limit]
	}

	out := make([]*model.ExecutionLog, len(filtered))
	for i, rec := range filtered {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) DeleteLogsBefore(_ context.Context, functionID uuid.UUID, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.ExecutionLog
	var deleted int64
	for _, rec := range m.logs[functionID] {
		if rec.ExecutedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.logs[functionID] = kept
	return deleted, nil
}

func (m *Memory) KeepLatestLogs(_ context.Context, functionID uuid.UUID, n int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.logs[functionID]
	if len(all) <= n {
		return 0, nil
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ExecutedAt.After(all[j].ExecutedAt)
	})
	deleted := int64(len(all) - n)
	m.logs[functionID] = append([]*model.ExecutionLog(nil), all[:n]...)
	return deleted, nil
}

func (m *Memory) ListFunctions(_ context.Context) ([]*model.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Function, 0, len(m.functions))
	for _, f := range m.functions {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GlobalSettings(_ context.Context) (*model.GlobalSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.settings
	return &cp, nil
}

func (m *Memory) Close() error { return nil }

// --- Mutators (admin-surface writes; publish trigger-equivalent events) ---

// CreateProject stores a project.
func (m *Memory) CreateProject(p *model.Project) {
	m.mu.Lock()
	cp := *p
	m.projects[p.ID] = &cp
	m.mu.Unlock()
}

// CreateFunction stores a function.
func (m *Memory) CreateFunction(f *model.Function) {
	m.mu.Lock()
	cp := *f
	m.functions[f.ID] = &cp
	m.mu.Unlock()
}

// AddVersion stores a function version and optionally activates it.
func (m *Memory) AddVersion(v *model.FunctionVersion, activate bool) {
	m.mu.Lock()
	if m.versions[v.FunctionID] == nil {
		m.versions[v.FunctionID] = make(map[int]*model.FunctionVersion)
	}
	cp := *v
	m.versions[v.FunctionID][v.Version] = &cp
	var fn *model.Function
	if activate {
		if f, ok := m.functions[v.FunctionID]; ok {
			f.ActiveVersion = v.Version
			fn = f
		}
	}
	m.mu.Unlock()

	if fn != nil {
		m.publish(bus.Event{
			Channel:    bus.ChannelExecution,
			Table:      bus.TableFunctionVersions,
			Action:     "update",
			FunctionID: v.FunctionID.String(),
		})
	}
}

// SetEnvVar upserts an environment variable.
func (m *Memory) SetEnvVar(functionID uuid.UUID, name, value string) {
	m.mu.Lock()
	if m.envVars[functionID] == nil {
		m.envVars[functionID] = make(map[string]string)
	}
	m.envVars[functionID][name] = value
	m.mu.Unlock()

	m.publish(bus.Event{
		Channel:    bus.ChannelExecution,
		Table:      bus.TableFunctionEnvVars,
		Action:     "update",
		FunctionID: functionID.String(),
	})
}

// SetGatewayTable replaces the project's gateway snapshot.
func (m *Memory) SetGatewayTable(projectID uuid.UUID, gt *model.GatewayTable) {
	m.mu.Lock()
	cp := *gt
	m.gateways[projectID] = &cp
	m.mu.Unlock()

	m.publish(bus.Event{
		Channel:   bus.ChannelGateway,
		Table:     bus.TableRoutes,
		Action:    "update",
		ProjectID: projectID.String(),
	})
}

// AddNetworkRule appends a rule and publishes the matching invalidation.
func (m *Memory) AddNetworkRule(r model.NetworkRule) {
	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()

	e := bus.Event{Channel: bus.ChannelExecution, Action: "insert"}
	if r.ProjectID != nil {
		e.Table = bus.TableProjectPolicies
		e.ProjectID = r.ProjectID.String()
	} else {
		e.Table = bus.TableGlobalPolicies
	}
	m.publish(e)
}

// SetGlobalSettings replaces platform settings.
func (m *Memory) SetGlobalSettings(s model.GlobalSettings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}
