package kv

import (
	"context"
	"sync"
	"time"

	"github.com/wudi/funcrun/internal/errors"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero = permanent
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process KV store.
type Memory struct {
	mu       sync.Mutex
	projects map[string]map[string]memEntry
	used     map[string]int64
	now      func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]map[string]memEntry),
		used:     make(map[string]int64),
		now:      time.Now,
	}
}

// SetClock overrides the clock (tests).
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

// dropLocked removes key and returns whether a live entry existed.
func (m *Memory) dropLocked(projectID, key string) bool {
	ns := m.projects[projectID]
	e, ok := ns[key]
	if !ok {
		return false
	}
	delete(ns, key)
	m.used[projectID] -= entrySize(key, e.value)
	return !e.expired(m.now())
}

func (m *Memory) Get(_ context.Context, projectID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.projects[projectID][key]
	if !ok {
		return "", false, nil
	}
	if e.expired(m.now()) {
		m.dropLocked(projectID, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, projectID, key, value string, ttlMS int64, limitBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldSize int64
	if e, ok := m.projects[projectID][key]; ok && !e.expired(m.now()) {
		oldSize = entrySize(key, e.value)
	}
	newUsed := m.used[projectID] - oldSize + entrySize(key, value)
	if limitBytes > 0 && newUsed > limitBytes {
		return errors.ErrQuotaExceeded.WithDetails("kv storage limit reached")
	}

	m.dropLocked(projectID, key)
	if m.projects[projectID] == nil {
		m.projects[projectID] = make(map[string]memEntry)
	}
	e := memEntry{value: value}
	if ttlMS > 0 {
		e.expiresAt = m.now().Add(time.Duration(ttlMS) * time.Millisecond)
	}
	m.projects[projectID][key] = e
	m.used[projectID] += entrySize(key, value)
	return nil
}

func (m *Memory) Has(ctx context.Context, projectID, key string) (bool, error) {
	_, ok, err := m.Get(ctx, projectID, key)
	return ok, err
}

func (m *Memory) Delete(_ context.Context, projectID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropLocked(projectID, key), nil
}

func (m *Memory) Clear(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, projectID)
	delete(m.used, projectID)
	return nil
}

func (m *Memory) UsedBytes(_ context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[projectID], nil
}

func (m *Memory) Close() error { return nil }
