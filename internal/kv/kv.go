// Package kv is the per-project key/value store exposed to handler code.
// Values are JSON strings serialized at the sandbox boundary; keys live in a
// project namespace with optional TTLs and a per-project byte quota.
package kv

import "context"

// Store is the KV backend: Redis in production, memory in tests.
//
// Set enforces limitBytes (0 = unlimited) against the project's usage
// including the new entry; a breach returns a quota_exceeded platform error.
// Cross-key operations are not atomic.
type Store interface {
	Get(ctx context.Context, projectID, key string) (value string, ok bool, err error)
	Set(ctx context.Context, projectID, key, value string, ttlMS int64, limitBytes int64) error
	Has(ctx context.Context, projectID, key string) (bool, error)
	Delete(ctx context.Context, projectID, key string) (existed bool, err error)
	Clear(ctx context.Context, projectID string) error
	UsedBytes(ctx context.Context, projectID string) (int64, error)
	Close() error
}

// entrySize is the accounting size of one entry.
func entrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}
