// Package pkgcache materializes function package archives on local disk.
// Concurrent fetches of the same version collapse into one download, extracted
// trees are reused across invocations, and a byte budget evicts the least
// recently used idle versions.
package pkgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wudi/funcrun/internal/bus"
	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/errors"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/objstore"
)

// EntryFile is the module loaded to obtain the handler.
const EntryFile = "index.lua"

// Package is a materialized, extracted function version. Callers must call
// Release when the invocation finishes.
type Package struct {
	Dir       string
	EntryPath string

	cache *Cache
	key   string
}

// Release decrements the package's pin count.
func (p *Package) Release() {
	p.cache.release(p.key)
}

type entry struct {
	dir      string
	size     int64
	refs     int
	lastUsed time.Time
	doomed   bool // invalidated while pinned; removed on last release
}

// Recorder receives cache hit, miss and eviction observations.
type Recorder interface {
	RecordPkgCacheHit()
	RecordPkgCacheMiss()
	RecordPkgCacheEviction()
}

// Cache is the local package cache. One per process.
type Cache struct {
	dir         string
	capacity    int64
	negativeTTL time.Duration
	objects     *objstore.Store
	metrics     Recorder

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]*entry
	total    int64
	negative map[string]time.Time
}

// New creates a cache rooted at cfg.Dir. The directory is recreated empty so
// stale extractions from a previous process never serve.
func New(cfg config.PkgCacheConfig, objects *objstore.Store) (*Cache, error) {
	if err := os.RemoveAll(cfg.Dir); err != nil {
		return nil, fmt.Errorf("pkgcache: clear dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("pkgcache: create dir: %w", err)
	}
	return &Cache{
		dir:         cfg.Dir,
		capacity:    cfg.CapacityBytes,
		negativeTTL: cfg.NegativeTTL,
		objects:     objects,
		entries:     make(map[string]*entry),
		negative:    make(map[string]time.Time),
	}, nil
}

// SetMetrics wires a hit/miss recorder. Call before serving traffic.
func (c *Cache) SetMetrics(r Recorder) {
	c.metrics = r
}

func key(functionID string, version int) string {
	return fmt.Sprintf("%s/%d", functionID, version)
}

// Acquire returns the extracted tree for a function version, fetching and
// verifying the archive if it is not resident. The returned package is pinned
// until Release.
func (c *Cache) Acquire(ctx context.Context, v *model.FunctionVersion) (*Package, error) {
	k := key(v.FunctionID.String(), v.Version)

	c.mu.Lock()
	if until, ok := c.negative[k]; ok {
		if time.Now().Before(until) {
			c.mu.Unlock()
			return nil, errors.ErrNotFound
		}
		delete(c.negative, k)
	}
	if e, ok := c.entries[k]; ok && !e.doomed {
		e.refs++
		e.lastUsed = time.Now()
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordPkgCacheHit()
		}
		return &Package{Dir: e.dir, EntryPath: filepath.Join(e.dir, EntryFile), cache: c, key: k}, nil
	}
	if c.capacity > 0 && c.total >= c.capacity && !c.anyIdleLocked() {
		c.mu.Unlock()
		return nil, errors.ErrCacheFull
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordPkgCacheMiss()
	}
	ch := c.group.DoChan(k, func() (interface{}, error) {
		return c.materialize(ctx, k, v)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			// Do not pin failures on the group; the next caller retries.
			c.group.Forget(k)
			return nil, res.Err
		}
		e := res.Val.(*entry)
		c.mu.Lock()
		// Install and pin in one step so the new entry is never visible
		// to eviction at refcount zero.
		if cur, ok := c.entries[k]; !ok || cur != e {
			if ok {
				// A doomed predecessor under the same key; its tree was
				// replaced by the new extraction.
				c.total -= cur.size
			}
			c.entries[k] = e
			c.total += e.size
		}
		e.refs++
		e.lastUsed = time.Now()
		c.evictLocked()
		c.mu.Unlock()
		return &Package{Dir: e.dir, EntryPath: filepath.Join(e.dir, EntryFile), cache: c, key: k}, nil
	case <-ctx.Done():
		c.group.Forget(k)
		return nil, ctx.Err()
	}
}

// anyIdleLocked reports whether eviction could reclaim anything.
func (c *Cache) anyIdleLocked() bool {
	for _, e := range c.entries {
		if e.refs == 0 {
			return true
		}
	}
	return false
}

// materialize downloads, verifies and extracts one version. The caller
// installs the returned entry; an uninstalled entry is invisible to eviction.
func (c *Cache) materialize(ctx context.Context, k string, v *model.FunctionVersion) (*entry, error) {
	r, err := c.objects.Get(ctx, objstore.PackageKey(v.FunctionID.String(), v.Version))
	if err != nil {
		if err == objstore.ErrNotFound {
			c.mu.Lock()
			c.negative[k] = time.Now().Add(c.negativeTTL)
			c.mu.Unlock()
			return nil, errors.ErrNotFound
		}
		return nil, errors.Wrap(err, 500, errors.KindInfrastructure, "package fetch failed")
	}
	defer r.Close()

	tmp, err := os.CreateTemp(c.dir, "fetch-*")
	if err != nil {
		return nil, errors.Wrap(err, 500, errors.KindInfrastructure, "package fetch failed")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return nil, errors.Wrap(err, 500, errors.KindInfrastructure, "package fetch failed")
	}
	if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, v.Hash) {
		return nil, errors.New(500, errors.KindIntegrity,
			fmt.Sprintf("package checksum mismatch: got %s want %s", sum, v.Hash))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, 500, errors.KindInfrastructure, "package fetch failed")
	}

	dir := filepath.Join(c.dir, v.FunctionID.String(), fmt.Sprint(v.Version))
	os.RemoveAll(dir)
	size, err := extract(tmp, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, EntryFile)); err != nil {
		os.RemoveAll(dir)
		return nil, errors.New(500, errors.KindIntegrity, "package has no "+EntryFile)
	}

	return &entry{dir: dir, size: size, lastUsed: time.Now()}, nil
}

func (c *Cache) release(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && e.doomed {
		c.removeLocked(k, e)
	}
}

// evictLocked drops least recently used idle entries until under capacity.
func (c *Cache) evictLocked() {
	if c.capacity <= 0 || c.total <= c.capacity {
		return
	}
	type cand struct {
		k string
		e *entry
	}
	var idle []cand
	for k, e := range c.entries {
		if e.refs == 0 && !e.doomed {
			idle = append(idle, cand{k, e})
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].e.lastUsed.Before(idle[j].e.lastUsed)
	})
	for _, cd := range idle {
		if c.total <= c.capacity {
			return
		}
		c.removeLocked(cd.k, cd.e)
		if c.metrics != nil {
			c.metrics.RecordPkgCacheEviction()
		}
	}
}

func (c *Cache) removeLocked(k string, e *entry) {
	delete(c.entries, k)
	c.total -= e.size
	os.RemoveAll(e.dir)
}

// Invalidate drops every resident version of a function. Pinned versions are
// doomed and removed when released.
func (c *Cache) Invalidate(functionID string) {
	prefix := functionID + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e.refs > 0 {
			e.doomed = true
			continue
		}
		c.removeLocked(k, e)
	}
	for k := range c.negative {
		if strings.HasPrefix(k, prefix) {
			delete(c.negative, k)
		}
	}
}

// Flush drops the whole cache (bus reconnect).
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.refs > 0 {
			e.doomed = true
			continue
		}
		c.removeLocked(k, e)
	}
	c.negative = make(map[string]time.Time)
}

// HandleEvent applies a bus invalidation.
func (c *Cache) HandleEvent(e bus.Event) {
	switch e.Table {
	case bus.TableFunctionVersions, bus.TableFunctions:
		if e.FunctionID != "" {
			c.Invalidate(e.FunctionID)
		}
	}
}

// SizeBytes reports resident bytes (metrics).
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
