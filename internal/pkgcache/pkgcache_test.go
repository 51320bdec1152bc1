package pkgcache

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/errors"
	"github.com/wudi/funcrun/internal/model"
	"github.com/wudi/funcrun/internal/objstore"
)

func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		tw.Write([]byte(body))
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func newTestCache(t *testing.T, capacity int64) (*Cache, *objstore.Store) {
	t.Helper()
	objects := objstore.NewMem()
	t.Cleanup(func() { objects.Close() })
	c, err := New(config.PkgCacheConfig{
		Dir:           filepath.Join(t.TempDir(), "pkg"),
		CapacityBytes: capacity,
		NegativeTTL:   5 * time.Second,
	}, objects)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, objects
}

func upload(t *testing.T, objects *objstore.Store, fid uuid.UUID, version int, archive []byte) *model.FunctionVersion {
	t.Helper()
	if err := objects.Put(context.Background(),
		objstore.PackageKey(fid.String(), version), bytes.NewReader(archive)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	sum := sha256.Sum256(archive)
	return &model.FunctionVersion{
		FunctionID: fid,
		Version:    version,
		Hash:       hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(archive)),
	}
}

func TestAcquireExtractsAndPins(t *testing.T) {
	ctx := context.Background()
	c, objects := newTestCache(t, 0)
	fid := uuid.New()
	v := upload(t, objects, fid, 1, makeArchive(t, map[string]string{
		"index.lua": `handler = function(req, res) res:send("hi") end`,
		"lib/a.lua": "return {}",
	}))

	pkg, err := c.Acquire(ctx, v)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pkg.Release()

	data, err := os.ReadFile(pkg.EntryPath)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if !strings.Contains(string(data), "handler") {
		t.Errorf("entry contents: %q", data)
	}
	if _, err := os.Stat(filepath.Join(pkg.Dir, "lib", "a.lua")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
}

func TestAcquireChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	c, objects := newTestCache(t, 0)
	fid := uuid.New()
	v := upload(t, objects, fid, 1, makeArchive(t, map[string]string{"index.lua": "x"}))
	v.Hash = strings.Repeat("00", 32)

	_, err := c.Acquire(ctx, v)
	if errors.KindOf(err) != errors.KindIntegrity {
		t.Fatalf("err = %v, want integrity kind", err)
	}
}

func TestAcquireMissingEntryFile(t *testing.T) {
	ctx := context.Background()
	c, objects := newTestCache(t, 0)
	fid := uuid.New()
	v := upload(t, objects, fid, 1, makeArchive(t, map[string]string{"other.lua": "x"}))

	_, err := c.Acquire(ctx, v)
	if errors.KindOf(err) != errors.KindIntegrity {
		t.Fatalf("err = %v, want integrity kind", err)
	}
}

func TestAcquireRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	c, objects := newTestCache(t, 0)
	fid := uuid.New()
	v := upload(t, objects, fid, 1, makeArchive(t, map[string]string{
		"../evil.lua": "x",
		"index.lua":   "y",
	}))

	_, err := c.Acquire(ctx, v)
	if errors.KindOf(err) != errors.KindIntegrity {
		t.Fatalf("err = %v, want integrity kind", err)
	}
}

func TestNegativeCache(t *testing.T) {
	ctx := context.Background()
	c, objects := newTestCache(t, 0)
	fid := uuid.New()
	v := &model.FunctionVersion{FunctionID: fid, Version: 1, Hash: strings.Repeat("ab", 32)}

	if _, err := c.Acquire(ctx, v); err != errors.ErrNotFound {
		t.Fatalf("first Acquire: %v, want ErrNotFound", err)
	}

	// Upload now; the negative entry still answers within its TTL.
	upload(t, objects, fid, 1, makeArchive(t, map[string]string{"index.lua": "x"}))
	if _, err := c.Acquire(ctx, v); err != errors.ErrNotFound {
		t.Fatalf("negative-cached Acquire: %v, want ErrNotFound", err)
	}

	// Invalidation clears the negative entry immediately.
	c.Invalidate(fid.String())
	good := upload(t, objects, fid, 1, makeArchive(t, map[string]string{"index.lua": "x"}))
	pkg, err := c.Acquire(ctx, good)
	if err != nil {
		t.Fatalf("Acquire after invalidate: %v", err)
	}
	pkg.Release()
}

func TestConcurrentAcquireSingleFetch(t *testing.T) {
	ctx := context.Background()
	objects := objstore.NewMem()
	defer objects.Close()

	fid := uuid.New()
	archive := makeArchive(t, map[string]string{"index.lua": "x"})
	v := upload(t, objects, fid, 1, archive)

	c, err := New(config.PkgCacheConfig{
		Dir:         filepath.Join(t.TempDir(), "pkg"),
		NegativeTTL: time.Second,
	}, objects)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	pkgs := make([]*Package, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pkgs[i], errs[i] = c.Acquire(ctx, v)
		}(i)
	}
	wg.Wait()

	dirs := make(map[string]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Acquire %d: %v", i, errs[i])
		}
		dirs[pkgs[i].Dir] = true
		pkgs[i].Release()
	}
	if len(dirs) != 1 {
		t.Errorf("callers got %d distinct dirs, want 1", len(dirs))
	}
}

func TestEvictionSkipsPinned(t *testing.T) {
	ctx := context.Background()
	// Capacity of one small archive: materializing a second evicts the first
	// unless it is pinned.
	archive1 := makeArchive(t, map[string]string{"index.lua": strings.Repeat("a", 100)})
	c, objects := newTestCache(t, 150)

	f1, f2 := uuid.New(), uuid.New()
	v1 := upload(t, objects, f1, 1, archive1)
	v2 := upload(t, objects, f2, 1, makeArchive(t, map[string]string{"index.lua": strings.Repeat("b", 100)}))

	p1, err := c.Acquire(ctx, v1)
	if err != nil {
		t.Fatalf("Acquire v1: %v", err)
	}

	p2, err := c.Acquire(ctx, v2)
	if err != nil {
		t.Fatalf("Acquire v2: %v", err)
	}

	// Both pinned: nothing evictable, both dirs must still exist.
	if _, err := os.Stat(p1.EntryPath); err != nil {
		t.Errorf("pinned v1 evicted: %v", err)
	}
	if _, err := os.Stat(p2.EntryPath); err != nil {
		t.Errorf("pinned v2 evicted: %v", err)
	}
	p1.Release()
	p2.Release()
}

func TestAcquireOverCapacityStaysPinned(t *testing.T) {
	ctx := context.Background()
	// Extraction is several times the byte budget. The entry is pinned from
	// the moment it is installed, so it must survive its own install pass.
	c, objects := newTestCache(t, 100)
	fid := uuid.New()
	v := upload(t, objects, fid, 1, makeArchive(t, map[string]string{
		"index.lua": strings.Repeat("a", 500),
	}))

	pkg, err := c.Acquire(ctx, v)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(pkg.EntryPath); err != nil {
		t.Fatalf("pinned package evicted during install: %v", err)
	}
	data, err := os.ReadFile(pkg.EntryPath)
	if err != nil || len(data) != 500 {
		t.Errorf("entry = %d bytes, err %v", len(data), err)
	}
	pkg.Release()
}

func TestAcquireCacheFullWhenAllPinned(t *testing.T) {
	ctx := context.Background()
	c, objects := newTestCache(t, 50)

	f1, f2 := uuid.New(), uuid.New()
	v1 := upload(t, objects, f1, 1, makeArchive(t, map[string]string{
		"index.lua": strings.Repeat("a", 100),
	}))
	v2 := upload(t, objects, f2, 1, makeArchive(t, map[string]string{
		"index.lua": strings.Repeat("b", 100),
	}))

	p1, err := c.Acquire(ctx, v1)
	if err != nil {
		t.Fatalf("Acquire v1: %v", err)
	}

	// Capacity exhausted and the only resident entry is pinned.
	if _, err := c.Acquire(ctx, v2); errors.KindOf(err) != errors.KindCacheFull {
		t.Fatalf("Acquire v2: err = %v, want cache_full", err)
	}

	// Releasing the pin makes room again.
	p1.Release()
	p2, err := c.Acquire(ctx, v2)
	if err != nil {
		t.Fatalf("Acquire v2 after release: %v", err)
	}
	p2.Release()
}

func TestInvalidateDoomsPinned(t *testing.T) {
	ctx := context.Background()
	c, objects := newTestCache(t, 0)
	fid := uuid.New()
	v := upload(t, objects, fid, 1, makeArchive(t, map[string]string{"index.lua": "x"}))

	pkg, err := c.Acquire(ctx, v)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	c.Invalidate(fid.String())

	// Still readable while pinned.
	if _, err := os.Stat(pkg.EntryPath); err != nil {
		t.Fatalf("pinned package removed during invalidation: %v", err)
	}

	pkg.Release()
	if _, err := os.Stat(pkg.Dir); !os.IsNotExist(err) {
		t.Errorf("doomed package not removed after release: %v", err)
	}
}
