package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMigrationsVersionsAndOrder(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"002_add_routes.sql":   "CREATE TABLE routes (id uuid);",
		"001_init.sql":         "CREATE TABLE projects (id uuid);",
		"010_add_policies.sql": "CREATE TABLE policies (id uuid);",
		"notes.txt":            "ignored",
		"3_bad_version.sql":    "ignored, version is not three digits",
		"005-bad-sep.sql":      "ignored, wrong separator",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	migs, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migs) != 3 {
		t.Fatalf("loaded %d migrations, want 3", len(migs))
	}

	wantOrder := []struct {
		version int
		name    string
	}{
		{1, "001_init.sql"},
		{2, "002_add_routes.sql"},
		{10, "010_add_policies.sql"},
	}
	for i, want := range wantOrder {
		if migs[i].version != want.version || migs[i].name != want.name {
			t.Errorf("migs[%d] = (%d, %s), want (%d, %s)",
				i, migs[i].version, migs[i].name, want.version, want.name)
		}
		sum := sha256.Sum256([]byte(files[want.name]))
		if migs[i].checksum != hex.EncodeToString(sum[:]) {
			t.Errorf("migs[%d] checksum does not cover the file contents", i)
		}
	}
}

func TestLoadMigrationsEmbeddedSet(t *testing.T) {
	migs, err := loadMigrations("")
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("embedded migration set is empty")
	}
	for i := 1; i < len(migs); i++ {
		if migs[i].version <= migs[i-1].version {
			t.Errorf("embedded migrations out of order: %s after %s",
				migs[i].name, migs[i-1].name)
		}
	}
}
