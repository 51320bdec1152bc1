package store

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/logging"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var migrationName = regexp.MustCompile(`^(\d{3})_[a-z0-9_]+\.sql$`)

type migration struct {
	version  int
	name     string
	checksum string
	sql      string
}

// Migrate applies pending migrations in ascending version order. Every run is
// recorded in schema_migrations with its SHA-256 checksum, wall-clock
// duration and outcome; checksum drift on an applied migration logs a
// warning, apply failure is recorded and aborts startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	migs, err := loadMigrations(dir)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version integer PRIMARY KEY,
		name text NOT NULL,
		applied_at timestamptz NOT NULL DEFAULT now(),
		checksum text NOT NULL,
		execution_time_ms bigint NOT NULL DEFAULT 0,
		success boolean NOT NULL DEFAULT true
	)`)
	if err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	type record struct {
		checksum string
		success  bool
	}
	applied := make(map[int]record)
	rows, err := pool.Query(ctx, `SELECT version, checksum, success FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			version int
			sum     string
			success bool
		)
		if err := rows.Scan(&version, &sum, &success); err != nil {
			rows.Close()
			return err
		}
		applied[version] = record{checksum: sum, success: success}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migs {
		if rec, ok := applied[m.version]; ok && rec.success {
			if rec.checksum != m.checksum {
				logging.Warn("store: migration checksum drift",
					zap.String("migration", m.name),
					zap.String("recorded", rec.checksum),
					zap.String("current", m.checksum))
			}
			continue
		}
		start := time.Now()
		applyErr := applyOne(ctx, pool, m)
		elapsed := time.Since(start).Milliseconds()
		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations
			(version, name, checksum, execution_time_ms, success)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (version) DO UPDATE SET
				name = EXCLUDED.name,
				applied_at = now(),
				checksum = EXCLUDED.checksum,
				execution_time_ms = EXCLUDED.execution_time_ms,
				success = EXCLUDED.success`,
			m.version, m.name, m.checksum, elapsed, applyErr == nil); err != nil {
			return fmt.Errorf("store: record migration %s: %w", m.name, err)
		}
		if applyErr != nil {
			return applyErr
		}
		logging.Info("store: applied migration",
			zap.String("migration", m.name),
			zap.Int64("elapsed_ms", elapsed))
	}
	return nil
}

// applyOne runs one migration file in a single transaction.
func applyOne(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, m.sql); err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("store: apply migration %s: %w", m.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit migration %s: %w", m.name, err)
	}
	return nil
}

// loadMigrations reads NNN_name.sql files from dir, or the embedded set when
// dir is empty. Files that do not follow the naming scheme are ignored.
func loadMigrations(dir string) ([]migration, error) {
	var fsys fs.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	} else {
		sub, err := fs.Sub(embeddedMigrations, "migrations")
		if err != nil {
			return nil, err
		}
		fsys = sub
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("store: read migrations: %w", err)
	}

	var migs []migration
	for _, e := range entries {
		m := migrationName.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		migs = append(migs, migration{
			version:  version,
			name:     e.Name(),
			checksum: hex.EncodeToString(sum[:]),
			sql:      string(data),
		})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}
