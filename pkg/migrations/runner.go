// Package migrations applies the numbered SQL files in migrations/.
//
// Files are named VERSION_NAME.up.sql and VERSION_NAME.down.sql, for
// example 000001_stig_mappings.up.sql. Applied versions are recorded in
// schema_migrations.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Runner executes database migrations.
type Runner struct {
	db            *sql.DB
	migrationsDir string
}

// NewRunner creates a new migration runner.
func NewRunner(db *sql.DB, migrationsDir string) *Runner {
	return &Runner{
		db:            db,
		migrationsDir: migrationsDir,
	}
}

// Record is a row of schema_migrations.
type Record struct {
	Version   string
	AppliedAt time.Time
}

// EnsureMigrationTable creates the schema_migrations table if it doesn't exist.
func (r *Runner) EnsureMigrationTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(14) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	return err
}

// Applied returns all applied migrations in version order.
func (r *Runner) Applied(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Version, &rec.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Pending returns the versions that have an up file but no record.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	available, err := ScanVersions(r.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	done := make(map[string]bool, len(applied))
	for _, rec := range applied {
		done[rec.Version] = true
	}

	var pending []string
	for _, v := range available {
		if !done[v] {
			pending = append(pending, v)
		}
	}
	return pending, nil
}

// Up runs all pending migrations and returns the versions it applied.
func (r *Runner) Up(ctx context.Context) ([]string, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure migration table: %w", err)
	}

	pending, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}

	for i, version := range pending {
		if err := r.run(ctx, version, "up"); err != nil {
			return pending[:i], fmt.Errorf("migration %s failed: %w", version, err)
		}
	}
	return pending, nil
}

// Down rolls back the last applied migration. It returns "" when nothing
// was applied.
func (r *Runner) Down(ctx context.Context) (string, error) {
	applied, err := r.Applied(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", nil
	}

	last := applied[len(applied)-1].Version
	if err := r.run(ctx, last, "down"); err != nil {
		return "", fmt.Errorf("rollback %s failed: %w", last, err)
	}
	return last, nil
}

func (r *Runner) run(ctx context.Context, version, direction string) error {
	path, err := FindFile(r.migrationsDir, version, direction)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return err
	}

	if direction == "up" {
		_, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
	}
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// FindFile returns the path of a version's up or down file.
func FindFile(dir, version, direction string) (string, error) {
	pattern := filepath.Join(dir, fmt.Sprintf("%s_*.%s.sql", version, direction))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("migration file not found: %s", pattern)
	}
	return matches[0], nil
}

// ScanVersions lists the versions in dir that have an up file, sorted.
func ScanVersions(dir string) ([]string, error) {
	seen := make(map[string]bool)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}
		version, _, ok := strings.Cut(filepath.Base(path), "_")
		if ok {
			seen[version] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	versions := make([]string, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}
