package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/openctemio/stigmap/internal/config"
	"github.com/openctemio/stigmap/pkg/migrations"
)

// DB wraps sql.DB with additional functionality.
type DB struct {
	*sql.DB
}

// New creates a new database connection.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Ping implements the readiness checker used by the health handler.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Migrate applies pending migrations from dir.
func (db *DB) Migrate(ctx context.Context, dir string) ([]string, error) {
	return migrations.NewRunner(db.DB, dir).Up(ctx)
}

// Rollback reverts the most recently applied migration and returns its
// version, or "" when none was applied.
func (db *DB) Rollback(ctx context.Context, dir string) (string, error) {
	return migrations.NewRunner(db.DB, dir).Down(ctx)
}
