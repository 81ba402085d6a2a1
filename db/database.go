package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by operations on a closed Database.
var ErrClosed = errors.New("db: database is closed")

// Database is the telemetry database organism. It composes:
// - SQLite connection with WAL mode (molecule)
// - Embedded migration runner (molecule)
// - Retention cleanup (molecule)
//
// Usage:
//
//	database, err := db.Open(ctx, db.DefaultConfig("data/telemetry.db"))
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	repo := db.NewRepository(database)
type Database struct {
	mu   sync.RWMutex
	conn *sql.DB
	path string
}

// Config configures Open.
type Config struct {
	// Path is the database file path
	Path string
	// SkipMigrations leaves the schema untouched
	SkipMigrations bool
	// Connection overrides the default connection settings
	Connection *ConnectionConfig
}

// DefaultConfig returns a config that migrates the database at path.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Open creates the parent directory, applies pending migrations and opens
// the database.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	if !cfg.SkipMigrations {
		if err := MigrateUp(ctx, cfg.Path); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	connCfg := DefaultConnectionConfig(cfg.Path)
	if cfg.Connection != nil {
		connCfg = *cfg.Connection
		connCfg.Path = cfg.Path
	}
	conn, err := OpenSQLite(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	return &Database{conn: conn, path: cfg.Path}, nil
}

// Path returns the database file path.
func (d *Database) Path() string { return d.path }

// Close closes the connection. Later calls return nil.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.conn == nil {
		return ErrClosed
	}
	return d.conn.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (d *Database) Stats() sql.DBStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.conn == nil {
		return sql.DBStats{}
	}
	return d.conn.Stats()
}

// ExecContext runs a statement that returns no rows.
func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.conn == nil {
		return nil, ErrClosed
	}
	return d.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query that returns rows.
func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.conn == nil {
		return nil, ErrClosed
	}
	return d.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query that returns at most one row.
func (d *Database) QueryRowContext(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.conn == nil {
		return nil, ErrClosed
	}
	return d.conn.QueryRowContext(ctx, query, args...), nil
}
