// Package database opens the authority's SQLite database and applies its schema.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonate/database/sqliteconfig"
	"github.com/rs/zerolog/log"
	"github.com/tailscale/squibble"

	_ "modernc.org/sqlite"
)

// Database errors.
var (
	ErrBuildConnectionURL = errors.New("failed to build SQLite connection URL")
	ErrOpenDatabase       = errors.New("failed to open database")
	ErrPingDatabase       = errors.New("failed to ping database")
	ErrApplySchema        = errors.New("failed to apply schema")
)

// Database wraps the sqlx database connection.
type Database struct {
	db *sqlx.DB
}

// NewWithConfig opens a database with a custom configuration and applies schema.
func NewWithConfig(cfg *sqliteconfig.Config, schema string) (*Database, error) {
	connectionURL, err := cfg.ToURL()
	if err != nil {
		log.Error().
			Str("path", cfg.Path).
			Err(err).
			Msg("Failed to build SQLite connection URL")
		return nil, fmt.Errorf("%w: %w", ErrBuildConnectionURL, err)
	}

	db, err := sqlx.Open("sqlite", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenDatabase, err)
	}

	// SQLite concurrency settings: single connection model. This also keeps
	// ":memory:" databases alive for the lifetime of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPingDatabase, err)
	}

	if schema != "" {
		s := &squibble.Schema{Current: schema}
		if err := s.Apply(context.Background(), db.DB); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %w", ErrApplySchema, err)
		}
	}

	log.Info().
		Str("path", cfg.Path).
		Str("config", connectionURL).
		Msg("Database opened successfully")

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sqlx.DB.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// WithTx executes fn within a transaction, rolling back on error or panic.
func (d *Database) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Schema returns the schema of the impersonation authority. Session status
// transitions rely on the partial indexes to keep at most one active session
// per target user and per admin.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    tenant_id TEXT,
    is_admin INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    modified_at DATETIME NOT NULL,
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id);

CREATE TABLE IF NOT EXISTS impersonation_sessions (
    id TEXT PRIMARY KEY,
    admin_user_id TEXT NOT NULL,
    target_user_id TEXT NOT NULL,
    target_tenant_id TEXT,
    reason TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    ended_at DATETIME,
    status TEXT NOT NULL DEFAULT 'active',
    termination_reason TEXT,
    terminated_by_admin_id TEXT,
    FOREIGN KEY (admin_user_id) REFERENCES users(id),
    FOREIGN KEY (target_user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON impersonation_sessions(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON impersonation_sessions(started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_target ON impersonation_sessions(target_user_id) WHERE status = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_admin ON impersonation_sessions(admin_user_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'success',
    admin_user_id TEXT NOT NULL,
    target_user_id TEXT,
    session_id TEXT,
    ip_address TEXT,
    reason TEXT,
    created_at DATETIME NOT NULL,
    details TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_session ON audit_log(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
`
}
