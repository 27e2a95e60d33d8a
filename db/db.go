// Package db provides the Postgres connection, schema migration and data access helpers
// for users, model accounts, activity logs and the kv table.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("already exists")
)

// Connect opens a Postgres pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(5)
	database.SetConnMaxIdleTime(5 * time.Minute)
	return database, nil
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback for deployments without versioned migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS model_accounts (
			id BIGSERIAL PRIMARY KEY,
			model_username TEXT NOT NULL UNIQUE,
			actual_username TEXT NOT NULL,
			encrypted_password TEXT NOT NULL,
			encryption_version INTEGER NOT NULL DEFAULT 1,
			encryption_key_id TEXT,
			assigned_chatter_ids BIGINT[] NOT NULL DEFAULT '{}',
			browser_profile_backup TEXT,
			auth_tokens JSONB,
			session_cookies JSONB,
			session_storage JSONB,
			last_session_update TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT,
			action TEXT NOT NULL,
			details JSONB,
			ip_address TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE model_accounts ADD COLUMN IF NOT EXISTS encryption_key_id TEXT`,
		`ALTER TABLE model_accounts ADD COLUMN IF NOT EXISTS session_storage JSONB`,
		`CREATE INDEX IF NOT EXISTS idx_model_accounts_chatters ON model_accounts USING GIN (assigned_chatter_ids)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_created ON activity_logs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_user ON activity_logs(user_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SetKV upserts a key in the kv table.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the value for key, or ErrNotFound.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}
