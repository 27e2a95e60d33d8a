// Package main provides a CLI tool to encrypt model-account passwords at rest and to re-key
// them after ENCRYPTION_KEY is rotated.
//
// Rows with encryption_version=0 (plaintext, imported from older deployments) are sealed with
// the current key. With --old-key, rows sealed by that key are re-sealed with the current key.
//
// Usage:
//
//	migrate-passwords [--dry-run] [--old-key BASE64] [--account ID]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-passwords --dry-run
//	./migrate-passwords --old-key "$PREVIOUS_KEY"
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/St-Ryzen/MNL/crypto"
)

// passwordRow is one model account whose password needs sealing.
type passwordRow struct {
	ID                int64
	ModelUsername     string
	Password          string
	EncryptionVersion int
	EncryptionKeyID   sql.NullString
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	oldKey := flag.String("old-key", "", "Previous base64 key; rows sealed with it are re-keyed")
	account := flag.Int64("account", 0, "Migrate a single account only (default: all accounts)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}

	current, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}
	var previous crypto.Encryptor
	if *oldKey != "" {
		prev, err := crypto.NewAESEncryptor(*oldKey)
		if err != nil {
			slog.Error("failed to initialize previous encryptor", slog.Any("error", err))
			os.Exit(1)
		}
		previous = prev
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if err := migratePasswords(ctx, database, current, previous, *dryRun, *account); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, database, current); err != nil {
		slog.Warn("could not report encryption status", slog.Any("error", err))
	}
	slog.Info("migration completed successfully")
}

// migratePasswords seals plaintext passwords with current and, when previous is set, re-keys
// passwords sealed with previous.
func migratePasswords(ctx context.Context, database *sql.DB, current, previous crypto.Encryptor, dryRun bool, accountFilter int64) error {
	query := `
		SELECT id, model_username, encrypted_password, encryption_version, encryption_key_id
		FROM model_accounts
		WHERE (encryption_version = 0`
	args := []any{}
	if previous != nil {
		args = append(args, previous.KeyID())
		query += fmt.Sprintf(" OR encryption_key_id = $%d", len(args))
	}
	query += ")"
	if accountFilter != 0 {
		args = append(args, accountFilter)
		query += fmt.Sprintf(" AND id = $%d", len(args))
	}
	query += " ORDER BY id"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query passwords: %w", err)
	}
	defer rows.Close()

	var pending []passwordRow
	for rows.Next() {
		var r passwordRow
		if err := rows.Scan(&r.ID, &r.ModelUsername, &r.Password, &r.EncryptionVersion, &r.EncryptionKeyID); err != nil {
			return fmt.Errorf("failed to scan password row: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating password rows: %w", err)
	}

	if len(pending) == 0 {
		slog.Info("no passwords found to migrate")
		return nil
	}
	slog.Info("found passwords to migrate",
		slog.Int("count", len(pending)),
		slog.Bool("dry_run", dryRun))

	migratedCount := 0
	errorCount := 0
	for i, r := range pending {
		logger := slog.With(
			slog.Int64("account_id", r.ID),
			slog.String("model_username", r.ModelUsername),
			slog.Int("index", i+1),
			slog.Int("total", len(pending)))

		if dryRun {
			logger.Info("would migrate password (dry-run)", slog.Int("encryption_version", r.EncryptionVersion))
			migratedCount++
			continue
		}
		if err := migratePassword(ctx, database, current, previous, r); err != nil {
			logger.Error("failed to migrate password", slog.Any("error", err))
			errorCount++
			continue
		}
		logger.Info("migrated password successfully")
		migratedCount++
	}

	slog.Info("migration summary",
		slog.Int("total", len(pending)),
		slog.Int("migrated", migratedCount),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return nil
}

// migratePassword re-seals one row. The update only applies if the row is still in the state
// it was read in.
func migratePassword(ctx context.Context, database *sql.DB, current, previous crypto.Encryptor, r passwordRow) error {
	plain := r.Password
	if r.EncryptionVersion != 0 {
		if previous == nil {
			return fmt.Errorf("row is encrypted but no previous key was given")
		}
		var err error
		plain, err = crypto.Open(previous, crypto.Sealed{Value: r.Password, KeyID: r.EncryptionKeyID.String})
		if err != nil {
			return fmt.Errorf("decrypt with previous key: %w", err)
		}
	}
	sealed, err := crypto.Seal(current, plain)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is best effort

	result, err := tx.ExecContext(ctx, `
		UPDATE model_accounts
		SET encrypted_password = $1,
		    encryption_version = 1,
		    encryption_key_id = $2
		WHERE id = $3 AND encrypted_password = $4 AND encryption_version = $5`,
		sealed.Value, sealed.KeyID, r.ID, r.Password, r.EncryptionVersion)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (account may have been modified concurrently)", rowsAffected)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// reportStatus logs how many accounts are plaintext, sealed with current, or sealed with
// another key.
func reportStatus(ctx context.Context, database *sql.DB, current crypto.Encryptor) error {
	var plaintext, currentKey, otherKey int
	err := database.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE encryption_version = 0),
			COUNT(*) FILTER (WHERE encryption_version <> 0 AND encryption_key_id = $1),
			COUNT(*) FILTER (WHERE encryption_version <> 0 AND encryption_key_id IS DISTINCT FROM $1)
		FROM model_accounts`, current.KeyID()).Scan(&plaintext, &currentKey, &otherKey)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	slog.Info("password encryption status",
		slog.Int("plaintext", plaintext),
		slog.Int("current_key", currentKey),
		slog.Int("other_key", otherKey))
	return nil
}
