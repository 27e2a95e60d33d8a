package db

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

func TestMigrationsPath(t *testing.T) {
	p, err := MigrationsPath()
	if err != nil {
		t.Fatalf("MigrationsPath() error: %v", err)
	}
	if !strings.HasPrefix(p, "file://") || !strings.HasSuffix(p, "migrations") {
		t.Errorf("MigrationsPath() = %q", p)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	database := openTestDB(t)
	if err := RunMigrations(database); err != nil {
		t.Fatalf("first RunMigrations() error = %v", err)
	}
	v1, dirty, err := GetMigrationVersion(database)
	if err != nil || dirty || v1 < 1 {
		t.Fatalf("GetMigrationVersion() = %d, %v, %v", v1, dirty, err)
	}
	if err := RunMigrations(database); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
	v2, _, _ := GetMigrationVersion(database)
	if v1 != v2 {
		t.Errorf("version changed: %d -> %d", v1, v2)
	}
	for _, table := range []string{"users", "model_accounts", "activity_logs", "kv"} {
		if !tableExists(t, database, table) {
			t.Errorf("table %s missing", table)
		}
	}
}

// openSchemaDB returns a pool whose connections all use a fresh schema, so rolling migrations
// back does not disturb other packages testing against the same database.
func openSchemaDB(t *testing.T, schema string) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	admin, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = admin.Close() })
	ctx := context.Background()
	ident := pgx.Identifier{schema}.Sanitize()
	if _, err := admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+ident+` CASCADE`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA `+ident); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.RuntimeParams["search_path"] = schema
	scoped := stdlib.OpenDB(*cfg)
	t.Cleanup(func() {
		_ = scoped.Close()
		_, _ = admin.ExecContext(context.Background(), `DROP SCHEMA IF EXISTS `+ident+` CASCADE`)
	})
	return scoped
}

func tableExists(t *testing.T, database *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := database.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1
	)`, table).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return exists
}

func TestMigrateDownRoundTrip(t *testing.T) {
	database := openSchemaDB(t, "mnl_migrate_roundtrip")
	tables := []string{"users", "model_accounts", "activity_logs", "kv"}

	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	up, _, err := GetMigrationVersion(database)
	if err != nil || up < 1 {
		t.Fatalf("version after up = %d, %v", up, err)
	}

	if err := MigrateDown(database); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	for _, table := range tables {
		if tableExists(t, database, table) {
			t.Errorf("table %s still present after rollback", table)
		}
	}
	if v, dirty, err := GetMigrationVersion(database); err != nil || dirty || v != up-1 {
		t.Errorf("version after down = %d, %v, %v; want %d", v, dirty, err, up-1)
	}

	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() after rollback error = %v", err)
	}
	again, dirty, err := GetMigrationVersion(database)
	if err != nil || dirty || again != up {
		t.Errorf("version after re-apply = %d, %v, %v; want %d", again, dirty, err, up)
	}
	for _, table := range tables {
		if !tableExists(t, database, table) {
			t.Errorf("table %s missing after re-apply", table)
		}
	}
}
