package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/St-Ryzen/MNL/db"
)

// resetTables are emptied before each database test, in dependency order.
var resetTables = []string{"activity_logs", "model_accounts", "users", "kv"}

// SetupTestDB connects to TEST_PG_DSN with the production pool settings, applies the embedded
// schema and empties every table. Tests skip when TEST_PG_DSN is unset.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		t.Fatalf("ping test database: %v", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	stmt := "TRUNCATE " + strings.Join(resetTables, ", ") + " RESTART IDENTITY CASCADE"
	if _, err := database.ExecContext(ctx, stmt); err != nil {
		t.Fatalf("reset test database: %v", err)
	}
	return database
}
