// Package dbtest starts a migrated Postgres for store integration tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/MrJamesThe3rd/gigflow/internal/database"
)

// New returns a migrated database. TEST_DATABASE_URL reuses an existing
// server; otherwise a postgres:16 container is started. The test is skipped
// with -short or when no container runtime is available.
func New(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = startContainer(ctx, t)
	}

	db, err := database.New(ctx, dsn, database.Pool{MaxOpen: 10, MaxIdle: 2, MaxLifetime: time.Minute})
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	return db
}

func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("gigflow"),
		postgres.WithUsername("gigflow"),
		postgres.WithPassword("gigflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Logf("terminating postgres container: %v", err)
		}
	})

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}

	return dsn
}

// SeedUser inserts a user with the given platform role.
func SeedUser(t *testing.T, db *sql.DB, id string, role string) {
	t.Helper()

	if _, err := db.Exec(`INSERT INTO users (id, role) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, role); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
}

// CountNotifications returns how many notifications of kind were written for a user.
func CountNotifications(t *testing.T, db *sql.DB, userID string, kind string) int {
	t.Helper()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND kind = $2`, userID, kind).Scan(&n); err != nil {
		t.Fatalf("counting notifications: %v", err)
	}

	return n
}
