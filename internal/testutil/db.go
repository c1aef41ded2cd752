// Package testutil provides shared helpers for tests that need a real
// Postgres instance. Integration tests skip cleanly when TEST_DATABASE_URL is
// not set.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/glintlabs/creditcore/internal/store"
)

// Pool connects to the test database, applies migrations, truncates all
// tables and returns a pool that closes with the test.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	if err := store.Migrate(url); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pool failed: %v", err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx,
		`TRUNCATE accounts, ledger_entries, jobs, idempotency_records, device_trust_records
		 RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	return pool
}

// Logger returns a silenced logger for tests.
func Logger() zerolog.Logger {
	return zerolog.Nop()
}

// CreateAccount inserts an account with the given starting balance and a
// matching grant entry so the ledger invariant holds from the start.
func CreateAccount(t *testing.T, pool *pgxpool.Pool, balance int64) int64 {
	t.Helper()

	ctx := context.Background()
	var id int64
	err := pool.QueryRow(ctx,
		`INSERT INTO accounts (balance, lifetime_earned) VALUES ($1, $1) RETURNING id`,
		balance).Scan(&id)
	if err != nil {
		t.Fatalf("account insert failed: %v", err)
	}
	if balance > 0 {
		_, err = pool.Exec(ctx,
			`INSERT INTO ledger_entries (account_id, delta, reason, balance_after)
			 VALUES ($1, $2, 'initial_grant', $2)`,
			id, balance)
		if err != nil {
			t.Fatalf("grant entry insert failed: %v", err)
		}
	}
	return id
}
