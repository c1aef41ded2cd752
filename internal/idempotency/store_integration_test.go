package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glintlabs/creditcore/internal/models"
	"github.com/glintlabs/creditcore/internal/testutil"
)

func TestCheckOrReserve(t *testing.T) {
	pool := testutil.Pool(t)
	store := NewStore(pool, DefaultTTL, testutil.Logger())
	ctx := context.Background()

	t.Run("FreshKeyReserves", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		defer tx.Rollback(ctx)

		cached, err := store.CheckOrReserveTx(ctx, tx, "fresh", 1, "op", "h1")
		if err != nil {
			t.Fatalf("reserve failed: %v", err)
		}
		if cached != nil {
			t.Fatal("fresh key returned a cached record")
		}
		if err := store.FinalizeTx(ctx, tx, "fresh", 201, json.RawMessage(`{"ok":true}`)); err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	})

	t.Run("FinalizedKeyReplays", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		defer tx.Rollback(ctx)

		cached, err := store.CheckOrReserveTx(ctx, tx, "fresh", 1, "op", "h1")
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if cached == nil {
			t.Fatal("finalized key must replay")
		}
		if cached.ResponseStatus != 201 {
			t.Errorf("status = %d, want 201", cached.ResponseStatus)
		}
		if string(cached.ResponseBody) != `{"ok": true}` && string(cached.ResponseBody) != `{"ok":true}` {
			t.Errorf("body = %s", cached.ResponseBody)
		}
	})

	t.Run("HashMismatchRejected", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		defer tx.Rollback(ctx)

		_, err = store.CheckOrReserveTx(ctx, tx, "fresh", 1, "op", "different")
		if !errors.Is(err, models.ErrKeyPayloadMismatch) {
			t.Fatalf("expected ErrKeyPayloadMismatch, got %v", err)
		}
	})

	t.Run("RolledBackReservationFreesKey", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		if _, err := store.CheckOrReserveTx(ctx, tx, "doomed", 1, "op", "h"); err != nil {
			t.Fatalf("reserve failed: %v", err)
		}
		tx.Rollback(ctx)

		tx2, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		defer tx2.Rollback(ctx)
		cached, err := store.CheckOrReserveTx(ctx, tx2, "doomed", 1, "op", "h")
		if err != nil || cached != nil {
			t.Fatalf("rolled-back key not fresh: cached=%v err=%v", cached, err)
		}
	})
}

func TestSweep(t *testing.T) {
	pool := testutil.Pool(t)
	store := NewStore(pool, DefaultTTL, testutil.Logger())
	ctx := context.Background()

	mustExec := func(query string, args ...any) {
		t.Helper()
		if _, err := pool.Exec(ctx, query, args...); err != nil {
			t.Fatalf("exec failed: %v", err)
		}
	}

	mustExec(`INSERT INTO idempotency_records (key, account_id, operation, request_hash, response_status, expires_at)
	          VALUES ('expired', 1, 'op', 'h', 200, now() - interval '1 hour')`)
	mustExec(`INSERT INTO idempotency_records (key, account_id, operation, request_hash, response_status, expires_at)
	          VALUES ('live', 1, 'op', 'h', 200, now() + interval '23 hours')`)
	// In-flight: reserved recently, not finalized. Never eligible because its
	// expiry is a full TTL out.
	mustExec(`INSERT INTO idempotency_records (key, account_id, operation, request_hash, expires_at)
	          VALUES ('inflight', 1, 'op', 'h', now() + interval '24 hours')`)

	deleted, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	var remaining int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM idempotency_records").Scan(&remaining); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 2 {
		t.Errorf("remaining = %d, want 2", remaining)
	}
}

func TestTTLDefault(t *testing.T) {
	s := NewStore(nil, 0, testutil.Logger())
	if s.ttl != 24*time.Hour {
		t.Errorf("ttl = %v, want 24h default", s.ttl)
	}
}
