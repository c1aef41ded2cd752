package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glintlabs/creditcore/internal/models"
	"github.com/glintlabs/creditcore/internal/testutil"
)

func newTestEngine(t *testing.T) (*Engine, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.Pool(t)
	return NewEngine(pool, testutil.Logger()), pool
}

// ledgerSum replays an account's entries and checks each snapshot against the
// running sum.
func ledgerSum(t *testing.T, pool *pgxpool.Pool, accountID int64) int64 {
	t.Helper()
	rows, err := pool.Query(context.Background(),
		`SELECT delta, balance_after FROM ledger_entries
		 WHERE account_id = $1 ORDER BY id ASC`, accountID)
	if err != nil {
		t.Fatalf("entries query failed: %v", err)
	}
	defer rows.Close()

	var sum int64
	for rows.Next() {
		var delta, after int64
		if err := rows.Scan(&delta, &after); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		sum += delta
		if after != sum {
			t.Fatalf("snapshot %d does not match running sum %d", after, sum)
		}
	}
	return sum
}

func balance(t *testing.T, pool *pgxpool.Pool, accountID int64) int64 {
	t.Helper()
	var b int64
	if err := pool.QueryRow(context.Background(),
		"SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&b); err != nil {
		t.Fatalf("balance query failed: %v", err)
	}
	return b
}

func TestDebit(t *testing.T) {
	eng, pool := newTestEngine(t)
	ctx := context.Background()
	accountID := testutil.CreateAccount(t, pool, 100)

	t.Run("Success", func(t *testing.T) {
		got, err := eng.Debit(ctx, accountID, 30, models.ReasonGenerationCharge)
		if err != nil {
			t.Fatalf("debit failed: %v", err)
		}
		if got != 70 {
			t.Errorf("balance = %d, want 70", got)
		}
		if sum := ledgerSum(t, pool, accountID); sum != 70 {
			t.Errorf("ledger sum = %d, want 70", sum)
		}
	})

	t.Run("InsufficientFundsLeavesBalanceUnchanged", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := eng.Debit(ctx, accountID, 1000, models.ReasonGenerationCharge)
			var insufficient *models.InsufficientFundsError
			if !errors.As(err, &insufficient) {
				t.Fatalf("expected InsufficientFundsError, got %v", err)
			}
			if insufficient.Balance != 70 || insufficient.Shortfall != 930 {
				t.Errorf("detail = %+v, want balance 70 shortfall 930", insufficient)
			}
			if b := balance(t, pool, accountID); b != 70 {
				t.Errorf("balance mutated to %d on failed debit", b)
			}
		}
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		_, err := eng.Debit(ctx, 99999999, 1, models.ReasonGenerationCharge)
		if !errors.Is(err, models.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound, got %v", err)
		}
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		if _, err := eng.Debit(ctx, accountID, 0, models.ReasonGenerationCharge); !errors.Is(err, ErrNonPositiveAmount) {
			t.Fatalf("expected ErrNonPositiveAmount, got %v", err)
		}
	})
}

func TestCredit(t *testing.T) {
	eng, pool := newTestEngine(t)
	ctx := context.Background()
	accountID := testutil.CreateAccount(t, pool, 0)

	t.Run("Success", func(t *testing.T) {
		got, err := eng.Credit(ctx, accountID, 50, models.ReasonPurchase, "tx-1")
		if err != nil {
			t.Fatalf("credit failed: %v", err)
		}
		if got != 50 {
			t.Errorf("balance = %d, want 50", got)
		}
	})

	t.Run("DuplicateExternalRef", func(t *testing.T) {
		_, err := eng.Credit(ctx, accountID, 50, models.ReasonPurchase, "tx-1")
		if !errors.Is(err, models.ErrDuplicateTransaction) {
			t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
		}
		if b := balance(t, pool, accountID); b != 50 {
			t.Errorf("balance = %d, duplicate must not credit twice", b)
		}
	})

	t.Run("LifetimeEarnedGrows", func(t *testing.T) {
		if _, err := eng.Credit(ctx, accountID, 20, models.ReasonPurchase, "tx-2"); err != nil {
			t.Fatalf("credit failed: %v", err)
		}
		var lifetime int64
		if err := pool.QueryRow(ctx,
			"SELECT lifetime_earned FROM accounts WHERE id = $1", accountID).Scan(&lifetime); err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if lifetime != 70 {
			t.Errorf("lifetime_earned = %d, want 70", lifetime)
		}
	})

	t.Run("EmptyRefSkipsGuard", func(t *testing.T) {
		// Refunds carry no external ref; two refunds of equal amounts must
		// both post.
		if _, err := eng.Credit(ctx, accountID, 5, models.ReasonGenerationRefund, ""); err != nil {
			t.Fatalf("credit failed: %v", err)
		}
		if _, err := eng.Credit(ctx, accountID, 5, models.ReasonGenerationRefund, ""); err != nil {
			t.Fatalf("second refund failed: %v", err)
		}
	})
}

func TestConcurrentDebitsSerialize(t *testing.T) {
	eng, pool := newTestEngine(t)
	ctx := context.Background()

	const workers = 20
	const startBalance = 12 // fewer credits than workers

	accountID := testutil.CreateAccount(t, pool, startBalance)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := eng.Debit(ctx, accountID, 1, models.ReasonGenerationCharge)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			default:
				var e *models.InsufficientFundsError
				if errors.As(err, &e) {
					insufficient++
				} else {
					t.Errorf("unexpected debit error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if succeeded != startBalance {
		t.Errorf("succeeded = %d, want %d", succeeded, startBalance)
	}
	if insufficient != workers-startBalance {
		t.Errorf("insufficient = %d, want %d", insufficient, workers-startBalance)
	}
	if b := balance(t, pool, accountID); b != 0 {
		t.Errorf("final balance = %d, want 0", b)
	}

	// Snapshot chain must reflect a true total order of the mutations.
	if sum := ledgerSum(t, pool, accountID); sum != 0 {
		t.Errorf("ledger sum = %d, want 0", sum)
	}

	var entries int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1 AND delta < 0`,
		accountID).Scan(&entries); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if entries != startBalance {
		t.Errorf("debit entries = %d, want %d", entries, startBalance)
	}
}
