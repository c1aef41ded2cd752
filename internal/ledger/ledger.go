// Package ledger is the single place account balances are mutated. Every
// mutation locks the account row, checks, applies the delta, and appends an
// audit entry with the resulting balance, all inside one transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/glintlabs/creditcore/internal/models"
)

var ErrNonPositiveAmount = errors.New("amount must be positive")

var mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "credit_ledger_mutations_total",
	Help: "Ledger mutations committed, labeled by direction and reason",
}, []string{"direction", "reason"})

type Engine struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewEngine(db *pgxpool.Pool, log zerolog.Logger) *Engine {
	return &Engine{db: db, log: log.With().Str("component", "ledger").Logger()}
}

// Debit removes amount credits from the account, failing with
// *models.InsufficientFundsError when the balance does not cover it.
// Returns the new balance.
func (e *Engine) Debit(ctx context.Context, accountID, amount int64, reason models.Reason) (int64, error) {
	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := e.DebitTx(ctx, tx, accountID, amount, reason)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return balance, nil
}

// DebitTx is Debit running inside the caller's transaction, for operations
// that must commit atomically with other writes (job creation). The caller
// owns commit and rollback.
func (e *Engine) DebitTx(ctx context.Context, tx pgx.Tx, accountID, amount int64, reason models.Reason) (int64, error) {
	if amount <= 0 {
		return 0, ErrNonPositiveAmount
	}

	balance, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}

	if balance < amount {
		return balance, &models.InsufficientFundsError{
			Balance:   balance,
			Shortfall: amount - balance,
		}
	}

	newBalance := balance - amount
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = $1, updated_at = now() WHERE id = $2",
		newBalance, accountID); err != nil {
		return 0, fmt.Errorf("balance update failed: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (account_id, delta, reason, balance_after)
		 VALUES ($1, $2, $3, $4)`,
		accountID, -amount, reason, newBalance); err != nil {
		return 0, fmt.Errorf("ledger entry failed: %w", err)
	}

	mutationsTotal.WithLabelValues("debit", string(reason)).Inc()
	e.log.Debug().Int64("account_id", accountID).Int64("amount", amount).
		Str("reason", string(reason)).Int64("balance", newBalance).Msg("debit applied")
	return newBalance, nil
}

// Credit adds amount credits to the account and bumps the lifetime-earned
// total. When externalRef is non-empty and an entry with that reference
// already exists, it fails with models.ErrDuplicateTransaction and mutates
// nothing; purchase confirmations can arrive over multiple channels, so this
// guard is independent of the request idempotency layer.
func (e *Engine) Credit(ctx context.Context, accountID, amount int64, reason models.Reason, externalRef string) (int64, error) {
	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := e.CreditTx(ctx, tx, accountID, amount, reason, externalRef)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return balance, nil
}

// CreditTx is Credit running inside the caller's transaction.
func (e *Engine) CreditTx(ctx context.Context, tx pgx.Tx, accountID, amount int64, reason models.Reason, externalRef string) (int64, error) {
	if amount <= 0 {
		return 0, ErrNonPositiveAmount
	}

	balance, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}

	var ref *string
	if externalRef != "" {
		var dup bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE external_ref = $1)",
			externalRef).Scan(&dup); err != nil {
			return 0, fmt.Errorf("duplicate check failed: %w", err)
		}
		if dup {
			return balance, models.ErrDuplicateTransaction
		}
		ref = &externalRef
	}

	newBalance := balance + amount
	if _, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET balance = $1, lifetime_earned = lifetime_earned + $2, updated_at = now()
		 WHERE id = $3`,
		newBalance, amount, accountID); err != nil {
		return 0, fmt.Errorf("balance update failed: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (account_id, delta, reason, external_ref, balance_after)
		 VALUES ($1, $2, $3, $4, $5)`,
		accountID, amount, reason, ref, newBalance); err != nil {
		// The partial unique index still races with a concurrent credit on a
		// different account using the same reference.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return balance, models.ErrDuplicateTransaction
		}
		return 0, fmt.Errorf("ledger entry failed: %w", err)
	}

	mutationsTotal.WithLabelValues("credit", string(reason)).Inc()
	e.log.Debug().Int64("account_id", accountID).Int64("amount", amount).
		Str("reason", string(reason)).Int64("balance", newBalance).Msg("credit applied")
	return newBalance, nil
}

// lockAccount acquires the exclusive row lock that serializes every
// read-modify-write on the account. Single acquisition path for debits and
// credits so the database lock manager is the only arbiter.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		"SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrAccountNotFound
		}
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return balance, nil
}
