// Package store owns the Postgres connection pool, schema migrations and
// account persistence. Balance mutations never happen here; those go through
// the ledger engine so every change leaves an audit entry.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/glintlabs/creditcore/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate applies all pending schema migrations embedded in the binary.
func Migrate(connString string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("migration connection: %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// CreateAccount inserts a zero-balance account. The first credits arrive via
// the ledger's initial grant, never at creation time.
func (s *Store) CreateAccount(ctx context.Context, guest bool) (*models.Account, error) {
	var acc models.Account
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO accounts (guest) VALUES ($1)
		 RETURNING id, balance, lifetime_earned, guest, created_at, updated_at`,
		guest,
	).Scan(&acc.ID, &acc.Balance, &acc.LifetimeEarned, &acc.Guest, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return &acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	var acc models.Account
	err := s.Pool.QueryRow(ctx,
		`SELECT id, balance, lifetime_earned, guest, created_at, updated_at
		 FROM accounts WHERE id = $1`,
		id,
	).Scan(&acc.ID, &acc.Balance, &acc.LifetimeEarned, &acc.Guest, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// PromoteGuest flips the guest flag once a device registers a full account.
func (s *Store) PromoteGuest(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx,
		"UPDATE accounts SET guest = FALSE, updated_at = now() WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAccountNotFound
	}
	return nil
}

// GetEntries returns the audit trail for an account, newest first.
func (s *Store) GetEntries(ctx context.Context, accountID int64, limit, offset int) ([]models.LedgerEntry, error) {
	var exists bool
	if err := s.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.ErrAccountNotFound
	}

	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT id, account_id, delta, reason, external_ref, balance_after, created_at
		 FROM ledger_entries
		 WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.ExternalRef, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
