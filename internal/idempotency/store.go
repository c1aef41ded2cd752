// Package idempotency implements the keyed request cache that gives mutating
// endpoints exactly-once effect. Reservation and finalization run inside the
// same transaction as the work they guard, so a crash mid-operation rolls the
// reservation back instead of wedging the key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/glintlabs/creditcore/internal/models"
)

const DefaultTTL = 24 * time.Hour

type Store struct {
	db  *pgxpool.Pool
	ttl time.Duration
	log zerolog.Logger
}

func NewStore(db *pgxpool.Pool, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl, log: log.With().Str("component", "idempotency").Logger()}
}

// CheckOrReserveTx looks the key up inside the caller's transaction and
// reserves it when fresh. Returns (nil, nil) when the key is new and the
// caller should proceed with the guarded work and FinalizeTx before commit.
// A finalized key returns the cached record; a reserved-but-unfinalized key
// (concurrent request still in flight) returns models.ErrRequestInProgress;
// a replay with a different request hash returns models.ErrKeyPayloadMismatch.
func (s *Store) CheckOrReserveTx(ctx context.Context, tx pgx.Tx, key string, accountID int64, operation, requestHash string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var status *int
	err := tx.QueryRow(ctx,
		`SELECT key, account_id, operation, request_hash, response_status, response_body, created_at, expires_at
		 FROM idempotency_records WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.AccountID, &rec.Operation, &rec.RequestHash, &status, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)

	switch {
	case err == nil:
		if rec.RequestHash != requestHash {
			return nil, models.ErrKeyPayloadMismatch
		}
		if status == nil {
			return nil, models.ErrRequestInProgress
		}
		rec.ResponseStatus = *status
		return &rec, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to reserve
	default:
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO idempotency_records (key, account_id, operation, request_hash, expires_at)
		 VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5))`,
		key, accountID, operation, requestHash, s.ttl.Seconds())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the insert race to a concurrent request with the same key.
			return nil, models.ErrRequestInProgress
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return nil, nil
}

// FinalizeTx binds the response to the reserved key. Must run in the same
// transaction that reserved the key and performed the guarded mutation.
func (s *Store) FinalizeTx(ctx context.Context, tx pgx.Tx, key string, responseStatus int, responseBody json.RawMessage) error {
	tag, err := tx.Exec(ctx,
		`UPDATE idempotency_records
		 SET response_status = $1, response_body = $2
		 WHERE key = $3`,
		responseStatus, responseBody, key)
	if err != nil {
		return fmt.Errorf("idempotency finalize failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency finalize: key %q not reserved", key)
	}
	return nil
}

// Sweep deletes records past their expiry. Housekeeping only; in-flight keys
// are never eligible because expiry is set at reservation time, a full TTL
// ahead.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM idempotency_records WHERE expires_at < now()")
	if err != nil {
		return 0, fmt.Errorf("idempotency sweep failed: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info().Int64("deleted", n).Msg("expired idempotency records swept")
		return n, nil
	}
	return 0, nil
}
