// Package jobs owns the generation job lifecycle and its coupling to the
// ledger: a job is only ever created together with its debit, and a failed or
// cancelled job is refunded exactly once.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/glintlabs/creditcore/internal/idempotency"
	"github.com/glintlabs/creditcore/internal/ledger"
	"github.com/glintlabs/creditcore/internal/models"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_job_transitions_total",
		Help: "Job state transitions committed, labeled by target state",
	}, []string{"to"})

	refundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_job_refunds_total",
		Help: "Refunds issued for failed or cancelled jobs",
	})
)

// OpCreateJob is the operation tag recorded on idempotency reservations.
const OpCreateJob = "create_job"

type Orchestrator struct {
	db     *pgxpool.Pool
	ledger *ledger.Engine
	idem   *idempotency.Store
	log    zerolog.Logger
}

func NewOrchestrator(db *pgxpool.Pool, eng *ledger.Engine, idem *idempotency.Store, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		db:     db,
		ledger: eng,
		idem:   idem,
		log:    log.With().Str("component", "jobs").Logger(),
	}
}

// CreateResult is the outcome of Create. On a replay, Job and Balance are
// zero-valued and CachedStatus/CachedBody carry the original response.
type CreateResult struct {
	Job      models.Job
	Balance  int64
	Replayed bool

	CachedStatus int
	CachedBody   json.RawMessage
}

// createResponse is the payload cached against the idempotency key and
// returned to the client, identical on first execution and on replay.
type createResponse struct {
	Job     models.Job `json:"job"`
	Balance int64      `json:"balance"`
}

// Create charges the account and inserts the job in a single transaction:
// idempotency reservation, debit, job insert and response finalization all
// commit together or not at all. A crash at any point either leaves no trace
// or the full set, so a debit can never be stranded without its job.
func (o *Orchestrator) Create(ctx context.Context, accountID, cost int64, params json.RawMessage, idemKey, requestHash string) (*CreateResult, error) {
	tx, err := o.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	cached, err := o.idem.CheckOrReserveTx(ctx, tx, idemKey, accountID, OpCreateJob, requestHash)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return &CreateResult{
			Replayed:     true,
			CachedStatus: cached.ResponseStatus,
			CachedBody:   cached.ResponseBody,
		}, nil
	}

	balance, err := o.ledger.DebitTx(ctx, tx, accountID, cost, models.ReasonGenerationCharge)
	if err != nil {
		return nil, err
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	job := models.Job{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Params:         params,
		State:          models.JobPending,
		CreditsCharged: cost,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO jobs (id, account_id, params, state, credits_charged)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		job.ID, job.AccountID, job.Params, job.State, job.CreditsCharged,
	).Scan(&job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("job insert failed: %w", err)
	}

	body, err := json.Marshal(createResponse{Job: job, Balance: balance})
	if err != nil {
		return nil, err
	}
	if err := o.idem.FinalizeTx(ctx, tx, idemKey, http.StatusCreated, body); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	transitionsTotal.WithLabelValues(string(models.JobPending)).Inc()
	o.log.Info().Str("job_id", job.ID).Int64("account_id", accountID).
		Int64("cost", cost).Int64("balance", balance).Msg("job created")
	return &CreateResult{Job: job, Balance: balance}, nil
}

// MarkProcessing moves a pending job to processing, recording the provider's
// job handle when one is supplied. Calling it again on a job already
// processing is a no-op so provider callbacks can be delivered more than once.
func (o *Orchestrator) MarkProcessing(ctx context.Context, jobID, providerRef string) error {
	tx, err := o.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case models.JobPending:
	case models.JobProcessing:
		return nil
	default:
		return &models.InvalidTransitionError{JobID: jobID, From: job.State, To: models.JobProcessing}
	}

	var ref *string
	if providerRef != "" {
		ref = &providerRef
	}
	if _, err := tx.Exec(ctx,
		`UPDATE jobs
		 SET state = $1, provider_ref = COALESCE($2, provider_ref), started_at = now()
		 WHERE id = $3`,
		models.JobProcessing, ref, jobID); err != nil {
		return fmt.Errorf("job update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	transitionsTotal.WithLabelValues(string(models.JobProcessing)).Inc()
	return nil
}

// Complete moves a processing job to completed and stores the result
// reference. The generation charge stands; no ledger action.
func (o *Orchestrator) Complete(ctx context.Context, jobID, resultRef string) error {
	tx, err := o.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.State != models.JobProcessing {
		return &models.InvalidTransitionError{JobID: jobID, From: job.State, To: models.JobCompleted}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET state = $1, result_ref = $2, completed_at = now() WHERE id = $3`,
		models.JobCompleted, resultRef, jobID); err != nil {
		return fmt.Errorf("job update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	transitionsTotal.WithLabelValues(string(models.JobCompleted)).Inc()
	o.log.Info().Str("job_id", jobID).Msg("job completed")
	return nil
}

// Fail moves any non-terminal job to failed and refunds the charge. The
// refund commits in the same transaction as the terminal transition, and the
// job row lock plus the terminal-state check make it exactly-once: a second
// Fail on an already-failed job reports refunded=false and does nothing.
func (o *Orchestrator) Fail(ctx context.Context, jobID, reason string) (bool, error) {
	return o.terminate(ctx, jobID, models.JobFailed, reason)
}

// Cancel moves a non-terminal job to cancelled with the same refund
// discipline as Fail.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	return o.terminate(ctx, jobID, models.JobCancelled, "cancelled by user")
}

func (o *Orchestrator) terminate(ctx context.Context, jobID string, target models.JobState, reason string) (bool, error) {
	tx, err := o.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return false, err
	}

	if job.State == target {
		// Terminal already; the refund happened with the first transition.
		return false, nil
	}
	if job.State.Terminal() {
		return false, &models.InvalidTransitionError{JobID: jobID, From: job.State, To: target}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET state = $1, failure_reason = $2, completed_at = now() WHERE id = $3`,
		target, reason, jobID); err != nil {
		return false, fmt.Errorf("job update failed: %w", err)
	}

	refunded := false
	if job.CreditsCharged > 0 {
		if _, err := o.ledger.CreditTx(ctx, tx, job.AccountID, job.CreditsCharged, models.ReasonGenerationRefund, ""); err != nil {
			return false, fmt.Errorf("refund failed: %w", err)
		}
		refunded = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}

	transitionsTotal.WithLabelValues(string(target)).Inc()
	if refunded {
		refundsTotal.Inc()
	}
	o.log.Info().Str("job_id", jobID).Str("state", string(target)).
		Bool("refunded", refunded).Str("reason", reason).Msg("job terminated")
	return refunded, nil
}

// Get returns a single job.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := o.db.QueryRow(ctx, jobSelect+" WHERE id = $1", jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// List returns the account's jobs newest first, ties broken by id descending
// so pages stay stable when jobs share a creation timestamp.
func (o *Orchestrator) List(ctx context.Context, accountID int64, limit, offset int) ([]models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := o.db.Query(ctx,
		jobSelect+` WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ReapStuck force-fails jobs stuck in processing longer than olderThan. Each
// forced failure goes through the same path as an explicit Fail, so the
// single-refund guarantee holds even when a provider callback races the
// sweep.
func (o *Orchestrator) ReapStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := o.db.Query(ctx,
		`SELECT id FROM jobs
		 WHERE state = $1 AND started_at < now() - make_interval(secs => $2)`,
		models.JobProcessing, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		refunded, err := o.Fail(ctx, id, "processing timeout")
		if err != nil {
			var invalid *models.InvalidTransitionError
			if errors.As(err, &invalid) {
				// A callback won the race; nothing to reconcile.
				continue
			}
			o.log.Error().Err(err).Str("job_id", id).Msg("reap failed")
			continue
		}
		if refunded {
			reaped++
		}
	}
	if reaped > 0 {
		o.log.Warn().Int("reaped", reaped).Msg("stuck jobs force-failed")
	}
	return reaped, nil
}

const jobSelect = `SELECT id, account_id, provider_ref, params, state, result_ref,
	credits_charged, failure_reason, created_at, started_at, completed_at FROM jobs`

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(&job.ID, &job.AccountID, &job.ProviderRef, &job.Params, &job.State,
		&job.ResultRef, &job.CreditsCharged, &job.FailureReason,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// lockJob acquires the job row lock that serializes terminal transitions.
func lockJob(ctx context.Context, tx pgx.Tx, jobID string) (*models.Job, error) {
	row := tx.QueryRow(ctx, jobSelect+" WHERE id = $1 FOR UPDATE", jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("job lock failed: %w", err)
	}
	return job, nil
}
