// Package trust scores device-onboarding requests for fraud risk and gates
// the initial credit grant. The DeviceTrustRecord row gets the same exclusive
// lock discipline as accounts because its counters are read-modify-write.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/glintlabs/creditcore/internal/ledger"
	"github.com/glintlabs/creditcore/internal/models"
)

var (
	flagsRaisedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_trust_flags_raised_total",
		Help: "Fraud flags newly raised on device trust records",
	}, []string{"flag"})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_trust_rate_limited_total",
		Help: "Onboarding requests rejected by the sliding-window rate limit",
	})
)

// Params tune the fraud heuristics and the onboarding grant.
type Params struct {
	// WindowCap is the max evaluations per device per Window.
	WindowCap int
	Window    time.Duration

	// FailureSpikeRatio raises the failure-spike flag once the failure share
	// of all attestations crosses it, after FailureSpikeMinTotal samples.
	FailureSpikeRatio    float64
	FailureSpikeMinTotal int64

	// OscillationWindow bounds how recent the previous state update must be
	// for a vector flip to count as oscillation.
	OscillationWindow time.Duration

	// InitialGrant is the credit amount granted once per device on first
	// successful onboarding. Zero disables granting.
	InitialGrant int64
}

func DefaultParams() Params {
	return Params{
		WindowCap:            10,
		Window:               time.Hour,
		FailureSpikeRatio:    0.5,
		FailureSpikeMinTotal: 4,
		OscillationWindow:    24 * time.Hour,
		InitialGrant:         25,
	}
}

type Engine struct {
	db       *pgxpool.Pool
	ledger   *ledger.Engine
	verifier *Verifier
	params   Params
	log      zerolog.Logger

	now func() time.Time
}

func NewEngine(db *pgxpool.Pool, eng *ledger.Engine, verifier *Verifier, params Params, log zerolog.Logger) *Engine {
	return &Engine{
		db:       db,
		ledger:   eng,
		verifier: verifier,
		params:   params,
		log:      log.With().Str("component", "trust").Logger(),
		now:      time.Now,
	}
}

// Evaluate applies one attestation outcome to the device's trust record and
// returns the resulting verdict. The whole read-modify-write runs under the
// device row lock. When the sliding window cap is breached the evaluation
// reports RateLimited and the attestation counters are left untouched; only
// the window state advances.
func (e *Engine) Evaluate(ctx context.Context, deviceID string, accountID int64, att models.AttestationResult) (*models.Evaluation, error) {
	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := e.lockOrCreate(ctx, tx, deviceID, accountID)
	if err != nil {
		return nil, err
	}

	now := e.now()

	// Sliding window: reset on elapse, otherwise count this request.
	if now.Sub(rec.WindowStart) >= e.params.Window {
		rec.WindowStart = now
		rec.WindowCount = 1
	} else {
		rec.WindowCount++
	}

	if rec.WindowCount > e.params.WindowCap {
		resetAt := rec.WindowStart.Add(e.params.Window)
		if _, err := tx.Exec(ctx,
			`UPDATE device_trust_records
			 SET window_count = $1, window_start = $2, updated_at = now()
			 WHERE device_id = $3`,
			rec.WindowCount, rec.WindowStart, deviceID); err != nil {
			return nil, fmt.Errorf("window update failed: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("tx commit failed: %w", err)
		}
		rateLimitedTotal.Inc()
		e.log.Warn().Str("device_id", deviceID).Int("count", rec.WindowCount).Msg("device rate limited")
		return &models.Evaluation{
			RiskScore:   rec.RiskScore,
			Flags:       rec.Flags,
			FlagNames:   rec.Flags.Strings(),
			RateLimited: true,
			ResetAt:     &resetAt,
		}, nil
	}

	before := rec.Flags

	if rec.AccountID != accountID {
		rec.Flags |= models.FlagMultiAccountReuse
	}

	if oscillated(rec.Vector, att.Vector) && now.Sub(rec.StateUpdatedAt) < e.params.OscillationWindow {
		rec.Flags |= models.FlagStateOscillation
	}

	if att.Verified {
		rec.Successes++
	} else {
		rec.Failures++
	}

	total := rec.Successes + rec.Failures
	if total >= e.params.FailureSpikeMinTotal &&
		float64(rec.Failures)/float64(total) > e.params.FailureSpikeRatio {
		rec.Flags |= models.FlagFailureSpike
	}

	if att.Vector != rec.Vector && (att.Vector.BasicIntegrity.Known() || att.Vector.StrongIntegrity.Known()) {
		rec.Vector = att.Vector
		rec.StateUpdatedAt = now
	}

	rec.RiskScore = RiskScore(rec.Successes, rec.Failures, rec.Flags)

	if _, err := tx.Exec(ctx,
		`UPDATE device_trust_records
		 SET basic_integrity = $1, strong_integrity = $2, state_updated_at = $3,
		     successes = $4, failures = $5, risk_score = $6, flags = $7,
		     window_count = $8, window_start = $9, updated_at = now()
		 WHERE device_id = $10`,
		rec.Vector.BasicIntegrity, rec.Vector.StrongIntegrity, rec.StateUpdatedAt,
		rec.Successes, rec.Failures, rec.RiskScore, rec.Flags,
		rec.WindowCount, rec.WindowStart, deviceID); err != nil {
		return nil, fmt.Errorf("trust record update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	for _, name := range (rec.Flags &^ before).Strings() {
		flagsRaisedTotal.WithLabelValues(name).Inc()
		e.log.Warn().Str("device_id", deviceID).Str("flag", name).Msg("fraud flag raised")
	}

	return &models.Evaluation{
		RiskScore: rec.RiskScore,
		Flags:     rec.Flags,
		FlagNames: rec.Flags.Strings(),
	}, nil
}

// Onboard runs the full device-onboarding flow: verify the raw attestation
// token, evaluate trust, and only then attempt the one-time initial grant.
// The grant goes through the ledger's external-ref guard keyed by device id,
// so retries and redelivery can never credit twice. Returns whether a grant
// was issued by this call.
func (e *Engine) Onboard(ctx context.Context, deviceID string, accountID int64, rawToken string) (*models.Evaluation, bool, error) {
	att := e.verifier.Verify(rawToken)

	eval, err := e.Evaluate(ctx, deviceID, accountID, att)
	if err != nil {
		return nil, false, err
	}
	if eval.RateLimited {
		resetAt := e.now().Add(e.params.Window)
		if eval.ResetAt != nil {
			resetAt = *eval.ResetAt
		}
		return eval, false, &models.RateLimitedError{
			DeviceID: deviceID,
			Limit:    e.params.WindowCap,
			ResetAt:  resetAt,
		}
	}

	if e.params.InitialGrant <= 0 {
		return eval, false, nil
	}

	_, err = e.ledger.Credit(ctx, accountID, e.params.InitialGrant,
		models.ReasonInitialGrant, "grant:device:"+deviceID)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateTransaction) {
			return eval, false, nil
		}
		return eval, false, err
	}

	e.log.Info().Str("device_id", deviceID).Int64("account_id", accountID).
		Int64("amount", e.params.InitialGrant).Msg("initial grant issued")
	return eval, true, nil
}

// Get returns the stored trust record for a device.
func (e *Engine) Get(ctx context.Context, deviceID string) (*models.DeviceTrustRecord, error) {
	row := e.db.QueryRow(ctx, deviceSelect+" WHERE device_id = $1", deviceID)
	rec, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrDeviceNotFound
		}
		return nil, err
	}
	return rec, nil
}

// lockOrCreate returns the device row under an exclusive lock, inserting it
// first if this is the device's first evaluation. The insert tolerates a
// concurrent creator; whoever wins, both callers then serialize on the lock.
func (e *Engine) lockOrCreate(ctx context.Context, tx pgx.Tx, deviceID string, accountID int64) (*models.DeviceTrustRecord, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO device_trust_records (device_id, account_id)
		 VALUES ($1, $2) ON CONFLICT (device_id) DO NOTHING`,
		deviceID, accountID); err != nil {
		return nil, fmt.Errorf("trust record insert failed: %w", err)
	}

	row := tx.QueryRow(ctx, deviceSelect+" WHERE device_id = $1 FOR UPDATE", deviceID)
	rec, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("trust record lock failed: %w", err)
	}
	return rec, nil
}

const deviceSelect = `SELECT device_id, account_id, basic_integrity, strong_integrity,
	state_updated_at, successes, failures, risk_score, flags,
	window_count, window_start, created_at, updated_at FROM device_trust_records`

func scanDevice(row pgx.Row) (*models.DeviceTrustRecord, error) {
	var rec models.DeviceTrustRecord
	var flags int32
	err := row.Scan(&rec.DeviceID, &rec.AccountID,
		&rec.Vector.BasicIntegrity, &rec.Vector.StrongIntegrity,
		&rec.StateUpdatedAt, &rec.Successes, &rec.Failures, &rec.RiskScore, &flags,
		&rec.WindowCount, &rec.WindowStart, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Flags = models.TrustFlags(flags)
	return &rec, nil
}

// oscillated reports a known-to-known vector flip: both stored bits and both
// incoming bits must be definite, and at least one must differ.
func oscillated(prev, next models.StateVector) bool {
	if !prev.BasicIntegrity.Known() || !prev.StrongIntegrity.Known() {
		return false
	}
	if !next.BasicIntegrity.Known() || !next.StrongIntegrity.Known() {
		return false
	}
	return prev != next
}

// RiskScore derives the 0-100 score from the attestation counters and the
// raised flags. The failure share contributes up to 40 points, each flag 20.
// Strictly monotonic in flag count for fixed counters.
func RiskScore(successes, failures int64, flags models.TrustFlags) int {
	score := 0
	if total := successes + failures; total > 0 {
		score += int(40 * failures / total)
	}
	score += 20 * flags.Count()
	if score > 100 {
		score = 100
	}
	return score
}
