package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/glintlabs/creditcore/internal/ledger"
	"github.com/glintlabs/creditcore/internal/models"
	"github.com/glintlabs/creditcore/internal/testutil"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Engine, int64) {
	t.Helper()
	pool := testutil.Pool(t)
	log := testutil.Logger()

	eng := ledger.NewEngine(pool, log)
	verifier := NewVerifier(testSecret, "")
	params := DefaultParams()
	trustEng := NewEngine(pool, eng, verifier, params, log)
	accountID := testutil.CreateAccount(t, pool, 0)
	return trustEng, eng, accountID
}

func pass() models.AttestationResult {
	return models.AttestationResult{
		Verified: true,
		Vector: models.StateVector{
			BasicIntegrity:  models.TrustBitTrue,
			StrongIntegrity: models.TrustBitTrue,
		},
	}
}

func TestEvaluate_RateLimitWindow(t *testing.T) {
	eng, _, accountID := newTestEngine(t)
	ctx := context.Background()

	// Cap is 10: the 11th call within the hour must be rejected.
	for i := 0; i < 10; i++ {
		eval, err := eng.Evaluate(ctx, "dev-window", accountID, pass())
		if err != nil {
			t.Fatalf("evaluate %d failed: %v", i, err)
		}
		if eval.RateLimited {
			t.Fatalf("call %d unexpectedly rate limited", i)
		}
	}

	eval, err := eng.Evaluate(ctx, "dev-window", accountID, pass())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !eval.RateLimited {
		t.Fatal("11th call should be rate limited")
	}
	if eval.ResetAt == nil || !eval.ResetAt.After(time.Now()) {
		t.Errorf("expected a future reset time, got %v", eval.ResetAt)
	}

	// Advancing past the window resets the count to 1.
	eng.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	eval, err = eng.Evaluate(ctx, "dev-window", accountID, pass())
	if err != nil {
		t.Fatalf("evaluate after window failed: %v", err)
	}
	if eval.RateLimited {
		t.Fatal("call after window elapse should not be rate limited")
	}
}

func TestEvaluate_StateOscillationRaisesScore(t *testing.T) {
	eng, _, accountID := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.Evaluate(ctx, "dev-osc", accountID, pass())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if first.Flags.Has(models.FlagStateOscillation) {
		t.Fatal("first evaluation cannot oscillate")
	}

	flipped := models.AttestationResult{
		Verified: true,
		Vector: models.StateVector{
			BasicIntegrity:  models.TrustBitFalse,
			StrongIntegrity: models.TrustBitTrue,
		},
	}
	second, err := eng.Evaluate(ctx, "dev-osc", accountID, flipped)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !second.Flags.Has(models.FlagStateOscillation) {
		t.Fatal("vector flip within the window must raise the oscillation flag")
	}
	if second.RiskScore <= first.RiskScore {
		t.Errorf("risk score should increase with the new flag: %d -> %d", first.RiskScore, second.RiskScore)
	}
}

func TestEvaluate_MultiAccountReuse(t *testing.T) {
	eng, _, accountID := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Evaluate(ctx, "dev-reuse", accountID, pass()); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	eval, err := eng.Evaluate(ctx, "dev-reuse", accountID+1, pass())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !eval.Flags.Has(models.FlagMultiAccountReuse) {
		t.Fatal("different account on a bound device must raise multi-account-reuse")
	}
}

func TestEvaluate_FailureSpike(t *testing.T) {
	eng, _, accountID := newTestEngine(t)
	ctx := context.Background()

	var eval *models.Evaluation
	var err error
	for i := 0; i < 4; i++ {
		eval, err = eng.Evaluate(ctx, "dev-fail", accountID, models.AttestationResult{})
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
	}
	if !eval.Flags.Has(models.FlagFailureSpike) {
		t.Fatal("all-failure history must raise the failure-spike flag")
	}
}

func TestOnboard_GrantExactlyOnce(t *testing.T) {
	eng, _, accountID := newTestEngine(t)
	ctx := context.Background()

	raw := mintToken(t, testSecret, jwt.MapClaims{
		"basic_integrity":  true,
		"strong_integrity": true,
	})

	eval, granted, err := eng.Onboard(ctx, "dev-grant", accountID, raw)
	if err != nil {
		t.Fatalf("onboard failed: %v", err)
	}
	if !granted {
		t.Fatal("first onboard should grant")
	}
	if eval.RateLimited {
		t.Fatal("first onboard should not be rate limited")
	}

	// Retried onboarding must not double-grant.
	_, granted, err = eng.Onboard(ctx, "dev-grant", accountID, raw)
	if err != nil {
		t.Fatalf("second onboard failed: %v", err)
	}
	if granted {
		t.Fatal("second onboard must not grant again")
	}

	var balance int64
	err = eng.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&balance)
	if err != nil {
		t.Fatalf("balance query failed: %v", err)
	}
	if balance != eng.params.InitialGrant {
		t.Errorf("balance = %d, want exactly one grant of %d", balance, eng.params.InitialGrant)
	}
}

func TestOnboard_RateLimitedBlocksGrant(t *testing.T) {
	eng, _, accountID := newTestEngine(t)
	ctx := context.Background()

	// Exhaust the window with unverified evaluations so no grant interferes.
	eng.params.InitialGrant = 0
	for i := 0; i < 10; i++ {
		if _, _, err := eng.Onboard(ctx, "dev-limited", accountID, ""); err != nil {
			t.Fatalf("onboard %d failed: %v", i, err)
		}
	}

	eng.params.InitialGrant = 25
	_, granted, err := eng.Onboard(ctx, "dev-limited", accountID, "")
	if err == nil {
		t.Fatal("expected rate-limited error")
	}
	var limited *models.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if granted {
		t.Fatal("rate-limited onboard must not grant")
	}

	var balance int64
	if err := eng.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&balance); err != nil {
		t.Fatalf("balance query failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("balance = %d, want 0 (no grant while limited)", balance)
	}
}
