package models

import (
	"encoding/json"
	"time"
)

// Account holds a user's spendable credit balance. Balance is mutated only
// through the ledger; LifetimeEarned only ever grows.
type Account struct {
	ID             int64     `json:"id"`
	Balance        int64     `json:"balance"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	Guest          bool      `json:"guest"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonInitialGrant     Reason = "initial_grant"
	ReasonPurchase         Reason = "purchase"
	ReasonGenerationCharge Reason = "generation_charge"
	ReasonGenerationRefund Reason = "generation_refund"
	ReasonAdminAdjustment  Reason = "admin_adjustment"
)

// LedgerEntry is one immutable balance-changing event. Delta is signed
// (positive = credit, negative = debit). BalanceAfter is the account balance
// immediately after applying Delta, so the entries for an account replay to
// its current balance.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Delta        int64     `json:"delta"`
	Reason       Reason    `json:"reason"`
	ExternalRef  *string   `json:"external_ref,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// JobState is the lifecycle state of a generation job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is the lifecycle record of one asynchronous generation request.
// CreditsCharged is fixed at creation and never changes afterwards.
type Job struct {
	ID             string          `json:"id"`
	AccountID      int64           `json:"account_id"`
	ProviderRef    *string         `json:"provider_ref,omitempty"`
	Params         json.RawMessage `json:"params"`
	State          JobState        `json:"state"`
	ResultRef      *string         `json:"result_ref,omitempty"`
	CreditsCharged int64           `json:"credits_charged"`
	FailureReason  *string         `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// IdempotencyRecord caches the outcome of a mutating request keyed by the
// client-supplied Idempotency-Key header. A nil ResponseBody means the
// reserving transaction is still in flight.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	AccountID      int64           `json:"account_id"`
	Operation      string          `json:"operation"`
	RequestHash    string          `json:"request_hash"`
	ResponseStatus int             `json:"response_status"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// TrustBit is one tri-state component of the attestation state vector.
type TrustBit int16

const (
	TrustBitUnknown TrustBit = 0
	TrustBitFalse   TrustBit = 1
	TrustBitTrue    TrustBit = 2
)

// Known reports whether the verifier produced a definite value for the bit.
func (b TrustBit) Known() bool { return b != TrustBitUnknown }

// StateVector is the two-bit device integrity verdict reduced from an
// attestation token.
type StateVector struct {
	BasicIntegrity  TrustBit `json:"basic_integrity"`
	StrongIntegrity TrustBit `json:"strong_integrity"`
}

// TrustFlags is a set of fraud heuristics raised for a device.
type TrustFlags uint8

const (
	FlagFailureSpike TrustFlags = 1 << iota
	FlagMultiAccountReuse
	FlagStateOscillation
)

// Has reports whether f is raised in the set.
func (t TrustFlags) Has(f TrustFlags) bool { return t&f != 0 }

// Count returns the number of raised flags.
func (t TrustFlags) Count() int {
	n := 0
	for f := FlagFailureSpike; f <= FlagStateOscillation; f <<= 1 {
		if t.Has(f) {
			n++
		}
	}
	return n
}

// Strings returns stable names for the raised flags, for logs and responses.
func (t TrustFlags) Strings() []string {
	names := []string{}
	if t.Has(FlagFailureSpike) {
		names = append(names, "failure_spike")
	}
	if t.Has(FlagMultiAccountReuse) {
		names = append(names, "multi_account_reuse")
	}
	if t.Has(FlagStateOscillation) {
		names = append(names, "state_oscillation")
	}
	return names
}

// DeviceTrustRecord tracks attestation history and rate-limit state for one
// device. RiskScore is always recomputed from the counters and flags, never
// stored independently of them.
type DeviceTrustRecord struct {
	DeviceID       string      `json:"device_id"`
	AccountID      int64       `json:"account_id"`
	Vector         StateVector `json:"vector"`
	StateUpdatedAt time.Time   `json:"state_updated_at"`
	Successes      int64       `json:"successes"`
	Failures       int64       `json:"failures"`
	RiskScore      int         `json:"risk_score"`
	Flags          TrustFlags  `json:"-"`
	WindowCount    int         `json:"window_count"`
	WindowStart    time.Time   `json:"window_start"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// AttestationResult is the parsed outcome of attestation-token verification.
type AttestationResult struct {
	Verified bool
	Vector   StateVector
}

// Evaluation is the device trust verdict for one onboarding request.
type Evaluation struct {
	RiskScore   int        `json:"risk_score"`
	Flags       TrustFlags `json:"-"`
	FlagNames   []string   `json:"flags"`
	RateLimited bool       `json:"rate_limited"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
}
