package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrDeviceNotFound  = errors.New("device not found")

	// ErrDuplicateTransaction means a credit carried an external reference
	// that was already posted. Treated as success-equivalent by callers.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrRequestInProgress means the idempotency key is reserved by a
	// concurrent request whose transaction has not committed yet.
	ErrRequestInProgress = errors.New("request in progress")

	// ErrKeyPayloadMismatch means an idempotency key was replayed with a
	// different request body than the one that reserved it.
	ErrKeyPayloadMismatch = errors.New("idempotency key reuse with mismatched payload")
)

// InsufficientFundsError reports a debit exceeding the spendable balance.
// Balance and Shortfall give the client enough to render actionable messaging.
type InsufficientFundsError struct {
	Balance   int64
	Shortfall int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, short %d", e.Balance, e.Shortfall)
}

// InvalidTransitionError reports an illegal job state transition.
type InvalidTransitionError struct {
	JobID string
	From  JobState
	To    JobState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// RateLimitedError reports a breached sliding-window request cap.
type RateLimitedError struct {
	DeviceID string
	Limit    int
	ResetAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("device %s rate limited: cap %d, resets %s", e.DeviceID, e.Limit, e.ResetAt.Format(time.RFC3339))
}
