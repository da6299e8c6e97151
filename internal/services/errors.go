package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/kindred/backend/internal/models"
)

var (
	ErrInvalidTransition         = errors.New("invalid state transition")
	ErrRateLimitExceeded         = errors.New("verification attempt limit exceeded")
	ErrConflictingPendingSession = errors.New("a verification session is already pending")
	ErrCapabilityDenied          = errors.New("capability denied")
	ErrStaleStateConflict        = errors.New("account state changed concurrently")
	ErrAccountNotFound           = errors.New("account not found")
	ErrAccountExists             = errors.New("account already exists")
	ErrSelfReport                = errors.New("accounts cannot report themselves")
)

// TransitionError is returned for any state change outside the table.
type TransitionError struct {
	AccountID string
	From      models.VerificationState
	Trigger   Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s on %s", e.From, e.Trigger)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// RateLimitError carries which counter was exhausted.
type RateLimitError struct {
	Scope      string // "account" or "device"
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("verification attempt limit exceeded for %s, retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// StaleStateError reports the state the loser of a race found.
type StaleStateError struct {
	AccountID string
	Current   models.VerificationState
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("account %s is now %s", e.AccountID, e.Current)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleStateConflict }
