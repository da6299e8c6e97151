package models

import (
	"fmt"
	"strings"
)

// VerificationState is the per-account verification lifecycle state.
type VerificationState string

const (
	StateUnverified       VerificationState = "UNVERIFIED"
	StateSoftVerified     VerificationState = "SOFT_VERIFIED"
	StateFlagged          VerificationState = "FLAGGED"
	StateManualReview     VerificationState = "MANUAL_REVIEW"
	StateBlocked          VerificationState = "BLOCKED"
	StateReverifyRequired VerificationState = "REVERIFY_REQUIRED"
)

// CurrentStateSchemaVersion is the schema version written with every account.
// Version 0 documents carry the old lowercase status literals.
const CurrentStateSchemaVersion = 1

var allStates = []VerificationState{
	StateUnverified,
	StateSoftVerified,
	StateFlagged,
	StateManualReview,
	StateBlocked,
	StateReverifyRequired,
}

func (s VerificationState) Valid() bool {
	for _, v := range allStates {
		if s == v {
			return true
		}
	}
	return false
}

func (s VerificationState) String() string { return string(s) }

// legacyStates maps the pre-versioned status literals onto the current enum.
var legacyStates = map[string]VerificationState{
	"":              StateUnverified,
	"none":          StateUnverified,
	"unverified":    StateUnverified,
	"pending":       StateUnverified,
	"verified":      StateSoftVerified,
	"approved":      StateSoftVerified,
	"soft_verified": StateSoftVerified,
	"flagged":       StateFlagged,
	"needs_review":  StateManualReview,
	"in_review":     StateManualReview,
	"rejected":      StateBlocked,
	"banned":        StateBlocked,
	"blocked":       StateBlocked,
	"reverify":      StateReverifyRequired,
}

// MigrateState converts a stored state literal into a VerificationState.
// It runs once at the storage boundary; nothing downstream looks at raw values.
func MigrateState(raw string, schemaVersion int) (VerificationState, error) {
	if schemaVersion >= CurrentStateSchemaVersion {
		s := VerificationState(raw)
		if !s.Valid() {
			return "", fmt.Errorf("unknown verification state %q (schema v%d)", raw, schemaVersion)
		}
		return s, nil
	}
	if s, ok := legacyStates[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s, nil
	}
	// Some v0 writers already used the new literals.
	if s := VerificationState(strings.ToUpper(raw)); s.Valid() {
		return s, nil
	}
	return "", fmt.Errorf("unknown legacy verification state %q", raw)
}

// EnforcementLevel constrains which features an account may use.
type EnforcementLevel string

const (
	EnforcementNone       EnforcementLevel = "none"
	EnforcementRestricted EnforcementLevel = "restricted"
	EnforcementSuspended  EnforcementLevel = "suspended"
)
