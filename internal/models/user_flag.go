package models

import "time"

type FlagType string

const (
	FlagRapidSwiping         FlagType = "rapid_swiping"
	FlagMassMessaging        FlagType = "mass_messaging"
	FlagRapidAccountCreation FlagType = "rapid_account_creation"
	FlagMultiReporter        FlagType = "multi_reporter"
	FlagSuspiciousProfile    FlagType = "suspicious_profile"
	FlagMultiAccount         FlagType = "multi_account"
	// FlagVerificationAbuse is raised when attempt-limit breaches repeat
	// across windows.
	FlagVerificationAbuse FlagType = "verification_abuse"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// flagSeverities is the static severity table.
var flagSeverities = map[FlagType]Severity{
	FlagRapidSwiping:         SeverityMedium,
	FlagMassMessaging:        SeverityMedium,
	FlagRapidAccountCreation: SeverityHigh,
	FlagMultiReporter:        SeverityHigh,
	FlagSuspiciousProfile:    SeverityMedium,
	FlagMultiAccount:         SeverityHigh,
	FlagVerificationAbuse:    SeverityMedium,
}

// SeverityOf returns the fixed severity for a flag type.
func SeverityOf(t FlagType) Severity {
	if s, ok := flagSeverities[t]; ok {
		return s
	}
	return SeverityLow
}

func (t FlagType) Valid() bool {
	_, ok := flagSeverities[t]
	return ok
}

// BehaviorFlag is a raised abuse signal. Flags are never deleted.
type BehaviorFlag struct {
	ID                  string    `json:"id" bson:"_id"`
	AccountID           string    `json:"account_id" bson:"account_id"`
	Type                FlagType  `json:"type" bson:"type"`
	Severity            Severity  `json:"severity" bson:"severity"`
	RaisedAt            time.Time `json:"raised_at" bson:"raised_at"`
	CorrelatedAccountID string    `json:"correlated_account_id,omitempty" bson:"correlated_account_id,omitempty"`
	Detail              string    `json:"detail,omitempty" bson:"detail,omitempty"`
}

type ActionKind string

const (
	ActionSwipe   ActionKind = "swipe"
	ActionMessage ActionKind = "message"
	ActionReport  ActionKind = "report"
)

// ActionEvent is one observed account action fed to the behavior detector.
// For reports AccountID is the reported account and ActorID the reporter.
type ActionEvent struct {
	AccountID string     `json:"account_id" bson:"account_id"`
	Kind      ActionKind `json:"kind" bson:"kind"`
	ActorID   string     `json:"actor_id,omitempty" bson:"actor_id,omitempty"`
	At        time.Time  `json:"at" bson:"at"`
}

type BehaviorEventRequest struct {
	Kind            ActionKind `json:"kind"`
	TargetAccountID string     `json:"target_account_id"`
	Count           int        `json:"count"`
}

func (r *BehaviorEventRequest) Validate() map[string]string {
	errors := make(map[string]string)
	switch r.Kind {
	case ActionSwipe, ActionMessage:
	case ActionReport:
		if r.TargetAccountID == "" {
			errors["target_account_id"] = "Target account is required for reports"
		}
	default:
		errors["kind"] = "Kind must be swipe, message or report"
	}
	if r.Count < 0 || r.Count > 500 {
		errors["count"] = "Count must be between 0 and 500"
	}
	return errors
}

type SuspiciousProfileRequest struct {
	Detail string `json:"detail"`
}
