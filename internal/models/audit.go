package models

import (
	"errors"
	"fmt"
	"time"
)

type AuditAction string

const (
	AuditReviewApprove  AuditAction = "review_approve"
	AuditReviewReject   AuditAction = "review_reject"
	AuditReviewReverify AuditAction = "review_request_reverification"
)

func (a AuditAction) Valid() bool {
	switch a {
	case AuditReviewApprove, AuditReviewReject, AuditReviewReverify:
		return true
	}
	return false
}

// ReviewMetadata is the metadata variant for review actions.
type ReviewMetadata struct {
	PreviousState VerificationState `json:"previous_state" bson:"previous_state"`
	NewState      VerificationState `json:"new_state" bson:"new_state"`
	SessionID     string            `json:"session_id,omitempty" bson:"session_id,omitempty"`
	SLADeadline   *time.Time        `json:"sla_deadline,omitempty" bson:"sla_deadline,omitempty"`
	Overdue       bool              `json:"overdue" bson:"overdue"`
	TrustScore    int               `json:"trust_score" bson:"trust_score"`
}

// AuditMetadata is a tagged variant: exactly the member matching the entry's
// action is set.
type AuditMetadata struct {
	Review *ReviewMetadata `json:"review,omitempty" bson:"review,omitempty"`
}

// AdminAuditLogEntry is an immutable record of a privileged action.
type AdminAuditLogEntry struct {
	ID              string        `json:"id" bson:"_id"`
	ActorID         string        `json:"actor_id" bson:"actor_id"`
	Action          AuditAction   `json:"action" bson:"action"`
	TargetAccountID string        `json:"target_account_id" bson:"target_account_id"`
	Reason          string        `json:"reason" bson:"reason"`
	Metadata        AuditMetadata `json:"metadata" bson:"metadata"`
	At              time.Time     `json:"at" bson:"at"`
}

var ErrInvalidAuditEntry = errors.New("invalid audit entry")

// Validate checks that the metadata variant matches the action.
func (e *AdminAuditLogEntry) Validate() error {
	if e.ActorID == "" || e.TargetAccountID == "" {
		return fmt.Errorf("%w: actor and target are required", ErrInvalidAuditEntry)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAuditEntry, e.Action)
	}
	switch e.Action {
	case AuditReviewApprove, AuditReviewReject, AuditReviewReverify:
		if e.Metadata.Review == nil {
			return fmt.Errorf("%w: %s requires review metadata", ErrInvalidAuditEntry, e.Action)
		}
	}
	return nil
}

// AuditQuery filters the audit log. Zero values mean "any".
type AuditQuery struct {
	ActorID         string
	TargetAccountID string
	Action          AuditAction
	From            time.Time
	To              time.Time
	Offset          int
	Limit           int
}

// Matches reports whether e passes every set filter.
func (q AuditQuery) Matches(e *AdminAuditLogEntry) bool {
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.TargetAccountID != "" && e.TargetAccountID != q.TargetAccountID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if !q.From.IsZero() && e.At.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.At.Before(q.To) {
		return false
	}
	return true
}

type AuditPage struct {
	Entries    []AdminAuditLogEntry `json:"entries"`
	Total      int64                `json:"total"`
	NextOffset *int                 `json:"next_offset,omitempty"`
}

type SecurityEventKind string

const (
	SecurityCapabilityDenied  SecurityEventKind = "capability_denied"
	SecurityInvalidTransition SecurityEventKind = "invalid_transition"
)

// SecurityEvent records rejected privileged or out-of-table operations.
type SecurityEvent struct {
	ID              string            `json:"id" bson:"_id"`
	Kind            SecurityEventKind `json:"kind" bson:"kind"`
	PrincipalID     string            `json:"principal_id,omitempty" bson:"principal_id,omitempty"`
	TargetAccountID string            `json:"target_account_id,omitempty" bson:"target_account_id,omitempty"`
	Detail          string            `json:"detail" bson:"detail"`
	At              time.Time         `json:"at" bson:"at"`
}

type ReviewDecision string

const (
	DecisionApprove  ReviewDecision = "approve"
	DecisionReject   ReviewDecision = "reject"
	DecisionReverify ReviewDecision = "request_reverification"
)

type ReviewAccountRequest struct {
	Decision ReviewDecision `json:"decision"`
	Reason   string         `json:"reason"`
}

func (r *ReviewAccountRequest) Validate() map[string]string {
	errors := make(map[string]string)
	switch r.Decision {
	case DecisionApprove, DecisionReject, DecisionReverify:
	default:
		errors["decision"] = "Decision must be approve, reject or request_reverification"
	}
	if r.Reason == "" {
		errors["reason"] = "Reason is required"
	} else if len(r.Reason) > 2000 {
		errors["reason"] = "Reason must be at most 2000 characters"
	}
	return errors
}

// ReviewItem is one row of the manual review queue.
type ReviewItem struct {
	AccountID   string     `json:"account_id"`
	TrustScore  int        `json:"trust_score"`
	SLADeadline *time.Time `json:"sla_deadline,omitempty"`
	Overdue     bool       `json:"overdue"`
	SessionID   string     `json:"session_id,omitempty"`
	// Liveness is the retained structured summary of the latest liveness
	// check; it survives evidence purge.
	Liveness *LivenessSummary `json:"liveness,omitempty"`
	Flags    []BehaviorFlag   `json:"flags"`
}
