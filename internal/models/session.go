package models

import (
	"maps"
	"time"
)

type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionApproved SessionStatus = "approved"
	SessionRejected SessionStatus = "rejected"
	SessionExpired  SessionStatus = "expired"
)

type SessionKind string

const (
	SessionLiveness     SessionKind = "liveness"
	SessionManualReview SessionKind = "manual_review"
)

// LivenessSummary is the structured result handed over by the capture client.
// It never contains imagery.
type LivenessSummary struct {
	CheckType        string             `json:"check_type" bson:"check_type"`
	ConsistencyScore float64            `json:"consistency_score" bson:"consistency_score"`
	PoseMetrics      map[string]float64 `json:"pose_metrics,omitempty" bson:"pose_metrics,omitempty"`
	EyeMetrics       map[string]float64 `json:"eye_metrics,omitempty" bson:"eye_metrics,omitempty"`
}

func (l *LivenessSummary) Clone() *LivenessSummary {
	if l == nil {
		return nil
	}
	c := *l
	c.PoseMetrics = maps.Clone(l.PoseMetrics)
	c.EyeMetrics = maps.Clone(l.EyeMetrics)
	return &c
}

// VerificationSession is one attempt at identity verification.
type VerificationSession struct {
	ID              string           `json:"id" bson:"_id"`
	AccountID       string           `json:"account_id" bson:"account_id"`
	Kind            SessionKind      `json:"kind" bson:"kind"`
	EvidenceRef     string           `json:"-" bson:"evidence_ref,omitempty"`
	EvidencePurged  *time.Time       `json:"evidence_purged_at,omitempty" bson:"evidence_purged_at,omitempty"`
	Status          SessionStatus    `json:"status" bson:"status"`
	Liveness        *LivenessSummary `json:"liveness,omitempty" bson:"liveness,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty" bson:"rejection_reason,omitempty"`
	ReviewedBy      string           `json:"reviewed_by,omitempty" bson:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty" bson:"reviewed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at" bson:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at" bson:"expires_at"`
	SLADeadline     *time.Time       `json:"sla_deadline,omitempty" bson:"sla_deadline,omitempty"`
}

func (s *VerificationSession) Clone() *VerificationSession {
	if s == nil {
		return nil
	}
	c := *s
	c.EvidencePurged = cloneTime(s.EvidencePurged)
	c.ReviewedAt = cloneTime(s.ReviewedAt)
	c.SLADeadline = cloneTime(s.SLADeadline)
	c.Liveness = s.Liveness.Clone()
	return &c
}

// VerificationAttempt is an append-only row consumed by the attempt limiter.
type VerificationAttempt struct {
	ID            string    `json:"id" bson:"_id"`
	AccountID     string    `json:"account_id" bson:"account_id"`
	DeviceKey     string    `json:"device_key" bson:"device_key"`
	At            time.Time `json:"at" bson:"at"`
	Success       bool      `json:"success" bson:"success"`
	FailureReason string    `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
}

// RateLimitBreach records one denied attempt, bucketed by fixed window.
type RateLimitBreach struct {
	AccountID   string    `json:"account_id" bson:"account_id"`
	DeviceKey   string    `json:"device_key" bson:"device_key"`
	WindowStart time.Time `json:"window_start" bson:"window_start"`
	At          time.Time `json:"at" bson:"at"`
}

type SubmitLivenessRequest struct {
	DeviceID         string             `json:"device_id"`
	CheckType        string             `json:"check_type"`
	ConsistencyScore *float64           `json:"consistency_score"`
	PoseMetrics      map[string]float64 `json:"pose_metrics"`
	EyeMetrics       map[string]float64 `json:"eye_metrics"`
	EvidenceRef      string             `json:"evidence_ref"`
}

func (r *SubmitLivenessRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.DeviceID == "" {
		errors["device_id"] = "Device ID is required"
	}
	if r.CheckType == "" {
		errors["check_type"] = "Check type is required"
	}
	if r.ConsistencyScore == nil {
		errors["consistency_score"] = "Consistency score is required"
	} else if *r.ConsistencyScore < 0 || *r.ConsistencyScore > 1 {
		errors["consistency_score"] = "Consistency score must be between 0 and 1"
	}
	return errors
}
