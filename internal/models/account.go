package models

import "time"

// ProfileSignals are the profile-completeness inputs to trust scoring.
type ProfileSignals struct {
	HasPhoto   bool `json:"has_photo" bson:"has_photo"`
	HasBio     bool `json:"has_bio" bson:"has_bio"`
	HasPrompts bool `json:"has_prompts" bson:"has_prompts"`
}

// Account is the identity under evaluation. Clients never write it directly.
type Account struct {
	ID                  string            `json:"id" bson:"_id"`
	State               VerificationState `json:"state" bson:"state"`
	StateSchemaVersion  int               `json:"-" bson:"state_schema_version"`
	TrustScore          int               `json:"trust_score" bson:"trust_score"`
	TrustScoreUpdatedAt time.Time         `json:"trust_score_updated_at" bson:"trust_score_updated_at"`
	EnforcementLevel    EnforcementLevel  `json:"enforcement_level" bson:"enforcement_level"`
	PhoneVerified       bool              `json:"phone_verified" bson:"phone_verified"`
	EmailVerified       bool              `json:"email_verified" bson:"email_verified"`
	Profile             ProfileSignals    `json:"profile" bson:"profile"`
	CreatedAt           time.Time         `json:"created_at" bson:"created_at"`
	FlaggedAt           *time.Time        `json:"flagged_at,omitempty" bson:"flagged_at,omitempty"`
	// FlagsClearedAt is set when an admin approves the account. Flags raised
	// before it stay in history but no longer count against the score.
	FlagsClearedAt *time.Time `json:"flags_cleared_at,omitempty" bson:"flags_cleared_at,omitempty"`
	SLADeadline    *time.Time `json:"sla_deadline,omitempty" bson:"sla_deadline,omitempty"`
	ReviewOverdue  bool       `json:"review_overdue" bson:"review_overdue"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty" bson:"last_reviewed_at,omitempty"`
	Version        int64      `json:"version" bson:"version"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.FlaggedAt = cloneTime(a.FlaggedAt)
	c.FlagsClearedAt = cloneTime(a.FlagsClearedAt)
	c.SLADeadline = cloneTime(a.SLADeadline)
	c.LastReviewedAt = cloneTime(a.LastReviewedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type CreateAccountRequest struct {
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *CreateAccountRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.AccountID == "" {
		errors["account_id"] = "Account ID is required"
	}
	return errors
}

type ContactVerifiedRequest struct {
	Channel string `json:"channel"`
}

func (r *ContactVerifiedRequest) Validate() map[string]string {
	errors := make(map[string]string)
	switch r.Channel {
	case "phone", "email":
	case "":
		errors["channel"] = "Channel is required"
	default:
		errors["channel"] = "Channel must be phone or email"
	}
	return errors
}
