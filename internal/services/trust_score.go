package services

import (
	"sort"
	"time"

	"github.com/kindred/backend/internal/models"
)

const (
	ScoreMin      = 0
	ScoreMax      = 100
	ScoreBaseline = 50

	VerifiedIncrement      = 20
	PhoneIncrement         = 5
	EmailIncrement         = 5
	AccountAgeIncrement    = 5
	PhotoIncrement         = 3
	BioIncrement           = 2
	PromptsIncrement       = 2
	AccountAgeForIncrement = 30 * 24 * time.Hour

	// HardMinimum forces manual review from any non-terminal state.
	HardMinimum = 20
	// RestrictedFloor is where the engine starts recommending restrictions.
	RestrictedFloor = 40
	// SuspiciousProfileFloor escalates a suspicious_profile flag straight to review.
	SuspiciousProfileFloor = 40
)

var severityWeights = map[models.Severity]int{
	models.SeverityLow:    3,
	models.SeverityMedium: 8,
	models.SeverityHigh:   15,
}

// ScoreInput is everything the engine reads. AsOf replaces the wall clock so
// the result depends on nothing else.
type ScoreInput struct {
	State          models.VerificationState
	PhoneVerified  bool
	EmailVerified  bool
	Profile        models.ProfileSignals
	CreatedAt      time.Time
	FlagsClearedAt *time.Time
	Flags          []models.BehaviorFlag
	AsOf           time.Time
}

// ScoreInputFor builds the input from an account and its flag history.
func ScoreInputFor(a *models.Account, flags []models.BehaviorFlag, asOf time.Time) ScoreInput {
	return ScoreInput{
		State:          a.State,
		PhoneVerified:  a.PhoneVerified,
		EmailVerified:  a.EmailVerified,
		Profile:        a.Profile,
		CreatedAt:      a.CreatedAt,
		FlagsClearedAt: a.FlagsClearedAt,
		Flags:          flags,
		AsOf:           asOf,
	}
}

// Score is the engine output. Recommended is advisory; only the state
// machine applies it.
type Score struct {
	Value       int                     `json:"value"`
	Recommended models.EnforcementLevel `json:"recommended"`
	ActiveFlags int                     `json:"active_flags"`
}

// ComputeTrustScore is pure and deterministic.
func ComputeTrustScore(in ScoreInput) Score {
	score := ScoreBaseline

	if in.State == models.StateSoftVerified || in.State == models.StateFlagged {
		score += VerifiedIncrement
	}
	if in.PhoneVerified {
		score += PhoneIncrement
	}
	if in.EmailVerified {
		score += EmailIncrement
	}
	if !in.CreatedAt.IsZero() && in.AsOf.Sub(in.CreatedAt) >= AccountAgeForIncrement {
		score += AccountAgeIncrement
	}
	if in.Profile.HasPhoto {
		score += PhotoIncrement
	}
	if in.Profile.HasBio {
		score += BioIncrement
	}
	if in.Profile.HasPrompts {
		score += PromptsIncrement
	}

	active := activeFlagCounts(in.Flags, in.FlagsClearedAt)
	total := 0
	for key, n := range active {
		total += n
		score -= flagPenalty(severityWeights[key.severity], n)
	}

	if score < ScoreMin {
		score = ScoreMin
	}
	if score > ScoreMax {
		score = ScoreMax
	}
	return Score{Value: score, Recommended: RecommendEnforcement(score), ActiveFlags: total}
}

type flagKey struct {
	typ      models.FlagType
	severity models.Severity
}

func activeFlagCounts(flags []models.BehaviorFlag, clearedAt *time.Time) map[flagKey]int {
	counts := make(map[flagKey]int)
	for _, f := range flags {
		if clearedAt != nil && !f.RaisedAt.After(*clearedAt) {
			continue
		}
		counts[flagKey{typ: f.Type, severity: f.Severity}]++
	}
	return counts
}

// flagPenalty compounds: every repeat of the same type costs an extra half weight.
func flagPenalty(weight, n int) int {
	if n <= 0 {
		return 0
	}
	return weight*n + (weight/2)*(n-1)
}

// RecommendEnforcement maps a score onto an enforcement level.
func RecommendEnforcement(score int) models.EnforcementLevel {
	switch {
	case score < HardMinimum:
		return models.EnforcementSuspended
	case score < RestrictedFloor:
		return models.EnforcementRestricted
	default:
		return models.EnforcementNone
	}
}

// ActiveFlags returns the flags that still count against the score, oldest first.
func ActiveFlags(flags []models.BehaviorFlag, clearedAt *time.Time) []models.BehaviorFlag {
	out := make([]models.BehaviorFlag, 0, len(flags))
	for _, f := range flags {
		if clearedAt != nil && !f.RaisedAt.After(*clearedAt) {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out
}
