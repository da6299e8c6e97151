package services

import "github.com/kindred/backend/internal/models"

// VisibilityWeight maps a state to the discovery ranking multiplier.
// Consumers must exclude accounts with weight 0 entirely.
func VisibilityWeight(state models.VerificationState) float64 {
	switch state {
	case models.StateSoftVerified:
		return 1.0
	case models.StateFlagged:
		return 0.5
	case models.StateManualReview:
		return 0.25
	default:
		return 0.0
	}
}

// CanInteract reports whether an account may initiate contact. Accounts in
// review stay browsable but cannot start conversations.
func CanInteract(state models.VerificationState) bool {
	if VisibilityWeight(state) == 0 {
		return false
	}
	return state != models.StateManualReview
}
