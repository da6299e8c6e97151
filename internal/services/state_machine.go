package services

import (
	"time"

	"github.com/kindred/backend/internal/models"
)

// Trigger names the input that drives a state change.
type Trigger string

const (
	TriggerLivenessPassed     Trigger = "liveness_passed"
	TriggerBehaviorFlagged    Trigger = "behavior_flagged"
	TriggerEscalated          Trigger = "escalated"
	TriggerTrustFloorBreached Trigger = "trust_floor_breached"
	TriggerAdminApproved      Trigger = "admin_approved"
	TriggerAdminRejected      Trigger = "admin_rejected"
	TriggerAdminReverify      Trigger = "admin_requested_reverify"
)

// transitions is the complete edge table. BLOCKED has no outgoing edges.
var transitions = map[models.VerificationState]map[Trigger]models.VerificationState{
	models.StateUnverified: {
		TriggerLivenessPassed:     models.StateSoftVerified,
		TriggerTrustFloorBreached: models.StateManualReview,
	},
	models.StateSoftVerified: {
		TriggerBehaviorFlagged:    models.StateFlagged,
		TriggerTrustFloorBreached: models.StateManualReview,
	},
	models.StateFlagged: {
		TriggerEscalated:          models.StateManualReview,
		TriggerTrustFloorBreached: models.StateManualReview,
	},
	models.StateManualReview: {
		TriggerAdminApproved: models.StateSoftVerified,
		TriggerAdminRejected: models.StateBlocked,
		TriggerAdminReverify: models.StateReverifyRequired,
	},
	models.StateReverifyRequired: {
		TriggerLivenessPassed:     models.StateSoftVerified,
		TriggerTrustFloorBreached: models.StateManualReview,
	},
}

// NextState looks the edge up in the table.
func NextState(from models.VerificationState, trigger Trigger) (models.VerificationState, bool) {
	to, ok := transitions[from][trigger]
	return to, ok
}

// Transition is one applied edge.
type Transition struct {
	From    models.VerificationState `json:"from"`
	To      models.VerificationState `json:"to"`
	Trigger Trigger                  `json:"trigger"`
	At      time.Time                `json:"at"`
}
