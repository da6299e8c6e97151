package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kindred/backend/internal/models"
)

var allTriggers = []Trigger{
	TriggerLivenessPassed,
	TriggerBehaviorFlagged,
	TriggerEscalated,
	TriggerTrustFloorBreached,
	TriggerAdminApproved,
	TriggerAdminRejected,
	TriggerAdminReverify,
}

var allStates = []models.VerificationState{
	models.StateUnverified,
	models.StateSoftVerified,
	models.StateFlagged,
	models.StateManualReview,
	models.StateBlocked,
	models.StateReverifyRequired,
}

func TestNextState_Table(t *testing.T) {
	type edge struct {
		from    models.VerificationState
		trigger Trigger
	}
	allowed := map[edge]models.VerificationState{
		{models.StateUnverified, TriggerLivenessPassed}:           models.StateSoftVerified,
		{models.StateUnverified, TriggerTrustFloorBreached}:       models.StateManualReview,
		{models.StateSoftVerified, TriggerBehaviorFlagged}:        models.StateFlagged,
		{models.StateSoftVerified, TriggerTrustFloorBreached}:     models.StateManualReview,
		{models.StateFlagged, TriggerEscalated}:                   models.StateManualReview,
		{models.StateFlagged, TriggerTrustFloorBreached}:          models.StateManualReview,
		{models.StateManualReview, TriggerAdminApproved}:          models.StateSoftVerified,
		{models.StateManualReview, TriggerAdminRejected}:          models.StateBlocked,
		{models.StateManualReview, TriggerAdminReverify}:          models.StateReverifyRequired,
		{models.StateReverifyRequired, TriggerLivenessPassed}:     models.StateSoftVerified,
		{models.StateReverifyRequired, TriggerTrustFloorBreached}: models.StateManualReview,
	}

	for _, from := range allStates {
		for _, trig := range allTriggers {
			to, ok := NextState(from, trig)
			want, allowedEdge := allowed[edge{from, trig}]
			assert.Equal(t, allowedEdge, ok, "%s on %s", from, trig)
			if allowedEdge {
				assert.Equal(t, want, to, "%s on %s", from, trig)
			}
		}
	}
}

func TestNextState_BlockedIsTerminal(t *testing.T) {
	for _, trig := range allTriggers {
		_, ok := NextState(models.StateBlocked, trig)
		assert.False(t, ok, trig)
	}
}

func TestVisibilityWeight(t *testing.T) {
	assert.Equal(t, 0.0, VisibilityWeight(models.StateUnverified))
	assert.Equal(t, 1.0, VisibilityWeight(models.StateSoftVerified))
	assert.Equal(t, 0.5, VisibilityWeight(models.StateFlagged))
	assert.Equal(t, 0.25, VisibilityWeight(models.StateManualReview))
	assert.Equal(t, 0.0, VisibilityWeight(models.StateBlocked))
	assert.Equal(t, 0.0, VisibilityWeight(models.StateReverifyRequired))
	assert.Equal(t, 0.0, VisibilityWeight("SOMETHING_ELSE"))
}

func TestCanInteract(t *testing.T) {
	assert.True(t, CanInteract(models.StateSoftVerified))
	assert.True(t, CanInteract(models.StateFlagged))
	assert.False(t, CanInteract(models.StateManualReview))
	assert.False(t, CanInteract(models.StateUnverified))
	assert.False(t, CanInteract(models.StateBlocked))
}
