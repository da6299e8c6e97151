package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/storage"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store    *storage.MemoryStore
	clock    *fakeClock
	trust    *VerificationService
	reviews  *ReviewService
	evidence *storage.MemoryEvidenceStore
	sweeper  *RetentionSweeper
	notified []models.ReviewItem
}

func (e *testEnv) NotifyOverdue(ctx context.Context, items []models.ReviewItem) error {
	e.notified = append(e.notified, items...)
	return nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: t0}
	settings := DefaultSettings()
	limiter := NewAttemptLimiter(store, store, time.Hour, 3, 24*time.Hour)

	env := &testEnv{store: store, clock: clock, evidence: storage.NewMemoryEvidenceStore()}
	env.trust = NewVerificationService(store, limiter, NewDeviceHasher("test-key"), settings, zap.NewNop()).
		WithClock(clock.Now)
	env.reviews = NewReviewService(env.trust, env, zap.NewNop())
	env.sweeper = NewRetentionSweeper(env.trust, env.evidence, zap.NewNop())
	return env
}

func (e *testEnv) createAccount(t *testing.T, id string) *models.Account {
	t.Helper()
	a, err := e.trust.CreateAccount(context.Background(), models.CreateAccountRequest{AccountID: id})
	require.NoError(t, err)
	return a
}

func (e *testEnv) account(t *testing.T, id string) *models.Account {
	t.Helper()
	a, err := e.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func liveness(accountID, deviceID string, score float64) LivenessSubmission {
	return LivenessSubmission{
		AccountID: accountID,
		DeviceID:  deviceID,
		Summary: models.LivenessSummary{
			CheckType:        "head_turn",
			ConsistencyScore: score,
			PoseMetrics:      map[string]float64{"yaw": 0.4},
		},
		EvidenceRef: "gs://evidence/" + accountID + ".jpg",
	}
}

// softVerified creates an account and passes a liveness check for it.
func (e *testEnv) softVerified(t *testing.T, id string) *models.Account {
	t.Helper()
	e.createAccount(t, id)
	res, err := e.trust.SubmitLiveness(context.Background(), liveness(id, "device-"+id, 0.95))
	require.NoError(t, err)
	require.Equal(t, models.StateSoftVerified, res.State)
	return e.account(t, id)
}

// inReview drives a soft-verified account straight into manual review.
func (e *testEnv) inReview(t *testing.T, id string) *models.Account {
	t.Helper()
	e.softVerified(t, id)
	_, err := e.trust.ApplyFlags(context.Background(), id, []models.BehaviorFlag{{Type: models.FlagMultiAccount}})
	require.NoError(t, err)
	a := e.account(t, id)
	require.Equal(t, models.StateManualReview, a.State)
	return a
}

func (e *testEnv) grantAdmin(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.store.GrantAdmin(context.Background(), id))
}
