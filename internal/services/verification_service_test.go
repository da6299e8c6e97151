package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/storage"
)

func TestSubmitLiveness_PassSoftVerifies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	before := env.createAccount(t, "a")

	res, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.93))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.StateSoftVerified, res.State)

	after := env.account(t, "a")
	assert.Equal(t, models.StateSoftVerified, after.State)
	assert.Equal(t, before.TrustScore+VerifiedIncrement, after.TrustScore)

	w, err := env.trust.GetVisibilityWeight(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, w)

	sess, err := env.store.LatestSession(ctx, "a", models.SessionLiveness)
	require.NoError(t, err)
	assert.Equal(t, models.SessionApproved, sess.Status)
	assert.Equal(t, t0.Add(30*24*time.Hour), sess.ExpiresAt)
	_, err = env.store.PendingSession(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmitLiveness_FailLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")

	res, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.42))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, FailureLowConsistency, res.Reason)
	assert.Equal(t, models.StateUnverified, env.account(t, "a").State)

	n, err := env.store.CountAttempts(ctx, storage.AttemptFilter{AccountID: "a", Since: t0.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess, err := env.store.LatestSession(ctx, "a", models.SessionLiveness)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRejected, sess.Status)
	assert.Equal(t, FailureLowConsistency, sess.RejectionReason)
}

// interleavedStore lands one unrelated account commit just before the first
// commit it is asked to make.
type interleavedStore struct {
	*storage.MemoryStore
	once sync.Once
}

func (s *interleavedStore) Commit(ctx context.Context, c *storage.Commit) error {
	s.once.Do(func() {
		a, err := s.MemoryStore.GetAccount(ctx, c.Account.ID)
		if err == nil {
			a.EmailVerified = true
			_ = s.MemoryStore.Commit(ctx, &storage.Commit{Account: a, ExpectedVersion: a.Version})
		}
	})
	return s.MemoryStore.Commit(ctx, c)
}

func TestSubmitLiveness_RetriesAfterConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")

	store := &interleavedStore{MemoryStore: env.store}
	limiter := NewAttemptLimiter(env.store, env.store, time.Hour, 3, 24*time.Hour)
	svc := NewVerificationService(store, limiter, NewDeviceHasher("test-key"), DefaultSettings(), nil).
		WithClock(env.clock.Now)

	res, err := svc.SubmitLiveness(ctx, liveness("a", "phone-1", 0.93))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	a := env.account(t, "a")
	assert.Equal(t, models.StateSoftVerified, a.State)
	assert.True(t, a.EmailVerified, "the interleaved commit is kept")
	assert.EqualValues(t, 3, a.Version)

	n, err := env.store.CountAttempts(ctx, storage.AttemptFilter{AccountID: "a", Since: t0.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = env.store.PendingSession(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmitLiveness_WrongStateIsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.softVerified(t, "a")

	_, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.99))
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StateSoftVerified, te.From)

	events := env.store.SecurityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.SecurityInvalidTransition, events[0].Kind)
}

func TestSubmitLiveness_PendingSessionConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")
	require.NoError(t, env.store.InsertPendingSession(ctx, &models.VerificationSession{
		ID: "in-flight", AccountID: "a", Kind: models.SessionLiveness, Status: models.SessionPending, CreatedAt: t0,
	}))

	_, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.99))
	assert.ErrorIs(t, err, ErrConflictingPendingSession)
	assert.Equal(t, models.StateUnverified, env.account(t, "a").State)
}

func TestSubmitLiveness_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.trust.SubmitLiveness(context.Background(), liveness("ghost", "phone-1", 0.99))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSubmitLiveness_RateLimitPerAccount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")

	for i := 0; i < 3; i++ {
		_, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.3))
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	_, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.99))
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "account", rl.Scope)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	flags, err := env.store.ListFlags(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, flags, "a first breach never raises a flag")

	// A fresh window allows attempts again.
	env.clock.Advance(time.Hour)
	res, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.99))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestSubmitLiveness_RepeatedBreachesRaiseFlag(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")

	exhaust := func() {
		for i := 0; i < 3; i++ {
			_, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.3))
			require.NoError(t, err)
			env.clock.Advance(time.Second)
		}
		_, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-1", 0.3))
		require.ErrorIs(t, err, ErrRateLimitExceeded)
	}

	exhaust()
	env.clock.Advance(time.Hour)
	exhaust()

	flags, err := env.store.ListFlags(ctx, "a")
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, models.FlagVerificationAbuse, flags[0].Type)
	assert.Equal(t, models.SeverityMedium, flags[0].Severity)
	assert.Less(t, env.account(t, "a").TrustScore, ScoreBaseline)
}

func TestSubmitLiveness_RateLimitPerDevice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		env.createAccount(t, fmt.Sprintf("acct-%d", i))
	}
	for i := 0; i < 3; i++ {
		_, err := env.trust.SubmitLiveness(ctx, liveness(fmt.Sprintf("acct-%d", i), "shared-phone", 0.3))
		require.NoError(t, err)
	}

	_, err := env.trust.SubmitLiveness(ctx, liveness("acct-3", "shared-phone", 0.99))
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "device", rl.Scope)

	_, err = env.trust.SubmitLiveness(ctx, liveness("acct-3", "own-phone", 0.99))
	assert.NoError(t, err)
}

func TestSubmitLiveness_ReverifyReturnsToSoftVerified(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.grantAdmin(t, "admin")
	env.inReview(t, "a")

	_, err := env.reviews.ReviewAccount(ctx, "admin", "a", models.ReviewAccountRequest{Decision: models.DecisionReverify, Reason: "capture unclear"})
	require.NoError(t, err)
	require.Equal(t, models.StateReverifyRequired, env.account(t, "a").State)

	env.clock.Advance(2 * time.Hour)
	res, err := env.trust.SubmitLiveness(ctx, liveness("a", "phone-2", 0.97))
	require.NoError(t, err)
	assert.Equal(t, models.StateSoftVerified, res.State)

	flags, err := env.store.ListFlags(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, flags, 1, "flag history survives reverification")
}

// Scenario: the third distinct reporter pushes a soft-verified account into review.
func TestRecordAction_MultiReporterEscalates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.softVerified(t, "target")

	for i, reporter := range []string{"r1", "r2", "r1", "r3"} {
		flags, err := env.trust.RecordAction(ctx, reporter, models.BehaviorEventRequest{Kind: models.ActionReport, TargetAccountID: "target"})
		require.NoError(t, err)
		if i < 3 {
			assert.Empty(t, flags, "report %d", i)
			assert.Equal(t, models.StateSoftVerified, env.account(t, "target").State)
		}
	}

	a := env.account(t, "target")
	assert.Equal(t, models.StateManualReview, a.State)
	require.NotNil(t, a.SLADeadline)
	assert.Equal(t, t0.Add(48*time.Hour), *a.SLADeadline)
	assert.NotNil(t, a.FlaggedAt)

	flags, err := env.store.ListFlags(ctx, "target")
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, models.FlagMultiReporter, flags[0].Type)
	assert.Equal(t, models.SeverityHigh, flags[0].Severity)

	sess, err := env.store.PendingSession(ctx, "target")
	require.NoError(t, err)
	assert.Equal(t, models.SessionManualReview, sess.Kind)
	require.NotNil(t, sess.Liveness, "review session carries the liveness summary")
	assert.Equal(t, 0.95, sess.Liveness.ConsistencyScore)

	v, err := env.trust.GetVisibility(ctx, "target")
	require.NoError(t, err)
	assert.Equal(t, 0.25, v.Weight)
	assert.False(t, v.CanInteract)
}

func TestRecordAction_SelfReport(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "a")
	_, err := env.trust.RecordAction(context.Background(), "a", models.BehaviorEventRequest{Kind: models.ActionReport, TargetAccountID: "a"})
	assert.ErrorIs(t, err, ErrSelfReport)
}

func TestRecordAction_RapidSwipingCooldown(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.softVerified(t, "a")

	flags, err := env.trust.RecordAction(ctx, "a", models.BehaviorEventRequest{Kind: models.ActionSwipe, Count: 100})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, models.FlagRapidSwiping, flags[0].Type)

	env.clock.Advance(time.Minute)
	_, err = env.trust.RecordAction(ctx, "a", models.BehaviorEventRequest{Kind: models.ActionSwipe, Count: 10})
	require.NoError(t, err)

	stored, err := env.store.ListFlags(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, stored, 1, "same behavior within the cool-down is not flagged twice")
	// Medium flags alone do not move a soft-verified account.
	assert.Equal(t, models.StateSoftVerified, env.account(t, "a").State)
}

func TestApplyFlags_FlaggedThenSecondFlagEscalates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.softVerified(t, "a")

	_, err := env.trust.ApplyFlags(ctx, "a", []models.BehaviorFlag{{Type: models.FlagRapidAccountCreation}})
	require.NoError(t, err)
	a := env.account(t, "a")
	assert.Equal(t, models.StateFlagged, a.State)
	assert.Nil(t, a.SLADeadline)

	w, err := env.trust.GetVisibilityWeight(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0.5, w)

	env.clock.Advance(time.Minute)
	_, err = env.trust.ApplyFlags(ctx, "a", []models.BehaviorFlag{{Type: models.FlagMassMessaging}})
	require.NoError(t, err)
	a = env.account(t, "a")
	assert.Equal(t, models.StateManualReview, a.State)
	require.NotNil(t, a.SLADeadline)
	assert.Equal(t, t0.Add(time.Minute+48*time.Hour), *a.SLADeadline)
}

func TestApplyFlags_SuspiciousProfile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.softVerified(t, "above")
	env.softVerified(t, "below")

	// 70 - 8 = 62 stays soft-verified.
	_, err := env.trust.ReportSuspiciousProfile(ctx, "above", "stock photo")
	require.NoError(t, err)
	assert.Equal(t, models.StateSoftVerified, env.account(t, "above").State)

	// 70 - 3*8 = 46, then 46 - 8 = 38 drops below the floor.
	_, err = env.trust.ApplyFlags(ctx, "below", []models.BehaviorFlag{
		{Type: models.FlagRapidSwiping}, {Type: models.FlagMassMessaging}, {Type: models.FlagVerificationAbuse},
	})
	require.NoError(t, err)
	require.Equal(t, models.StateSoftVerified, env.account(t, "below").State)

	_, err = env.trust.ReportSuspiciousProfile(ctx, "below", "stock photo")
	require.NoError(t, err)
	a := env.account(t, "below")
	assert.Equal(t, models.StateManualReview, a.State)
	// Manual review drops the verified bonus: 38 - 20 = 18.
	assert.Equal(t, 18, a.TrustScore)
	assert.Equal(t, models.EnforcementSuspended, a.EnforcementLevel)
}

func TestApplyFlags_TrustFloorForcesReview(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")

	_, err := env.trust.ApplyFlags(ctx, "a", []models.BehaviorFlag{{Type: models.FlagMultiAccount}})
	require.NoError(t, err)
	assert.Equal(t, models.StateUnverified, env.account(t, "a").State)

	env.clock.Advance(2 * time.Hour)
	// 50 - (15*2 + 7) = 13
	_, err = env.trust.ApplyFlags(ctx, "a", []models.BehaviorFlag{{Type: models.FlagMultiAccount}})
	require.NoError(t, err)

	a := env.account(t, "a")
	assert.Equal(t, models.StateManualReview, a.State)
	assert.Equal(t, 13, a.TrustScore)
	assert.Equal(t, models.EnforcementSuspended, a.EnforcementLevel)
	require.NotNil(t, a.SLADeadline)

	sess, err := env.store.PendingSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.SessionManualReview, sess.Kind)
}

func TestApplyFlags_BlockedAccountKeepsState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.grantAdmin(t, "admin")
	env.inReview(t, "a")
	_, err := env.reviews.ReviewAccount(ctx, "admin", "a", models.ReviewAccountRequest{Decision: models.DecisionReject, Reason: "fake"})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	_, err = env.trust.ApplyFlags(ctx, "a", []models.BehaviorFlag{{Type: models.FlagMultiAccount}, {Type: models.FlagMultiReporter}})
	require.NoError(t, err)
	assert.Equal(t, models.StateBlocked, env.account(t, "a").State)

	flags, err := env.store.ListFlags(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, flags, 3, "flags are still recorded")
}

func TestApplyFlags_HistoryNeverShrinks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")

	prev := 0
	for i := 0; i < 4; i++ {
		_, err := env.trust.ApplyFlags(ctx, "a", []models.BehaviorFlag{{Type: models.FlagMassMessaging}})
		require.NoError(t, err)
		flags, err := env.store.ListFlags(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, prev+1, len(flags))
		prev = len(flags)
		env.clock.Advance(2 * time.Hour)
	}
}

// Scenario: two devices each bound to the same pair of accounts flag both.
func TestRegisterFingerprint_SharedDevicesFlagBothAccounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.softVerified(t, "a")
	env.softVerified(t, "b")

	bind := func(account, device string) {
		require.NoError(t, env.trust.RegisterFingerprint(ctx, account, models.RegisterFingerprintRequest{DeviceID: device, Platform: "ios"}))
		env.clock.Advance(time.Minute)
	}
	bind("a", "device-x")
	bind("b", "device-x")
	bind("a", "device-y")

	for _, id := range []string{"a", "b"} {
		flags, err := env.store.ListFlags(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, flags, id)
	}

	bind("b", "device-y")

	for _, id := range []string{"a", "b"} {
		flags, err := env.store.ListFlags(ctx, id)
		require.NoError(t, err)
		require.Len(t, flags, 1, id)
		assert.Equal(t, models.FlagMultiAccount, flags[0].Type)
		assert.NotEmpty(t, flags[0].CorrelatedAccountID)
		assert.Equal(t, models.StateManualReview, env.account(t, id).State, id)
	}
}

func TestRegisterFingerprint_DeviceWithManyAccounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		env.createAccount(t, id)
	}
	require.NoError(t, env.trust.RegisterFingerprint(ctx, "a", models.RegisterFingerprintRequest{DeviceID: "farm", Platform: "android"}))
	require.NoError(t, env.trust.RegisterFingerprint(ctx, "b", models.RegisterFingerprintRequest{DeviceID: "farm", Platform: "android"}))
	require.NoError(t, env.trust.RegisterFingerprint(ctx, "c", models.RegisterFingerprintRequest{DeviceID: "farm", Platform: "android"}))

	for _, id := range []string{"a", "b", "c"} {
		flags, err := env.store.ListFlags(ctx, id)
		require.NoError(t, err)
		types := make([]models.FlagType, 0, len(flags))
		for _, f := range flags {
			types = append(types, f.Type)
		}
		assert.Contains(t, types, models.FlagMultiAccount, id)
	}
	cflags, err := env.store.ListFlags(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, cflags, 2, "newest account also gets rapid_account_creation")
}

func TestRegisterFingerprint_IgnoresBlockedAccounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.grantAdmin(t, "admin")
	env.inReview(t, "old")
	_, err := env.reviews.ReviewAccount(ctx, "admin", "old", models.ReviewAccountRequest{Decision: models.DecisionReject, Reason: "scam"})
	require.NoError(t, err)
	env.createAccount(t, "new")
	env.createAccount(t, "other")

	for _, id := range []string{"old", "other", "new"} {
		require.NoError(t, env.trust.RegisterFingerprint(ctx, id, models.RegisterFingerprintRequest{DeviceID: "d", Platform: "web"}))
	}
	flags, err := env.store.ListFlags(ctx, "new")
	require.NoError(t, err)
	for _, f := range flags {
		assert.NotEqual(t, models.FlagMultiAccount, f.Type)
	}
}

func TestRegisterFingerprint_RawDeviceIDNotStored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")
	require.NoError(t, env.trust.RegisterFingerprint(ctx, "a", models.RegisterFingerprintRequest{DeviceID: "IMEI-123456", Platform: "android"}))

	devices, err := env.store.DevicesForAccount(ctx, "a")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.NotContains(t, devices[0].DeviceKey, "123456")
	assert.Len(t, devices[0].DeviceKey, 64)
}

func TestContactAndProfileSignalsRecompute(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "a")

	a, err := env.trust.MarkContactVerified(ctx, "a", "phone")
	require.NoError(t, err)
	assert.Equal(t, 55, a.TrustScore)

	yes := true
	a, err = env.trust.UpdateProfileSignals(ctx, "a", models.UpdateProfileSignalsRequest{HasPhoto: &yes, HasBio: &yes})
	require.NoError(t, err)
	assert.Equal(t, 60, a.TrustScore)
	assert.True(t, a.Profile.HasPhoto)
	assert.False(t, a.Profile.HasPrompts)

	_, err = env.trust.MarkContactVerified(ctx, "a", "carrier-pigeon")
	assert.Error(t, err)
}

func TestCreateAccount_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "a")
	_, err := env.trust.CreateAccount(context.Background(), models.CreateAccountRequest{AccountID: "a"})
	assert.True(t, errors.Is(err, ErrAccountExists))
}

func TestCanInteract_ByAccount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createAccount(t, "new")
	env.softVerified(t, "ok")

	can, err := env.trust.CanInteract(ctx, "new")
	require.NoError(t, err)
	assert.False(t, can)
	can, err = env.trust.CanInteract(ctx, "ok")
	require.NoError(t, err)
	assert.True(t, can)
}
