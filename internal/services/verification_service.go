package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindred/backend/internal/config"
	"github.com/kindred/backend/internal/metrics"
	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/storage"
)

// maxCommitAttempts bounds retries of automatic (non-admin) updates that lose
// an optimistic version race.
const maxCommitAttempts = 3

// FailureLowConsistency is the rejection reason for a liveness check below
// the pass threshold.
const FailureLowConsistency = "low_consistency"

// Settings are the tunables of the verification pipeline.
type Settings struct {
	PassThreshold       float64
	ReviewSLA           time.Duration
	EvidenceRetention   time.Duration
	CorrelationLookback time.Duration
	FlagCooldown        time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		PassThreshold:       0.80,
		ReviewSLA:           48 * time.Hour,
		EvidenceRetention:   30 * 24 * time.Hour,
		CorrelationLookback: 7 * 24 * time.Hour,
		FlagCooldown:        time.Hour,
	}
}

func SettingsFrom(c config.TrustConfig) Settings {
	return Settings{
		PassThreshold:       c.LivenessPassThreshold,
		ReviewSLA:           c.ReviewSLA,
		EvidenceRetention:   c.EvidenceRetention,
		CorrelationLookback: c.CorrelationLookback,
		FlagCooldown:        c.FlagCooldown,
	}
}

// VerificationService owns every mutation of an account's verification
// state. Each operation loads the account, applies transitions and the trust
// recompute to a working copy, and persists the lot as one storage.Commit.
type VerificationService struct {
	store      storage.Store
	limiter    *AttemptLimiter
	detector   *BehaviorDetector
	correlator *Correlator
	devices    *DeviceHasher
	screener   PhotoScreener
	settings   Settings
	log        *zap.Logger
	now        func() time.Time
}

func NewVerificationService(store storage.Store, limiter *AttemptLimiter, devices *DeviceHasher, settings Settings, logger *zap.Logger) *VerificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationService{
		store:      store,
		limiter:    limiter,
		detector:   NewBehaviorDetector(store, nil),
		correlator: NewCorrelator(store, settings.CorrelationLookback),
		devices:    devices,
		settings:   settings,
		log:        logger.Named("verification"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock, for tests and replays.
func (s *VerificationService) WithClock(now func() time.Time) *VerificationService {
	s.now = now
	return s
}

// accountTxn is the working copy of one account during an operation.
type accountTxn struct {
	acct     *models.Account
	expected int64
	flags    []models.BehaviorFlag
	pending  *models.VerificationSession
	commit   storage.Commit
	applied  []Transition
	now      time.Time
}

func (t *accountTxn) session(id string) *models.VerificationSession {
	for _, sess := range t.commit.Sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

// pendingAfterCommit reports whether a session will still be pending once
// the commit lands.
func (t *accountTxn) pendingAfterCommit() bool {
	if t.pending != nil {
		if sess := t.session(t.pending.ID); sess == nil || sess.Status == models.SessionPending {
			return true
		}
	}
	for _, sess := range t.commit.Sessions {
		if sess.Status == models.SessionPending {
			return true
		}
	}
	return false
}

func (s *VerificationService) begin(ctx context.Context, accountID string) (*accountTxn, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	flags, err := s.store.ListFlags(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	pending, err := s.store.PendingSession(ctx, accountID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load pending session: %w", err)
	}
	return &accountTxn{
		acct:     acct,
		expected: acct.Version,
		flags:    flags,
		pending:  pending,
		now:      s.now(),
	}, nil
}

// transition applies one edge of the table to the working copy together
// with its side effects.
func (s *VerificationService) transition(ctx context.Context, t *accountTxn, trigger Trigger) error {
	from := t.acct.State
	to, ok := NextState(from, trigger)
	if !ok {
		return &TransitionError{AccountID: t.acct.ID, From: from, Trigger: trigger}
	}
	t.acct.State = to
	t.applied = append(t.applied, Transition{From: from, To: to, Trigger: trigger, At: t.now})

	switch to {
	case models.StateFlagged:
		at := t.now
		t.acct.FlaggedAt = &at
	case models.StateManualReview:
		return s.escalate(ctx, t)
	}
	return nil
}

// escalate starts the review SLA clock and opens a manual review session
// unless one will already be pending.
func (s *VerificationService) escalate(ctx context.Context, t *accountTxn) error {
	deadline := t.now.Add(s.settings.ReviewSLA)
	t.acct.SLADeadline = &deadline
	t.acct.ReviewOverdue = false

	if t.pendingAfterCommit() {
		return nil
	}

	var summary *models.LivenessSummary
	for i := len(t.commit.Sessions) - 1; i >= 0; i-- {
		if sess := t.commit.Sessions[i]; sess.Kind == models.SessionLiveness && sess.Liveness != nil {
			summary = sess.Liveness.Clone()
			break
		}
	}
	if summary == nil {
		latest, err := s.store.LatestSession(ctx, t.acct.ID, models.SessionLiveness)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load latest liveness session: %w", err)
		}
		if latest != nil {
			summary = latest.Liveness
		}
	}

	t.commit.Sessions = append(t.commit.Sessions, &models.VerificationSession{
		ID:          uuid.New().String(),
		AccountID:   t.acct.ID,
		Kind:        models.SessionManualReview,
		Status:      models.SessionPending,
		Liveness:    summary,
		CreatedAt:   t.now,
		ExpiresAt:   t.now.Add(s.settings.EvidenceRetention),
		SLADeadline: &deadline,
	})
	return nil
}

func (s *VerificationService) rescore(t *accountTxn) Score {
	return ComputeTrustScore(ScoreInputFor(t.acct, t.flags, t.now))
}

// persist recomputes the score, enforces the trust floor, and writes the
// working copy in one commit conditioned on the loaded version.
func (s *VerificationService) persist(ctx context.Context, t *accountTxn) error {
	score := s.rescore(t)
	if score.Value < HardMinimum && t.acct.State != models.StateBlocked && t.acct.State != models.StateManualReview {
		if err := s.transition(ctx, t, TriggerTrustFloorBreached); err != nil {
			return err
		}
		score = s.rescore(t)
	}
	t.acct.TrustScore = score.Value
	t.acct.TrustScoreUpdatedAt = t.now
	t.acct.EnforcementLevel = score.Recommended

	if audit := t.commit.Audit; audit != nil {
		if audit.Metadata.Review != nil {
			audit.Metadata.Review.NewState = t.acct.State
			audit.Metadata.Review.TrustScore = score.Value
		}
		if err := audit.Validate(); err != nil {
			return err
		}
	}

	t.commit.Account = t.acct
	t.commit.ExpectedVersion = t.expected
	if err := s.store.Commit(ctx, &t.commit); err != nil {
		return err
	}

	for _, tr := range t.applied {
		metrics.StateTransitionsTotal.WithLabelValues(string(tr.From), string(tr.To), string(tr.Trigger)).Inc()
		s.log.Info("state transition",
			zap.String("account_id", t.acct.ID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("trigger", string(tr.Trigger)),
		)
	}
	for _, f := range t.commit.Flags {
		metrics.FlagsRaisedTotal.WithLabelValues(string(f.Type), string(f.Severity)).Inc()
	}
	return nil
}

// errNoChange aborts an update whose mutation turned out to be a no-op.
var errNoChange = errors.New("no change")

// update runs mutate against fresh state and persists it, retrying lost
// version races a bounded number of times.
func (s *VerificationService) update(ctx context.Context, accountID string, mutate func(ctx context.Context, t *accountTxn) error) (*models.Account, error) {
	for attempt := 1; ; attempt++ {
		t, err := s.begin(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if err := mutate(ctx, t); err != nil {
			if errors.Is(err, errNoChange) {
				return t.acct, nil
			}
			return nil, s.fail(ctx, t, err)
		}
		err = s.persist(ctx, t)
		if err == nil {
			return t.acct, nil
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < maxCommitAttempts {
			s.log.Debug("retrying after version conflict", zap.String("account_id", accountID), zap.Int("attempt", attempt))
			continue
		}
		return nil, s.fail(ctx, t, err)
	}
}

// fail translates storage errors and records rejected transitions.
func (s *VerificationService) fail(ctx context.Context, t *accountTxn, err error) error {
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		s.recordInvalidTransition(ctx, "", te)
		return err
	case errors.Is(err, storage.ErrVersionConflict):
		current := t.acct.State
		if fresh, gerr := s.store.GetAccount(ctx, t.acct.ID); gerr == nil {
			current = fresh.State
		}
		return &StaleStateError{AccountID: t.acct.ID, Current: current}
	case errors.Is(err, storage.ErrPendingSessionExists):
		return ErrConflictingPendingSession
	case errors.Is(err, storage.ErrNotFound):
		return ErrAccountNotFound
	}
	return err
}

func (s *VerificationService) recordInvalidTransition(ctx context.Context, principalID string, te *TransitionError) {
	metrics.InvalidTransitionsTotal.WithLabelValues(string(te.From), string(te.Trigger)).Inc()
	s.log.Warn("invalid transition rejected",
		zap.String("account_id", te.AccountID),
		zap.String("from", string(te.From)),
		zap.String("trigger", string(te.Trigger)),
		zap.String("principal_id", principalID),
	)
	ev := models.SecurityEvent{
		ID:              uuid.New().String(),
		Kind:            models.SecurityInvalidTransition,
		PrincipalID:     principalID,
		TargetAccountID: te.AccountID,
		Detail:          te.Error(),
		At:              s.now(),
	}
	if err := s.store.AppendSecurityEvent(ctx, ev); err != nil {
		s.log.Error("failed to record security event", zap.Error(err))
	}
}

// CreateAccount registers a new account in UNVERIFIED with its initial score.
func (s *VerificationService) CreateAccount(ctx context.Context, req models.CreateAccountRequest) (*models.Account, error) {
	now := s.now()
	created := req.CreatedAt.UTC()
	if req.CreatedAt.IsZero() || created.After(now) {
		created = now
	}
	acct := &models.Account{
		ID:                 req.AccountID,
		State:              models.StateUnverified,
		StateSchemaVersion: models.CurrentStateSchemaVersion,
		CreatedAt:          created,
	}
	score := ComputeTrustScore(ScoreInputFor(acct, nil, now))
	acct.TrustScore = score.Value
	acct.TrustScoreUpdatedAt = now
	acct.EnforcementLevel = score.Recommended

	if err := s.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return acct, nil
}

func (s *VerificationService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

// LivenessSubmission is one completed client-side liveness capture.
type LivenessSubmission struct {
	AccountID   string
	DeviceID    string
	Summary     models.LivenessSummary
	EvidenceRef string
}

// SubmitLiveness gates, rate-limits and evaluates a liveness check. A pass
// moves the account to SOFT_VERIFIED; a fail records a failed attempt and
// leaves state unchanged.
func (s *VerificationService) SubmitLiveness(ctx context.Context, sub LivenessSubmission) (*models.LivenessResult, error) {
	t, err := s.begin(ctx, sub.AccountID)
	if err != nil {
		return nil, err
	}
	if _, ok := NextState(t.acct.State, TriggerLivenessPassed); !ok {
		te := &TransitionError{AccountID: t.acct.ID, From: t.acct.State, Trigger: TriggerLivenessPassed}
		s.recordInvalidTransition(ctx, sub.AccountID, te)
		return nil, te
	}

	deviceKey := s.devices.Key(sub.DeviceID)
	decision, err := s.limiter.Check(ctx, sub.AccountID, deviceKey, t.now)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.log.Info("liveness attempt denied",
			zap.String("account_id", sub.AccountID),
			zap.String("scope", decision.Scope),
		)
		if decision.Flag != nil {
			if _, ferr := s.ApplyFlags(ctx, sub.AccountID, []models.BehaviorFlag{*decision.Flag}); ferr != nil {
				s.log.Error("failed to raise verification abuse flag", zap.String("account_id", sub.AccountID), zap.Error(ferr))
			}
		}
		return nil, &RateLimitError{Scope: decision.Scope, RetryAfter: decision.RetryAfter}
	}

	summary := sub.Summary.Clone()
	sess := &models.VerificationSession{
		ID:          uuid.New().String(),
		AccountID:   sub.AccountID,
		Kind:        models.SessionLiveness,
		EvidenceRef: strings.TrimSpace(sub.EvidenceRef),
		Status:      models.SessionPending,
		Liveness:    summary,
		CreatedAt:   t.now,
		ExpiresAt:   t.now.Add(s.settings.EvidenceRetention),
	}
	if err := s.store.InsertPendingSession(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrPendingSessionExists) {
			return nil, ErrConflictingPendingSession
		}
		return nil, fmt.Errorf("insert pending session: %w", err)
	}

	attempt := models.VerificationAttempt{
		ID:        uuid.New().String(),
		AccountID: sub.AccountID,
		DeviceKey: deviceKey,
		At:        t.now,
	}
	resolved := sess.Clone()
	if summary.ConsistencyScore >= s.settings.PassThreshold {
		resolved.Status = models.SessionApproved
		attempt.Success = true
	} else {
		resolved.Status = models.SessionRejected
		resolved.RejectionReason = FailureLowConsistency
		attempt.FailureReason = FailureLowConsistency
	}

	// An automatic commit landing between load and persist bumps the
	// version; reload and apply the outcome again rather than lose it.
	for n := 1; ; n++ {
		if n > 1 {
			if t, err = s.begin(ctx, sub.AccountID); err != nil {
				s.discardPending(ctx, sess.ID)
				return nil, err
			}
		}
		t.pending = sess
		t.commit.Sessions = append(t.commit.Sessions, resolved)
		t.commit.Attempts = append(t.commit.Attempts, attempt)

		err = nil
		if attempt.Success {
			err = s.transition(ctx, t, TriggerLivenessPassed)
		}
		if err == nil {
			err = s.persist(ctx, t)
		}
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrVersionConflict) && n < maxCommitAttempts {
			s.log.Debug("retrying liveness commit after version conflict", zap.String("account_id", sub.AccountID), zap.Int("attempt", n))
			continue
		}
		s.discardPending(ctx, sess.ID)
		return nil, s.fail(ctx, t, err)
	}

	if err := s.limiter.Observe(ctx, attempt); err != nil {
		s.log.Warn("failed to mirror attempt", zap.String("account_id", sub.AccountID), zap.Error(err))
	}

	return &models.LivenessResult{
		Accepted:   attempt.Success,
		State:      t.acct.State,
		SessionID:  sess.ID,
		TrustScore: t.acct.TrustScore,
		Reason:     attempt.FailureReason,
	}, nil
}

func (s *VerificationService) discardPending(ctx context.Context, sessionID string) {
	if err := s.store.DiscardPendingSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("failed to discard pending session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// escalatesImmediately lists flags that skip straight from FLAGGED to review.
func escalatesImmediately(f models.BehaviorFlag, provisional int) bool {
	switch f.Type {
	case models.FlagMultiAccount, models.FlagMultiReporter:
		return true
	case models.FlagSuspiciousProfile:
		return provisional < SuspiciousProfileFloor
	}
	return false
}

func flagsAccount(f models.BehaviorFlag) bool {
	return f.Severity == models.SeverityHigh || f.Type == models.FlagMultiReporter
}

// ApplyFlags records new flags and applies the automatic transitions they
// trigger. Flags of a type already raised within the cool-down are dropped.
func (s *VerificationService) ApplyFlags(ctx context.Context, accountID string, flags []models.BehaviorFlag) (*models.Account, error) {
	return s.update(ctx, accountID, func(ctx context.Context, t *accountTxn) error {
		fresh := s.withoutCooledDown(t, flags)
		if len(fresh) == 0 {
			return errNoChange
		}
		for _, f := range fresh {
			f.AccountID = accountID
			if f.ID == "" {
				f.ID = uuid.New().String()
			}
			if f.RaisedAt.IsZero() {
				f.RaisedAt = t.now
			}
			t.commit.Flags = append(t.commit.Flags, f)
			t.flags = append(t.flags, f)

			switch t.acct.State {
			case models.StateSoftVerified:
				escalate := escalatesImmediately(f, s.rescore(t).Value)
				if !flagsAccount(f) && !escalate {
					continue
				}
				if err := s.transition(ctx, t, TriggerBehaviorFlagged); err != nil {
					return err
				}
				if escalate {
					if err := s.transition(ctx, t, TriggerEscalated); err != nil {
						return err
					}
				}
			case models.StateFlagged:
				// Any further flag escalates.
				if err := s.transition(ctx, t, TriggerEscalated); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *VerificationService) withoutCooledDown(t *accountTxn, flags []models.BehaviorFlag) []models.BehaviorFlag {
	last := make(map[models.FlagType]time.Time)
	for _, f := range t.flags {
		if f.RaisedAt.After(last[f.Type]) {
			last[f.Type] = f.RaisedAt
		}
	}
	out := make([]models.BehaviorFlag, 0, len(flags))
	for _, f := range flags {
		if !f.Type.Valid() {
			s.log.Warn("dropping flag of unknown type", zap.String("type", string(f.Type)))
			continue
		}
		if at, seen := last[f.Type]; seen && t.now.Sub(at) < s.settings.FlagCooldown {
			continue
		}
		f.Severity = models.SeverityOf(f.Type)
		last[f.Type] = t.now
		out = append(out, f)
	}
	return out
}

// RecordAction stores one or more observed actions and runs the detector
// for the account they count against. Reports count against the target.
func (s *VerificationService) RecordAction(ctx context.Context, actorID string, req models.BehaviorEventRequest) ([]models.BehaviorFlag, error) {
	subject, actor := actorID, ""
	if req.Kind == models.ActionReport {
		if req.TargetAccountID == actorID {
			return nil, ErrSelfReport
		}
		subject, actor = req.TargetAccountID, actorID
	}
	if _, err := s.GetAccount(ctx, subject); err != nil {
		return nil, err
	}

	now := s.now()
	n := req.Count
	if n <= 0 || req.Kind == models.ActionReport {
		n = 1
	}
	for i := 0; i < n; i++ {
		ev := models.ActionEvent{AccountID: subject, Kind: req.Kind, ActorID: actor, At: now}
		if err := s.store.AppendAction(ctx, ev); err != nil {
			return nil, fmt.Errorf("record action: %w", err)
		}
	}

	flags, err := s.detector.Evaluate(ctx, subject, req.Kind, now)
	if err != nil {
		return nil, err
	}
	if len(flags) == 0 {
		return nil, nil
	}
	if _, err := s.ApplyFlags(ctx, subject, flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// RegisterFingerprint binds the device to the account and raises any
// correlation flags on every account involved.
func (s *VerificationService) RegisterFingerprint(ctx context.Context, accountID string, req models.RegisterFingerprintRequest) error {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return err
	}
	now := s.now()
	fp, err := s.store.BindDevice(ctx, storage.DeviceSighting{
		DeviceKey: s.devices.Key(req.DeviceID),
		InstallID: strings.TrimSpace(req.InstallID),
		Platform:  req.Platform,
		AccountID: accountID,
		At:        now,
	})
	if err != nil {
		return fmt.Errorf("bind device: %w", err)
	}

	byAccount, err := s.correlator.Correlate(ctx, accountID, fp, now)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(byAccount))
	for id := range byAccount {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if _, err := s.ApplyFlags(ctx, id, byAccount[id]); err != nil {
			errs = append(errs, fmt.Errorf("flag %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// MarkContactVerified records a verified phone or email channel.
func (s *VerificationService) MarkContactVerified(ctx context.Context, accountID, channel string) (*models.Account, error) {
	return s.update(ctx, accountID, func(ctx context.Context, t *accountTxn) error {
		switch channel {
		case "phone":
			if t.acct.PhoneVerified {
				return errNoChange
			}
			t.acct.PhoneVerified = true
		case "email":
			if t.acct.EmailVerified {
				return errNoChange
			}
			t.acct.EmailVerified = true
		default:
			return fmt.Errorf("unknown contact channel %q", channel)
		}
		return nil
	})
}

func (s *VerificationService) UpdateProfileSignals(ctx context.Context, accountID string, req models.UpdateProfileSignalsRequest) (*models.Account, error) {
	return s.update(ctx, accountID, func(ctx context.Context, t *accountTxn) error {
		next := req.Apply(t.acct.Profile)
		if next == t.acct.Profile {
			return errNoChange
		}
		t.acct.Profile = next
		return nil
	})
}

// ReportSuspiciousProfile raises a suspicious_profile flag from the
// moderation pipeline.
func (s *VerificationService) ReportSuspiciousProfile(ctx context.Context, accountID, detail string) (*models.Account, error) {
	return s.ApplyFlags(ctx, accountID, []models.BehaviorFlag{{
		Type:   models.FlagSuspiciousProfile,
		Detail: strings.TrimSpace(detail),
	}})
}

func (s *VerificationService) GetVisibility(ctx context.Context, accountID string) (*models.VisibilityResponse, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &models.VisibilityResponse{
		AccountID:   acct.ID,
		State:       acct.State,
		Weight:      VisibilityWeight(acct.State),
		CanInteract: CanInteract(acct.State),
	}, nil
}

func (s *VerificationService) GetVisibilityWeight(ctx context.Context, accountID string) (float64, error) {
	v, err := s.GetVisibility(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return v.Weight, nil
}

func (s *VerificationService) CanInteract(ctx context.Context, accountID string) (bool, error) {
	v, err := s.GetVisibility(ctx, accountID)
	if err != nil {
		return false, err
	}
	return v.CanInteract, nil
}
