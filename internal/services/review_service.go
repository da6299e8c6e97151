package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindred/backend/internal/metrics"
	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/storage"
)

// OverdueNotifier is told about reviews that newly passed their SLA.
type OverdueNotifier interface {
	NotifyOverdue(ctx context.Context, items []models.ReviewItem) error
}

// ReviewService is the admin side of the pipeline: the queue, decisions,
// the overdue sweep and the audit log. Decisions go through the same
// per-account commit path as automatic transitions.
type ReviewService struct {
	trust    *VerificationService
	store    storage.Store
	notifier OverdueNotifier
	log      *zap.Logger
}

func NewReviewService(trust *VerificationService, notifier OverdueNotifier, logger *zap.Logger) *ReviewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewService{
		trust:    trust,
		store:    trust.store,
		notifier: notifier,
		log:      logger.Named("review"),
	}
}

// Queue lists accounts awaiting review, soonest deadline first.
func (r *ReviewService) Queue(ctx context.Context) ([]models.ReviewItem, error) {
	accounts, err := r.store.ListAccountsByState(ctx, models.StateManualReview)
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	now := r.trust.now()
	items := make([]models.ReviewItem, 0, len(accounts))
	for _, a := range accounts {
		item, err := r.itemFor(ctx, a, now)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		di, dj := items[i].SLADeadline, items[j].SLADeadline
		switch {
		case di == nil:
			return false
		case dj == nil:
			return true
		}
		return di.Before(*dj)
	})
	return items, nil
}

func (r *ReviewService) itemFor(ctx context.Context, a *models.Account, now time.Time) (models.ReviewItem, error) {
	item := models.ReviewItem{
		AccountID:   a.ID,
		TrustScore:  a.TrustScore,
		SLADeadline: a.SLADeadline,
		Overdue:     a.ReviewOverdue || (a.SLADeadline != nil && now.After(*a.SLADeadline)),
	}
	pending, err := r.store.PendingSession(ctx, a.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return item, fmt.Errorf("load pending session: %w", err)
	}
	if pending != nil {
		item.SessionID = pending.ID
		item.Liveness = pending.Liveness
	}
	if item.Liveness == nil {
		latest, err := r.store.LatestSession(ctx, a.ID, models.SessionLiveness)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return item, fmt.Errorf("load liveness session: %w", err)
		}
		if latest != nil {
			item.Liveness = latest.Liveness
		}
	}
	flags, err := r.store.ListFlags(ctx, a.ID)
	if err != nil {
		return item, fmt.Errorf("load flags: %w", err)
	}
	item.Flags = ActiveFlags(flags, a.FlagsClearedAt)
	return item, nil
}

// requireAdmin derives the capability from the admin directory; nothing the
// caller sends can grant it.
func (r *ReviewService) requireAdmin(ctx context.Context, principalID, accountID string) error {
	ok, err := r.store.IsAdmin(ctx, principalID)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if ok {
		return nil
	}
	metrics.CapabilityDeniedTotal.Inc()
	r.log.Warn("review capability denied",
		zap.String("principal_id", principalID),
		zap.String("account_id", accountID),
	)
	ev := models.SecurityEvent{
		ID:              uuid.New().String(),
		Kind:            models.SecurityCapabilityDenied,
		PrincipalID:     principalID,
		TargetAccountID: accountID,
		Detail:          "privileged review action without admin capability",
		At:              r.trust.now(),
	}
	if err := r.store.AppendSecurityEvent(ctx, ev); err != nil {
		r.log.Error("failed to record security event", zap.Error(err))
	}
	return ErrCapabilityDenied
}

// RequireAdmin is the capability check for read-only admin surfaces.
func (r *ReviewService) RequireAdmin(ctx context.Context, principalID string) error {
	return r.requireAdmin(ctx, principalID, "")
}

// StaleReviewWindow bounds how long after a decision a second decision on the
// same account is reported as a lost race rather than an invalid transition.
const StaleReviewWindow = 2 * time.Minute

func reviewedRecently(a *models.Account, now time.Time) bool {
	return a.LastReviewedAt != nil && now.Sub(*a.LastReviewedAt) <= StaleReviewWindow
}

var decisionTriggers = map[models.ReviewDecision]struct {
	trigger Trigger
	action  models.AuditAction
	status  models.SessionStatus
}{
	models.DecisionApprove:  {TriggerAdminApproved, models.AuditReviewApprove, models.SessionApproved},
	models.DecisionReject:   {TriggerAdminRejected, models.AuditReviewReject, models.SessionRejected},
	models.DecisionReverify: {TriggerAdminReverify, models.AuditReviewReverify, models.SessionExpired},
}

// ReviewAccount applies an admin decision. The commit is conditioned on the
// version read here, so of two concurrent decisions exactly one lands; the
// other gets a StaleStateError.
func (r *ReviewService) ReviewAccount(ctx context.Context, principalID, accountID string, req models.ReviewAccountRequest) (*models.Account, error) {
	d, ok := decisionTriggers[req.Decision]
	if !ok {
		return nil, fmt.Errorf("unknown review decision %q", req.Decision)
	}
	if err := r.requireAdmin(ctx, principalID, accountID); err != nil {
		return nil, err
	}

	t, err := r.trust.begin(ctx, accountID)
	if err != nil {
		return nil, err
	}
	prev := t.acct.State
	if prev != models.StateManualReview {
		if reviewedRecently(t.acct, t.now) {
			return nil, &StaleStateError{AccountID: accountID, Current: prev}
		}
		te := &TransitionError{AccountID: accountID, From: prev, Trigger: d.trigger}
		r.trust.recordInvalidTransition(ctx, principalID, te)
		return nil, te
	}

	deadline := t.acct.SLADeadline
	overdue := t.acct.ReviewOverdue || (deadline != nil && t.now.After(*deadline))

	if err := r.trust.transition(ctx, t, d.trigger); err != nil {
		return nil, r.trust.fail(ctx, t, err)
	}

	sessionID := ""
	if t.pending != nil && t.pending.Kind == models.SessionManualReview {
		resolved := t.pending.Clone()
		reviewedAt := t.now
		resolved.Status = d.status
		resolved.ReviewedBy = principalID
		resolved.ReviewedAt = &reviewedAt
		if req.Decision == models.DecisionReject {
			resolved.RejectionReason = req.Reason
		}
		t.commit.Sessions = append(t.commit.Sessions, resolved)
		sessionID = resolved.ID
	}

	reviewedAt := t.now
	t.acct.LastReviewedAt = &reviewedAt
	t.acct.SLADeadline = nil
	t.acct.ReviewOverdue = false
	if req.Decision == models.DecisionApprove {
		cleared := t.now
		t.acct.FlagsClearedAt = &cleared
		t.acct.FlaggedAt = nil
	}

	t.commit.Audit = &models.AdminAuditLogEntry{
		ID:              uuid.New().String(),
		ActorID:         principalID,
		Action:          d.action,
		TargetAccountID: accountID,
		Reason:          req.Reason,
		Metadata: models.AuditMetadata{Review: &models.ReviewMetadata{
			PreviousState: prev,
			SessionID:     sessionID,
			SLADeadline:   deadline,
			Overdue:       overdue,
		}},
		At: t.now,
	}

	if err := r.trust.persist(ctx, t); err != nil {
		return nil, r.trust.fail(ctx, t, err)
	}
	metrics.ReviewDecisionsTotal.WithLabelValues(string(req.Decision)).Inc()
	r.log.Info("review decision committed",
		zap.String("principal_id", principalID),
		zap.String("account_id", accountID),
		zap.String("decision", string(req.Decision)),
		zap.String("state", string(t.acct.State)),
		zap.Bool("overdue", overdue),
	)
	return t.acct, nil
}

// SweepOverdue marks reviews past their deadline. It never resolves them.
// It returns the items that became overdue in this run.
func (r *ReviewService) SweepOverdue(ctx context.Context) ([]models.ReviewItem, error) {
	accounts, err := r.store.ListAccountsByState(ctx, models.StateManualReview)
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	now := r.trust.now()
	overdue := 0
	var newly []models.ReviewItem
	var errs []error
	for _, a := range accounts {
		if a.SLADeadline == nil || !now.After(*a.SLADeadline) {
			continue
		}
		overdue++
		if a.ReviewOverdue {
			continue
		}
		marked := false
		updated, err := r.trust.update(ctx, a.ID, func(ctx context.Context, t *accountTxn) error {
			marked = false
			if t.acct.State != models.StateManualReview || t.acct.ReviewOverdue {
				return errNoChange
			}
			t.acct.ReviewOverdue = true
			marked = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("mark %s overdue: %w", a.ID, err))
			continue
		}
		if !marked {
			continue
		}
		item, err := r.itemFor(ctx, updated, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		newly = append(newly, item)
	}
	metrics.ReviewQueueOverdue.Set(float64(overdue))

	if len(newly) > 0 {
		r.log.Warn("reviews past SLA", zap.Int("newly_overdue", len(newly)), zap.Int("overdue", overdue))
		if r.notifier != nil {
			if err := r.notifier.NotifyOverdue(ctx, newly); err != nil {
				r.log.Error("failed to send overdue notification", zap.Error(err))
			}
		}
	}
	return newly, errors.Join(errs...)
}

// QueryAuditLog pages through the admin audit log, newest first.
func (r *ReviewService) QueryAuditLog(ctx context.Context, q models.AuditQuery) (*models.AuditPage, error) {
	q.Limit = storage.NormalizeLimit(q.Limit)
	if q.Offset < 0 {
		q.Offset = 0
	}
	return r.store.ListAuditLog(ctx, q)
}
