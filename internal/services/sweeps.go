package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kindred/backend/internal/metrics"
	"github.com/kindred/backend/internal/storage"
)

// RetentionSweeper deletes verification evidence once it ages out. It works
// session by session and never looks at review state, so a pending review
// cannot hold evidence back.
type RetentionSweeper struct {
	trust    *VerificationService
	sessions storage.SessionStore
	evidence storage.EvidenceStore
	log      *zap.Logger
}

func NewRetentionSweeper(trust *VerificationService, evidence storage.EvidenceStore, logger *zap.Logger) *RetentionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionSweeper{
		trust:    trust,
		sessions: trust.store,
		evidence: evidence,
		log:      logger.Named("retention"),
	}
}

// PurgeExpiredEvidence removes evidence older than the retention window and
// clears the session's reference. The structured liveness summary stays.
func (r *RetentionSweeper) PurgeExpiredEvidence(ctx context.Context) (int, error) {
	now := r.trust.now()
	cutoff := now.Add(-r.trust.settings.EvidenceRetention)
	expired, err := r.sessions.ListSessionsWithEvidence(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired evidence: %w", err)
	}

	purged := 0
	var errs []error
	for _, sess := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.evidence.DeleteEvidence(ctx, sess.EvidenceRef); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}
		if err := r.sessions.MarkEvidencePurged(ctx, sess.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}
		purged++
		metrics.EvidencePurgedTotal.Inc()
	}
	if purged > 0 || len(errs) > 0 {
		r.log.Info("evidence retention sweep",
			zap.Int("purged", purged),
			zap.Int("failed", len(errs)),
		)
	}
	return purged, errors.Join(errs...)
}
