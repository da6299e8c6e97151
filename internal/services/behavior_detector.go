package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/backend/internal/models"
)

// Threshold is one independent check over a window of action counts.
type Threshold struct {
	Flag     models.FlagType
	Kind     models.ActionKind
	Window   time.Duration
	Min      int
	Distinct bool // count distinct actors instead of events
}

// DefaultThresholds is the static detection table.
var DefaultThresholds = []Threshold{
	{Flag: models.FlagRapidSwiping, Kind: models.ActionSwipe, Window: 10 * time.Minute, Min: 100},
	{Flag: models.FlagMassMessaging, Kind: models.ActionMessage, Window: 10 * time.Minute, Min: 40},
	{Flag: models.FlagMultiReporter, Kind: models.ActionReport, Window: 24 * time.Hour, Min: 3, Distinct: true},
}

type actionCounter interface {
	CountActions(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error)
	DistinctActors(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error)
}

// BehaviorDetector evaluates thresholds over recent action counts. Each check
// emits at most one flag per evaluation; repeat suppression is the caller's
// cool-down.
type BehaviorDetector struct {
	actions    actionCounter
	thresholds []Threshold
}

func NewBehaviorDetector(actions actionCounter, thresholds []Threshold) *BehaviorDetector {
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	return &BehaviorDetector{actions: actions, thresholds: thresholds}
}

// Evaluate runs every check that watches kind.
func (d *BehaviorDetector) Evaluate(ctx context.Context, accountID string, kind models.ActionKind, now time.Time) ([]models.BehaviorFlag, error) {
	var out []models.BehaviorFlag
	for _, t := range d.thresholds {
		if t.Kind != kind {
			continue
		}
		since := now.Add(-t.Window)
		var (
			n   int
			err error
		)
		if t.Distinct {
			n, err = d.actions.DistinctActors(ctx, accountID, t.Kind, since)
		} else {
			n, err = d.actions.CountActions(ctx, accountID, t.Kind, since)
		}
		if err != nil {
			return nil, fmt.Errorf("detector: %s: %w", t.Flag, err)
		}
		if n < t.Min {
			continue
		}
		out = append(out, models.BehaviorFlag{
			ID:        uuid.New().String(),
			AccountID: accountID,
			Type:      t.Flag,
			Severity:  models.SeverityOf(t.Flag),
			RaisedAt:  now,
			Detail:    fmt.Sprintf("%d %s in %s", n, t.Kind, t.Window),
		})
	}
	return out, nil
}
