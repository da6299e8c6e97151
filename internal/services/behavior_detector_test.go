package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred/backend/internal/models"
)

type stubActions struct {
	counts   map[models.ActionKind]int
	distinct map[models.ActionKind]int
	err      error
	since    time.Time
}

func (s *stubActions) CountActions(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error) {
	s.since = since
	return s.counts[kind], s.err
}

func (s *stubActions) DistinctActors(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error) {
	s.since = since
	return s.distinct[kind], s.err
}

func TestBehaviorDetector_Evaluate(t *testing.T) {
	tests := []struct {
		name     string
		kind     models.ActionKind
		counts   map[models.ActionKind]int
		distinct map[models.ActionKind]int
		want     []models.FlagType
	}{
		{"swipes under threshold", models.ActionSwipe, map[models.ActionKind]int{models.ActionSwipe: 99}, nil, nil},
		{"swipes at threshold", models.ActionSwipe, map[models.ActionKind]int{models.ActionSwipe: 100}, nil, []models.FlagType{models.FlagRapidSwiping}},
		{"messages at threshold", models.ActionMessage, map[models.ActionKind]int{models.ActionMessage: 40}, nil, []models.FlagType{models.FlagMassMessaging}},
		{"many reports one reporter", models.ActionReport, map[models.ActionKind]int{models.ActionReport: 9}, map[models.ActionKind]int{models.ActionReport: 1}, nil},
		{"three reporters", models.ActionReport, nil, map[models.ActionKind]int{models.ActionReport: 3}, []models.FlagType{models.FlagMultiReporter}},
		{"other kinds ignored", models.ActionMessage, map[models.ActionKind]int{models.ActionSwipe: 500}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewBehaviorDetector(&stubActions{counts: tt.counts, distinct: tt.distinct}, nil)
			flags, err := d.Evaluate(context.Background(), "a", tt.kind, t0)
			require.NoError(t, err)

			var got []models.FlagType
			for _, f := range flags {
				got = append(got, f.Type)
				assert.Equal(t, t0, f.RaisedAt)
				assert.Equal(t, models.SeverityOf(f.Type), f.Severity)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBehaviorDetector_WindowAndErrors(t *testing.T) {
	stub := &stubActions{}
	d := NewBehaviorDetector(stub, nil)
	_, err := d.Evaluate(context.Background(), "a", models.ActionReport, t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-24*time.Hour), stub.since)

	stub.err = errors.New("boom")
	_, err = d.Evaluate(context.Background(), "a", models.ActionSwipe, t0)
	assert.ErrorContains(t, err, "boom")
}
