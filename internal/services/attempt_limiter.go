package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/backend/internal/metrics"
	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/storage"
)

// AttemptRecorder mirrors committed attempts into an external window store.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a models.VerificationAttempt) error
}

type breachStore interface {
	AppendBreach(ctx context.Context, b models.RateLimitBreach) error
	BreachWindows(ctx context.Context, accountID, deviceKey string, since time.Time) ([]time.Time, error)
}

// LimitDecision is the outcome of one limiter check.
type LimitDecision struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
	// Flag is set when breaches have repeated across windows.
	Flag *models.BehaviorFlag
}

// AttemptLimiter bounds verification attempts per account and per device over
// a sliding window. A single lockout never raises a flag, however many
// denials it sees; a second lockout starting after the first has cleared,
// inside the lookback, does.
type AttemptLimiter struct {
	counter  storage.AttemptCounter
	breaches breachStore
	mirror   AttemptRecorder
	window   time.Duration
	ceiling  int
	lookback time.Duration
}

func NewAttemptLimiter(counter storage.AttemptCounter, breaches breachStore, window time.Duration, ceiling int, lookback time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		counter:  counter,
		breaches: breaches,
		window:   window,
		ceiling:  ceiling,
		lookback: lookback,
	}
}

// WithMirror sends every observed attempt to r as well.
func (l *AttemptLimiter) WithMirror(r AttemptRecorder) *AttemptLimiter {
	l.mirror = r
	return l
}

func (l *AttemptLimiter) Check(ctx context.Context, accountID, deviceKey string, now time.Time) (LimitDecision, error) {
	since := now.Add(-l.window)

	n, err := l.counter.CountAttempts(ctx, storage.AttemptFilter{AccountID: accountID, Since: since})
	if err != nil {
		return LimitDecision{}, fmt.Errorf("limiter: count account attempts: %w", err)
	}
	scope := ""
	if n >= l.ceiling {
		scope = "account"
	} else if deviceKey != "" {
		n, err = l.counter.CountAttempts(ctx, storage.AttemptFilter{DeviceKey: deviceKey, Since: since})
		if err != nil {
			return LimitDecision{}, fmt.Errorf("limiter: count device attempts: %w", err)
		}
		if n >= l.ceiling {
			scope = "device"
		}
	}
	if scope == "" {
		return LimitDecision{Allowed: true}, nil
	}

	metrics.AttemptsDeniedTotal.Inc()
	decision := LimitDecision{Allowed: false, Scope: scope, RetryAfter: l.window}

	windows, err := l.breaches.BreachWindows(ctx, accountID, deviceKey, now.Add(-l.lookback))
	if err != nil {
		return decision, fmt.Errorf("limiter: breach windows: %w", err)
	}
	start := breachWindowStart(windows, now, l.window)
	breach := models.RateLimitBreach{
		AccountID:   accountID,
		DeviceKey:   deviceKey,
		WindowStart: start,
		At:          now,
	}
	if err := l.breaches.AppendBreach(ctx, breach); err != nil {
		return decision, fmt.Errorf("limiter: record breach: %w", err)
	}
	if len(windows) == 0 || windows[len(windows)-1].Before(start) {
		windows = append(windows, start)
	}
	if len(windows) >= 2 {
		decision.Flag = &models.BehaviorFlag{
			ID:        uuid.New().String(),
			AccountID: accountID,
			Type:      models.FlagVerificationAbuse,
			Severity:  models.SeverityOf(models.FlagVerificationAbuse),
			RaisedAt:  now,
			Detail:    fmt.Sprintf("attempt limit breached in %d windows", len(windows)),
		}
	}
	return decision, nil
}

// breachWindowStart anchors a lockout at its first denial: a denial less
// than one window after the latest anchor belongs to that lockout.
func breachWindowStart(windows []time.Time, now time.Time, window time.Duration) time.Time {
	now = now.UTC()
	var latest time.Time
	for _, w := range windows {
		if w.After(latest) {
			latest = w
		}
	}
	if !latest.IsZero() && now.Sub(latest) < window {
		return latest
	}
	return now
}

// Observe forwards a committed attempt to the mirror, if any.
func (l *AttemptLimiter) Observe(ctx context.Context, a models.VerificationAttempt) error {
	if l.mirror == nil {
		return nil
	}
	return l.mirror.RecordAttempt(ctx, a)
}
