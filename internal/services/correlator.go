package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/storage"
)

type correlationStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	DevicesForAccount(ctx context.Context, accountID string) ([]*models.DeviceFingerprint, error)
}

// Correlator links accounts that share devices. It never writes; it returns
// the flags to raise, keyed by account.
type Correlator struct {
	store    correlationStore
	lookback time.Duration

	// CreationWindow and CreationMin drive rapid_account_creation: that many
	// accounts created within the window on one device.
	CreationWindow time.Duration
	CreationMin    int
	// SharedDeviceMin is how many devices two accounts must share.
	SharedDeviceMin int
	// DeviceAccountMin is how many other active accounts a device may bind
	// before everyone on it is flagged.
	DeviceAccountMin int
}

func NewCorrelator(store correlationStore, lookback time.Duration) *Correlator {
	return &Correlator{
		store:            store,
		lookback:         lookback,
		CreationWindow:   24 * time.Hour,
		CreationMin:      3,
		SharedDeviceMin:  2,
		DeviceAccountMin: 2,
	}
}

// Correlate runs after accountID was bound to fp. Multi-account flags are
// symmetric: every correlated account gets one, not only the newest.
func (c *Correlator) Correlate(ctx context.Context, accountID string, fp *models.DeviceFingerprint, now time.Time) (map[string][]models.BehaviorFlag, error) {
	since := now.Add(-c.lookback)
	active := make(map[string]*models.Account)
	isActive := func(id string) (bool, error) {
		if a, ok := active[id]; ok {
			return a != nil, nil
		}
		a, err := c.store.GetAccount(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			active[id] = nil
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if a.State == models.StateBlocked {
			a = nil
		}
		active[id] = a
		return a != nil, nil
	}

	linked := make(map[string]string) // correlated account -> detail

	// Device binds too many other active accounts.
	others := make([]string, 0, len(fp.Bindings))
	for _, b := range fp.Bindings {
		if b.AccountID == accountID || b.LastSeen.Before(since) {
			continue
		}
		ok, err := isActive(b.AccountID)
		if err != nil {
			return nil, fmt.Errorf("correlator: load %s: %w", b.AccountID, err)
		}
		if ok {
			others = append(others, b.AccountID)
		}
	}
	if len(others) >= c.DeviceAccountMin {
		for _, id := range others {
			linked[id] = fmt.Sprintf("device shared by %d accounts", len(others)+1)
		}
	}

	// Another active account shares several devices with this one.
	devices, err := c.store.DevicesForAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("correlator: devices for %s: %w", accountID, err)
	}
	shared := make(map[string]int)
	for _, d := range devices {
		own, ok := d.Binding(accountID)
		if !ok || own.LastSeen.Before(since) {
			continue
		}
		for _, b := range d.Bindings {
			if b.AccountID != accountID && !b.LastSeen.Before(since) {
				shared[b.AccountID]++
			}
		}
	}
	for id, n := range shared {
		if n < c.SharedDeviceMin {
			continue
		}
		ok, err := isActive(id)
		if err != nil {
			return nil, fmt.Errorf("correlator: load %s: %w", id, err)
		}
		if ok {
			linked[id] = fmt.Sprintf("%d devices shared", n)
		}
	}

	out := make(map[string][]models.BehaviorFlag)
	self, err := isActive(accountID)
	if err != nil {
		return nil, fmt.Errorf("correlator: load %s: %w", accountID, err)
	}
	if !self {
		return out, nil
	}

	ids := make([]string, 0, len(linked))
	for id := range linked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out[id] = append(out[id], multiAccountFlag(id, accountID, linked[id], now))
	}
	if len(ids) > 0 {
		out[accountID] = append(out[accountID], multiAccountFlag(accountID, ids[0], linked[ids[0]], now))
	}

	if f, ok := c.rapidCreation(accountID, fp, active, now); ok {
		out[accountID] = append(out[accountID], f)
	}
	return out, nil
}

func multiAccountFlag(accountID, correlatedID, detail string, now time.Time) models.BehaviorFlag {
	return models.BehaviorFlag{
		ID:                  uuid.New().String(),
		AccountID:           accountID,
		Type:                models.FlagMultiAccount,
		Severity:            models.SeverityOf(models.FlagMultiAccount),
		RaisedAt:            now,
		CorrelatedAccountID: correlatedID,
		Detail:              detail,
	}
}

// rapidCreation looks only at accounts already loaded as active.
func (c *Correlator) rapidCreation(accountID string, fp *models.DeviceFingerprint, active map[string]*models.Account, now time.Time) (models.BehaviorFlag, bool) {
	since := now.Add(-c.CreationWindow)
	n := 0
	for _, b := range fp.Bindings {
		a := active[b.AccountID]
		if a != nil && !a.CreatedAt.Before(since) {
			n++
		}
	}
	if n < c.CreationMin {
		return models.BehaviorFlag{}, false
	}
	return models.BehaviorFlag{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Type:      models.FlagRapidAccountCreation,
		Severity:  models.SeverityOf(models.FlagRapidAccountCreation),
		RaisedAt:  now,
		Detail:    fmt.Sprintf("%d accounts created on one device within %s", n, c.CreationWindow),
	}, true
}
