package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kindred/backend/internal/models"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrVersionConflict      = errors.New("version conflict")
	ErrPendingSessionExists = errors.New("pending session exists")
)

// Commit is one atomic unit of work against a single account. Either every
// part is applied or none is.
type Commit struct {
	// Account is written only if the stored version equals ExpectedVersion.
	// The stored version is incremented on success and Account.Version is
	// updated to it.
	Account         *models.Account
	ExpectedVersion int64
	Sessions        []*models.VerificationSession
	Flags           []models.BehaviorFlag
	Attempts        []models.VerificationAttempt
	Audit           *models.AdminAuditLogEntry
}

// AttemptFilter selects attempts for one account or one device since a time.
type AttemptFilter struct {
	AccountID string
	DeviceKey string
	Since     time.Time
}

type AccountStore interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccountsByState(ctx context.Context, state models.VerificationState) ([]*models.Account, error)
	Commit(ctx context.Context, c *Commit) error
}

type SessionStore interface {
	// InsertPendingSession fails with ErrPendingSessionExists when the account
	// already has a pending session.
	InsertPendingSession(ctx context.Context, s *models.VerificationSession) error
	// DiscardPendingSession removes a pending session that was never committed.
	DiscardPendingSession(ctx context.Context, sessionID string) error
	PendingSession(ctx context.Context, accountID string) (*models.VerificationSession, error)
	LatestSession(ctx context.Context, accountID string, kind models.SessionKind) (*models.VerificationSession, error)
	ListSessionsWithEvidence(ctx context.Context, createdBefore time.Time) ([]*models.VerificationSession, error)
	MarkEvidencePurged(ctx context.Context, sessionID string, at time.Time) error
}

type AttemptCounter interface {
	CountAttempts(ctx context.Context, f AttemptFilter) (int, error)
}

type AttemptStore interface {
	AttemptCounter
	AppendBreach(ctx context.Context, b models.RateLimitBreach) error
	// BreachWindows returns the distinct window starts of breaches since a time
	// for either the account or the device.
	BreachWindows(ctx context.Context, accountID, deviceKey string, since time.Time) ([]time.Time, error)
}

type FlagStore interface {
	ListFlags(ctx context.Context, accountID string) ([]models.BehaviorFlag, error)
}

type ActionStore interface {
	AppendAction(ctx context.Context, e models.ActionEvent) error
	CountActions(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error)
	DistinctActors(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error)
}

// DeviceSighting is one fingerprint report from a client.
type DeviceSighting struct {
	DeviceKey string
	InstallID string
	Platform  string
	AccountID string
	At        time.Time
}

type DeviceStore interface {
	// BindDevice records the sighting and returns the updated fingerprint.
	BindDevice(ctx context.Context, s DeviceSighting) (*models.DeviceFingerprint, error)
	DevicesForAccount(ctx context.Context, accountID string) ([]*models.DeviceFingerprint, error)
}

type AuditStore interface {
	ListAuditLog(ctx context.Context, q models.AuditQuery) (*models.AuditPage, error)
	AppendSecurityEvent(ctx context.Context, e models.SecurityEvent) error
}

// AdminDirectory is the server-side source of admin capability.
type AdminDirectory interface {
	IsAdmin(ctx context.Context, principalID string) (bool, error)
	GrantAdmin(ctx context.Context, principalID string) error
}

// Store is everything the trust services persist.
type Store interface {
	AccountStore
	SessionStore
	AttemptStore
	FlagStore
	ActionStore
	DeviceStore
	AuditStore
	AdminDirectory
}

// EvidenceStore deletes captured verification evidence blobs.
type EvidenceStore interface {
	DeleteEvidence(ctx context.Context, ref string) error
}

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 200
)

// NormalizeLimit clamps an audit page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		return MaxAuditLimit
	}
	return limit
}
