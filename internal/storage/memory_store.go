package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kindred/backend/internal/models"
)

// MemoryStore is a Store held in process memory. It backs tests and local
// development; with a JSONStore attached it survives restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*models.Account
	sessions  map[string]*models.VerificationSession
	attempts  []models.VerificationAttempt
	breaches  []models.RateLimitBreach
	flags     []models.BehaviorFlag
	actions   []models.ActionEvent
	devices   map[string]*models.DeviceFingerprint
	audit     []models.AdminAuditLogEntry
	security  []models.SecurityEvent
	admins    map[string]time.Time
	snapshots *JSONStore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*models.Account),
		sessions: make(map[string]*models.VerificationSession),
		devices:  make(map[string]*models.DeviceFingerprint),
		admins:   make(map[string]time.Time),
	}
}

// NewFileBackedMemoryStore restores a MemoryStore from dataDir and writes a
// snapshot there after every mutation.
func NewFileBackedMemoryStore(dataDir string) (*MemoryStore, error) {
	js, err := NewJSONStore(dataDir, "trust.json")
	if err != nil {
		return nil, err
	}
	s := NewMemoryStore()
	var snap memorySnapshot
	if err := js.Load(&snap); err != nil {
		return nil, err
	}
	s.restore(&snap)
	s.snapshots = js
	return s, nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return ErrAlreadyExists
	}
	a.Version = 1
	s.accounts[a.ID] = a.Clone()
	return s.persistLocked()
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.accounts[id]
	if !exists {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAccountsByState(ctx context.Context, state models.VerificationState) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Account, 0)
	for _, a := range s.accounts {
		if a.State == state {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Commit(ctx context.Context, c *Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.accounts[c.Account.ID]
	if !exists {
		return ErrNotFound
	}
	if current.Version != c.ExpectedVersion {
		return ErrVersionConflict
	}
	resolved := make(map[string]bool, len(c.Sessions))
	for _, sess := range c.Sessions {
		if sess.Status != models.SessionPending {
			resolved[sess.ID] = true
		}
	}
	pendingInCommit := 0
	for _, sess := range c.Sessions {
		if sess.Status != models.SessionPending {
			continue
		}
		pendingInCommit++
		if p := s.pendingLocked(sess.AccountID); p != nil && p.ID != sess.ID && !resolved[p.ID] {
			return ErrPendingSessionExists
		}
	}
	if pendingInCommit > 1 {
		return ErrPendingSessionExists
	}

	prevSessions := make(map[string]*models.VerificationSession, len(c.Sessions))
	for _, sess := range c.Sessions {
		prevSessions[sess.ID] = s.sessions[sess.ID]
	}
	nFlags, nAttempts, nAudit := len(s.flags), len(s.attempts), len(s.audit)

	next := c.Account.Clone()
	next.Version = current.Version + 1
	s.accounts[next.ID] = next
	for _, sess := range c.Sessions {
		s.sessions[sess.ID] = sess.Clone()
	}
	s.flags = append(s.flags, c.Flags...)
	s.attempts = append(s.attempts, c.Attempts...)
	if c.Audit != nil {
		s.audit = append(s.audit, *c.Audit)
	}

	if err := s.persistLocked(); err != nil {
		// Undo so a failed snapshot leaves nothing applied.
		s.accounts[current.ID] = current
		for id, prev := range prevSessions {
			if prev == nil {
				delete(s.sessions, id)
			} else {
				s.sessions[id] = prev
			}
		}
		s.flags = s.flags[:nFlags]
		s.attempts = s.attempts[:nAttempts]
		s.audit = s.audit[:nAudit]
		return err
	}
	c.Account.Version = next.Version
	return nil
}

func (s *MemoryStore) pendingLocked(accountID string) *models.VerificationSession {
	for _, sess := range s.sessions {
		if sess.AccountID == accountID && sess.Status == models.SessionPending {
			return sess
		}
	}
	return nil
}

func (s *MemoryStore) InsertPendingSession(ctx context.Context, sess *models.VerificationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingLocked(sess.AccountID) != nil {
		return ErrPendingSessionExists
	}
	s.sessions[sess.ID] = sess.Clone()
	return s.persistLocked()
}

func (s *MemoryStore) DiscardPendingSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.Status != models.SessionPending {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	return s.persistLocked()
}

func (s *MemoryStore) PendingSession(ctx context.Context, accountID string) (*models.VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p := s.pendingLocked(accountID); p != nil {
		return p.Clone(), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LatestSession(ctx context.Context, accountID string, kind models.SessionKind) (*models.VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.VerificationSession
	for _, sess := range s.sessions {
		if sess.AccountID != accountID || sess.Kind != kind {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) ListSessionsWithEvidence(ctx context.Context, createdBefore time.Time) ([]*models.VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.VerificationSession, 0)
	for _, sess := range s.sessions {
		if sess.EvidenceRef != "" && sess.CreatedAt.Before(createdBefore) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkEvidencePurged(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists {
		return ErrNotFound
	}
	sess.EvidenceRef = ""
	purged := at
	sess.EvidencePurged = &purged
	return s.persistLocked()
}

func (s *MemoryStore) CountAttempts(ctx context.Context, f AttemptFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.attempts {
		if a.At.Before(f.Since) {
			continue
		}
		if f.AccountID != "" && a.AccountID == f.AccountID {
			n++
		} else if f.DeviceKey != "" && a.DeviceKey == f.DeviceKey {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendBreach(ctx context.Context, b models.RateLimitBreach) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breaches = append(s.breaches, b)
	return s.persistLocked()
}

func (s *MemoryStore) BreachWindows(ctx context.Context, accountID, deviceKey string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[time.Time]struct{})
	out := make([]time.Time, 0)
	for _, b := range s.breaches {
		if b.At.Before(since) {
			continue
		}
		if b.AccountID != accountID && (deviceKey == "" || b.DeviceKey != deviceKey) {
			continue
		}
		if _, ok := seen[b.WindowStart]; ok {
			continue
		}
		seen[b.WindowStart] = struct{}{}
		out = append(out, b.WindowStart)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryStore) ListFlags(ctx context.Context, accountID string) ([]models.BehaviorFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.BehaviorFlag, 0)
	for _, f := range s.flags {
		if f.AccountID == accountID {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out, nil
}

func (s *MemoryStore) AppendAction(ctx context.Context, e models.ActionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions = append(s.actions, e)
	return s.persistLocked()
}

func (s *MemoryStore) CountActions(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.actions {
		if e.AccountID == accountID && e.Kind == kind && !e.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DistinctActors(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actors := make(map[string]struct{})
	for _, e := range s.actions {
		if e.AccountID == accountID && e.Kind == kind && !e.At.Before(since) && e.ActorID != "" {
			actors[e.ActorID] = struct{}{}
		}
	}
	return len(actors), nil
}

func (s *MemoryStore) BindDevice(ctx context.Context, sighting DeviceSighting) (*models.DeviceFingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.devices[sighting.DeviceKey]
	if !exists {
		d = &models.DeviceFingerprint{
			DeviceKey: sighting.DeviceKey,
			Platform:  sighting.Platform,
			FirstSeen: sighting.At,
		}
		s.devices[sighting.DeviceKey] = d
	}
	applySighting(d, sighting)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// applySighting folds one sighting into a fingerprint.
func applySighting(d *models.DeviceFingerprint, sighting DeviceSighting) {
	d.LastSeen = sighting.At
	if sighting.Platform != "" {
		d.Platform = sighting.Platform
	}
	if sighting.InstallID != "" {
		known := false
		for _, id := range d.InstallIDs {
			if id == sighting.InstallID {
				known = true
				break
			}
		}
		if !known {
			d.InstallIDs = append(d.InstallIDs, sighting.InstallID)
		}
	}
	for i := range d.Bindings {
		if d.Bindings[i].AccountID == sighting.AccountID {
			d.Bindings[i].LastSeen = sighting.At
			return
		}
	}
	d.Bindings = append(d.Bindings, models.DeviceBinding{
		AccountID: sighting.AccountID,
		BoundAt:   sighting.At,
		LastSeen:  sighting.At,
	})
}

func (s *MemoryStore) DevicesForAccount(ctx context.Context, accountID string) ([]*models.DeviceFingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DeviceFingerprint, 0)
	for _, d := range s.devices {
		if _, ok := d.Binding(accountID); ok {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceKey < out[j].DeviceKey })
	return out, nil
}

func (s *MemoryStore) ListAuditLog(ctx context.Context, q models.AuditQuery) (*models.AuditPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.AdminAuditLogEntry, 0)
	for i := len(s.audit) - 1; i >= 0; i-- {
		if q.Matches(&s.audit[i]) {
			matched = append(matched, s.audit[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].At.After(matched[j].At) })
	return pageOf(matched, q), nil
}

func pageOf(matched []models.AdminAuditLogEntry, q models.AuditQuery) *models.AuditPage {
	limit := NormalizeLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	page := &models.AuditPage{Entries: []models.AdminAuditLogEntry{}, Total: int64(len(matched))}
	if offset >= len(matched) {
		return page
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Entries = append(page.Entries, matched[offset:end]...)
	if end < len(matched) {
		next := end
		page.NextOffset = &next
	}
	return page
}

func (s *MemoryStore) AppendSecurityEvent(ctx context.Context, e models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.security = append(s.security, e)
	return s.persistLocked()
}

// SecurityEvents returns a copy of every recorded security event.
func (s *MemoryStore) SecurityEvents() []models.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SecurityEvent(nil), s.security...)
}

func (s *MemoryStore) IsAdmin(ctx context.Context, principalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.admins[principalID]
	return ok, nil
}

func (s *MemoryStore) GrantAdmin(ctx context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[principalID] = time.Now().UTC()
	return s.persistLocked()
}

type memorySnapshot struct {
	Accounts []*models.Account             `json:"accounts"`
	Sessions []*models.VerificationSession `json:"sessions"`
	Attempts []models.VerificationAttempt  `json:"attempts"`
	Breaches []models.RateLimitBreach      `json:"breaches"`
	Flags    []models.BehaviorFlag         `json:"flags"`
	Actions  []models.ActionEvent          `json:"actions"`
	Devices  []*models.DeviceFingerprint   `json:"devices"`
	Audit    []models.AdminAuditLogEntry   `json:"audit"`
	Security []models.SecurityEvent        `json:"security"`
	Admins   map[string]time.Time          `json:"admins"`
	// EvidenceRefs is kept apart because sessions never serialise it.
	EvidenceRefs map[string]string `json:"evidence_refs"`
}

func (s *MemoryStore) persistLocked() error {
	if s.snapshots == nil {
		return nil
	}
	snap := memorySnapshot{
		Attempts:     s.attempts,
		Breaches:     s.breaches,
		Flags:        s.flags,
		Actions:      s.actions,
		Audit:        s.audit,
		Security:     s.security,
		Admins:       s.admins,
		EvidenceRefs: make(map[string]string),
	}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, a)
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, sess)
		if sess.EvidenceRef != "" {
			snap.EvidenceRefs[sess.ID] = sess.EvidenceRef
		}
	}
	for _, d := range s.devices {
		snap.Devices = append(snap.Devices, d)
	}
	return s.snapshots.Save(&snap)
}

func (s *MemoryStore) restore(snap *memorySnapshot) {
	for _, a := range snap.Accounts {
		s.accounts[a.ID] = a
	}
	for _, sess := range snap.Sessions {
		sess.EvidenceRef = snap.EvidenceRefs[sess.ID]
		s.sessions[sess.ID] = sess
	}
	for _, d := range snap.Devices {
		s.devices[d.DeviceKey] = d
	}
	for id, at := range snap.Admins {
		s.admins[id] = at
	}
	s.attempts = snap.Attempts
	s.breaches = snap.Breaches
	s.flags = snap.Flags
	s.actions = snap.Actions
	s.audit = snap.Audit
	s.security = snap.Security
}
