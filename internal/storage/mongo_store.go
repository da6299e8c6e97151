package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/kindred/backend/internal/models"
)

// MongoStore persists the trust subsystem in MongoDB. Commit needs a replica
// set (or Atlas) because it runs in a multi-document transaction.
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	log      *zap.Logger
	accounts *mongo.Collection
	sessions *mongo.Collection
	attempts *mongo.Collection
	breaches *mongo.Collection
	flags    *mongo.Collection
	actions  *mongo.Collection
	devices  *mongo.Collection
	audit    *mongo.Collection
	security *mongo.Collection
	admins   *mongo.Collection
}

func NewMongoStore(ctx context.Context, mongoURI, dbName string, log *zap.Logger) (*MongoStore, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI).SetTLSConfig(tlsCfg))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	db := client.Database(dbName)
	s := &MongoStore{
		client:   client,
		db:       db,
		log:      log,
		accounts: db.Collection("accounts"),
		sessions: db.Collection("verification_sessions"),
		attempts: db.Collection("verification_attempts"),
		breaches: db.Collection("rate_limit_breaches"),
		flags:    db.Collection("behavior_flags"),
		actions:  db.Collection("action_events"),
		devices:  db.Collection("device_fingerprints"),
		audit:    db.Collection("admin_audit_log"),
		security: db.Collection("security_events"),
		admins:   db.Collection("admins"),
	}
	s.ensureIndexes(ctx)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) {
	// Enforces at most one pending session per account.
	s.createIndex(ctx, s.sessions, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetName("one_pending_per_account").
			SetPartialFilterExpression(bson.M{"status": models.SessionPending}),
	})
	s.createIndex(ctx, s.sessions, mongo.IndexModel{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "kind", Value: 1}, {Key: "created_at", Value: -1}}})
	s.createIndex(ctx, s.sessions, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: 1}}})
	s.createIndex(ctx, s.attempts, mongo.IndexModel{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "at", Value: -1}}})
	s.createIndex(ctx, s.attempts, mongo.IndexModel{Keys: bson.D{{Key: "device_key", Value: 1}, {Key: "at", Value: -1}}})
	s.createIndex(ctx, s.breaches, mongo.IndexModel{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "at", Value: -1}}})
	s.createIndex(ctx, s.flags, mongo.IndexModel{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "raised_at", Value: 1}}})
	s.createIndex(ctx, s.actions, mongo.IndexModel{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "kind", Value: 1}, {Key: "at", Value: -1}}})
	s.createIndex(ctx, s.devices, mongo.IndexModel{Keys: bson.D{{Key: "bindings.account_id", Value: 1}}})
	s.createIndex(ctx, s.accounts, mongo.IndexModel{Keys: bson.D{{Key: "state", Value: 1}, {Key: "sla_deadline", Value: 1}}})
	s.createIndex(ctx, s.audit, mongo.IndexModel{Keys: bson.D{{Key: "actor_id", Value: 1}, {Key: "at", Value: -1}}})
	s.createIndex(ctx, s.audit, mongo.IndexModel{Keys: bson.D{{Key: "target_account_id", Value: 1}, {Key: "at", Value: -1}}})
}

func (s *MongoStore) createIndex(ctx context.Context, col *mongo.Collection, m mongo.IndexModel) {
	if _, err := col.Indexes().CreateOne(ctx, m); err != nil {
		s.log.Warn("index creation failed", zap.String("collection", col.Name()), zap.Error(err))
	}
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// MigrateLegacyStates rewrites every account still on an old state schema.
// It is run once at startup; reads also migrate in case a writer lags behind.
func (s *MongoStore) MigrateLegacyStates(ctx context.Context) (int, error) {
	cur, err := s.accounts.Find(ctx, bson.M{"state_schema_version": bson.M{"$lt": models.CurrentStateSchemaVersion}})
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	migrated := 0
	for cur.Next(ctx) {
		var a models.Account
		if err := cur.Decode(&a); err != nil {
			return migrated, err
		}
		raw := string(a.State)
		if err := migrateAccount(&a); err != nil {
			s.log.Error("legacy state migration failed", zap.String("account_id", a.ID), zap.Error(err))
			continue
		}
		_, err := s.accounts.UpdateOne(ctx,
			bson.M{"_id": a.ID, "state": raw, "state_schema_version": bson.M{"$lt": models.CurrentStateSchemaVersion}},
			bson.M{"$set": bson.M{"state": a.State, "state_schema_version": a.StateSchemaVersion}},
		)
		if err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, cur.Err()
}

func migrateAccount(a *models.Account) error {
	state, err := models.MigrateState(string(a.State), a.StateSchemaVersion)
	if err != nil {
		return err
	}
	a.State = state
	a.StateSchemaVersion = models.CurrentStateSchemaVersion
	if a.EnforcementLevel == "" {
		a.EnforcementLevel = models.EnforcementNone
	}
	return nil
}

func (s *MongoStore) CreateAccount(ctx context.Context, a *models.Account) error {
	a.Version = 1
	a.StateSchemaVersion = models.CurrentStateSchemaVersion
	if _, err := s.accounts.InsertOne(ctx, a); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *MongoStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := s.accounts.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := migrateAccount(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *MongoStore) ListAccountsByState(ctx context.Context, state models.VerificationState) ([]*models.Account, error) {
	cur, err := s.accounts.Find(ctx, bson.M{"state": state}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]*models.Account, 0)
	for cur.Next(ctx) {
		var a models.Account
		if err := cur.Decode(&a); err != nil {
			return nil, err
		}
		if err := migrateAccount(&a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, cur.Err()
}

func (s *MongoStore) Commit(ctx context.Context, c *Commit) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	next := c.Account.Clone()
	next.Version = c.ExpectedVersion + 1
	next.StateSchemaVersion = models.CurrentStateSchemaVersion

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		res, err := s.accounts.ReplaceOne(sc, bson.M{"_id": next.ID, "version": c.ExpectedVersion}, next)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			n, err := s.accounts.CountDocuments(sc, bson.M{"_id": next.ID})
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, ErrNotFound
			}
			return nil, ErrVersionConflict
		}
		// Resolved sessions go first so the partial unique index never sees
		// two pending sessions for the account mid-transaction.
		ordered := make([]*models.VerificationSession, 0, len(c.Sessions))
		for _, vs := range c.Sessions {
			if vs.Status != models.SessionPending {
				ordered = append(ordered, vs)
			}
		}
		for _, vs := range c.Sessions {
			if vs.Status == models.SessionPending {
				ordered = append(ordered, vs)
			}
		}
		for _, vs := range ordered {
			_, err := s.sessions.ReplaceOne(sc, bson.M{"_id": vs.ID}, vs, options.Replace().SetUpsert(true))
			if err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, ErrPendingSessionExists
				}
				return nil, err
			}
		}
		if len(c.Flags) > 0 {
			docs := make([]interface{}, 0, len(c.Flags))
			for _, f := range c.Flags {
				docs = append(docs, f)
			}
			if _, err := s.flags.InsertMany(sc, docs); err != nil {
				return nil, err
			}
		}
		if len(c.Attempts) > 0 {
			docs := make([]interface{}, 0, len(c.Attempts))
			for _, a := range c.Attempts {
				docs = append(docs, a)
			}
			if _, err := s.attempts.InsertMany(sc, docs); err != nil {
				return nil, err
			}
		}
		if c.Audit != nil {
			if _, err := s.audit.InsertOne(sc, c.Audit); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	c.Account.Version = next.Version
	return nil
}

func (s *MongoStore) InsertPendingSession(ctx context.Context, vs *models.VerificationSession) error {
	if _, err := s.sessions.InsertOne(ctx, vs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrPendingSessionExists
		}
		return err
	}
	return nil
}

func (s *MongoStore) DiscardPendingSession(ctx context.Context, sessionID string) error {
	res, err := s.sessions.DeleteOne(ctx, bson.M{"_id": sessionID, "status": models.SessionPending})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) findSession(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*models.VerificationSession, error) {
	var vs models.VerificationSession
	if err := s.sessions.FindOne(ctx, filter, opts...).Decode(&vs); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &vs, nil
}

func (s *MongoStore) PendingSession(ctx context.Context, accountID string) (*models.VerificationSession, error) {
	return s.findSession(ctx, bson.M{"account_id": accountID, "status": models.SessionPending})
}

func (s *MongoStore) LatestSession(ctx context.Context, accountID string, kind models.SessionKind) (*models.VerificationSession, error) {
	return s.findSession(ctx,
		bson.M{"account_id": accountID, "kind": kind},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
}

func (s *MongoStore) ListSessionsWithEvidence(ctx context.Context, createdBefore time.Time) ([]*models.VerificationSession, error) {
	cur, err := s.sessions.Find(ctx,
		bson.M{"evidence_ref": bson.M{"$exists": true, "$ne": ""}, "created_at": bson.M{"$lt": createdBefore}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]*models.VerificationSession, 0)
	for cur.Next(ctx) {
		var vs models.VerificationSession
		if err := cur.Decode(&vs); err != nil {
			return nil, err
		}
		out = append(out, &vs)
	}
	return out, cur.Err()
}

func (s *MongoStore) MarkEvidencePurged(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{
		"$unset": bson.M{"evidence_ref": ""},
		"$set":   bson.M{"evidence_purged_at": at},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CountAttempts(ctx context.Context, f AttemptFilter) (int, error) {
	filter := bson.M{"at": bson.M{"$gte": f.Since}}
	switch {
	case f.AccountID != "":
		filter["account_id"] = f.AccountID
	case f.DeviceKey != "":
		filter["device_key"] = f.DeviceKey
	default:
		return 0, errors.New("mongo: attempt filter needs an account or device")
	}
	n, err := s.attempts.CountDocuments(ctx, filter)
	return int(n), err
}

func (s *MongoStore) AppendBreach(ctx context.Context, b models.RateLimitBreach) error {
	_, err := s.breaches.InsertOne(ctx, b)
	return err
}

func (s *MongoStore) BreachWindows(ctx context.Context, accountID, deviceKey string, since time.Time) ([]time.Time, error) {
	or := []bson.M{{"account_id": accountID}}
	if deviceKey != "" {
		or = append(or, bson.M{"device_key": deviceKey})
	}
	values, err := s.breaches.Distinct(ctx, "window_start", bson.M{"at": bson.M{"$gte": since}, "$or": or})
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		if dt, ok := v.(primitive.DateTime); ok {
			out = append(out, dt.Time().UTC())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MongoStore) ListFlags(ctx context.Context, accountID string) ([]models.BehaviorFlag, error) {
	cur, err := s.flags.Find(ctx, bson.M{"account_id": accountID}, options.Find().SetSort(bson.D{{Key: "raised_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]models.BehaviorFlag, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) AppendAction(ctx context.Context, e models.ActionEvent) error {
	_, err := s.actions.InsertOne(ctx, e)
	return err
}

func (s *MongoStore) CountActions(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error) {
	n, err := s.actions.CountDocuments(ctx, bson.M{"account_id": accountID, "kind": kind, "at": bson.M{"$gte": since}})
	return int(n), err
}

func (s *MongoStore) DistinctActors(ctx context.Context, accountID string, kind models.ActionKind, since time.Time) (int, error) {
	values, err := s.actions.Distinct(ctx, "actor_id", bson.M{
		"account_id": accountID,
		"kind":       kind,
		"at":         bson.M{"$gte": since},
		"actor_id":   bson.M{"$exists": true, "$ne": ""},
	})
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

func (s *MongoStore) BindDevice(ctx context.Context, sighting DeviceSighting) (*models.DeviceFingerprint, error) {
	set := bson.M{"last_seen": sighting.At}
	if sighting.Platform != "" {
		set["platform"] = sighting.Platform
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"first_seen": sighting.At},
	}
	if sighting.InstallID != "" {
		update["$addToSet"] = bson.M{"install_ids": sighting.InstallID}
	}
	if _, err := s.devices.UpdateOne(ctx, bson.M{"_id": sighting.DeviceKey}, update, options.Update().SetUpsert(true)); err != nil {
		return nil, err
	}

	// Refresh an existing binding, or push a new one.
	res, err := s.devices.UpdateOne(ctx,
		bson.M{"_id": sighting.DeviceKey, "bindings.account_id": sighting.AccountID},
		bson.M{"$set": bson.M{"bindings.$.last_seen": sighting.At}},
	)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		_, err = s.devices.UpdateOne(ctx,
			bson.M{"_id": sighting.DeviceKey, "bindings.account_id": bson.M{"$ne": sighting.AccountID}},
			bson.M{"$push": bson.M{"bindings": models.DeviceBinding{
				AccountID: sighting.AccountID,
				BoundAt:   sighting.At,
				LastSeen:  sighting.At,
			}}},
		)
		if err != nil {
			return nil, err
		}
	}

	var d models.DeviceFingerprint
	if err := s.devices.FindOne(ctx, bson.M{"_id": sighting.DeviceKey}).Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *MongoStore) DevicesForAccount(ctx context.Context, accountID string) ([]*models.DeviceFingerprint, error) {
	cur, err := s.devices.Find(ctx, bson.M{"bindings.account_id": accountID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]*models.DeviceFingerprint, 0)
	for cur.Next(ctx) {
		var d models.DeviceFingerprint
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, cur.Err()
}

func auditFilter(q models.AuditQuery) bson.M {
	filter := bson.M{}
	if q.ActorID != "" {
		filter["actor_id"] = q.ActorID
	}
	if q.TargetAccountID != "" {
		filter["target_account_id"] = q.TargetAccountID
	}
	if q.Action != "" {
		filter["action"] = q.Action
	}
	at := bson.M{}
	if !q.From.IsZero() {
		at["$gte"] = q.From
	}
	if !q.To.IsZero() {
		at["$lt"] = q.To
	}
	if len(at) > 0 {
		filter["at"] = at
	}
	return filter
}

func (s *MongoStore) ListAuditLog(ctx context.Context, q models.AuditQuery) (*models.AuditPage, error) {
	filter := auditFilter(q)
	limit := NormalizeLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	total, err := s.audit.CountDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}
	cur, err := s.audit.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	page := &models.AuditPage{Entries: []models.AdminAuditLogEntry{}, Total: total}
	if err := cur.All(ctx, &page.Entries); err != nil {
		return nil, err
	}
	if end := offset + len(page.Entries); int64(end) < total {
		page.NextOffset = &end
	}
	return page, nil
}

func (s *MongoStore) AppendSecurityEvent(ctx context.Context, e models.SecurityEvent) error {
	_, err := s.security.InsertOne(ctx, e)
	return err
}

func (s *MongoStore) IsAdmin(ctx context.Context, principalID string) (bool, error) {
	n, err := s.admins.CountDocuments(ctx, bson.M{"_id": principalID})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoStore) GrantAdmin(ctx context.Context, principalID string) error {
	_, err := s.admins.UpdateOne(ctx,
		bson.M{"_id": principalID},
		bson.M{"$setOnInsert": bson.M{"granted_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	return err
}
