// Package app builds the service graph shared by the API server and the
// trust worker from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kindred/backend/internal/config"
	"github.com/kindred/backend/internal/services"
	"github.com/kindred/backend/internal/storage"
)

type App struct {
	Config  *config.Config
	Store   storage.Store
	Trust   *services.VerificationService
	Reviews *services.ReviewService
	Sweeper *services.RetentionSweeper

	closers []func(context.Context) error
}

// New connects every configured backend. Mongo is used when MONGO_URI is set,
// otherwise an in-memory store, file backed when DATA_DIR is set.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg}

	store, err := a.openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = store
	for _, id := range cfg.AdminList() {
		if err := store.GrantAdmin(ctx, id); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("grant admin %s: %w", id, err)
		}
	}

	limiter := services.NewAttemptLimiter(store, store, cfg.Trust.AttemptWindow, cfg.Trust.AttemptCeiling, cfg.Trust.BreachLookback)
	if cfg.RedisAddr != "" {
		rdb, err := storage.NewRedisClient(ctx, storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		window := storage.NewRedisAttemptWindow(rdb, cfg.Trust.AttemptWindow)
		limiter = services.NewAttemptLimiter(window, store, cfg.Trust.AttemptWindow, cfg.Trust.AttemptCeiling, cfg.Trust.BreachLookback).
			WithMirror(window)
		log.Info("attempt windows in redis", zap.String("addr", cfg.RedisAddr))
	}

	a.Trust = services.NewVerificationService(store, limiter, services.NewDeviceHasher(cfg.DeviceHashKey), services.SettingsFrom(cfg.Trust), log)

	if cfg.EvidenceBucket != "" {
		screener, err := services.NewVisionScreener(ctx, cfg.GCPCredentialsJSON)
		if err != nil {
			log.Warn("photo screening disabled", zap.Error(err))
		} else {
			a.Trust.WithPhotoScreener(screener)
		}
	}

	var notifier services.OverdueNotifier
	if cfg.SendGridAPIKey != "" && cfg.ReviewTeamEmail != "" {
		notifier = services.NewSendGridMailer(cfg.SendGridAPIKey, cfg.SendGridFrom, cfg.ReviewTeamEmail)
	}
	a.Reviews = services.NewReviewService(a.Trust, notifier, log)

	var evidence storage.EvidenceStore = storage.NewMemoryEvidenceStore()
	if cfg.EvidenceBucket != "" {
		gcs, err := storage.NewGCSEvidenceStore(ctx, cfg.EvidenceBucket, cfg.GCPCredentialsJSON)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return gcs.Close() })
		evidence = gcs
	} else {
		log.Warn("no EVIDENCE_BUCKET configured, evidence deletions are only recorded in memory")
	}
	a.Sweeper = services.NewRetentionSweeper(a.Trust, evidence, log)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch {
	case cfg.MongoURI != "":
		ms, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB, log)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		a.closers = append(a.closers, ms.Close)
		n, err := ms.MigrateLegacyStates(ctx)
		if err != nil {
			ms.Close(ctx)
			return nil, fmt.Errorf("migrate legacy states: %w", err)
		}
		if n > 0 {
			log.Info("migrated legacy verification states", zap.Int("accounts", n))
		}
		return ms, nil
	case cfg.DataDir != "":
		log.Info("using file-backed memory store", zap.String("data_dir", cfg.DataDir))
		return storage.NewFileBackedMemoryStore(cfg.DataDir)
	default:
		log.Warn("no MONGO_URI or DATA_DIR configured, state is not persisted")
		return storage.NewMemoryStore(), nil
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
