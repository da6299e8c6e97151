package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kindred/backend/internal/app"
	"github.com/kindred/backend/internal/config"
	"github.com/kindred/backend/internal/handlers"
	"github.com/kindred/backend/internal/logging"
	appMiddleware "github.com/kindred/backend/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialise services", zap.Error(err))
	}
	defer a.Close(context.Background())

	// Firebase Auth (server-side verification of ID tokens)
	var verifiers []appMiddleware.TokenVerifier
	if cfg.JWTSecret != "" {
		verifiers = append(verifiers, appMiddleware.HMACVerifier{Secret: []byte(cfg.JWTSecret)})
	}
	authClient, err := appMiddleware.NewFirebaseAuthClient(ctx, appMiddleware.FirebaseAuthConfig{
		ProjectID:       cfg.FirebaseProjectID,
		CredentialsJSON: cfg.FirebaseCredentialsJSON,
	})
	if err != nil {
		log.Warn("failed to initialize Firebase Auth client", zap.Error(err))
	} else if authClient != nil {
		verifiers = append(verifiers, appMiddleware.FirebaseVerifier{Client: authClient})
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Trust:       a.Trust,
		Reviews:     a.Reviews,
		Verifiers:   verifiers,
		ServiceKey:  cfg.ServiceKey,
		RateLimiter: appMiddleware.NewRateLimiter(cfg.RequestsPerMinute),
		Logger:      log,
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("trust API server starting", zap.String("addr", cfg.ServerAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}
