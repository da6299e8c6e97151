package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	appMiddleware "github.com/kindred/backend/internal/middleware"
	"github.com/kindred/backend/internal/services"
)

type RouterConfig struct {
	Trust       *services.VerificationService
	Reviews     *services.ReviewService
	Verifiers   []appMiddleware.TokenVerifier
	ServiceKey  string
	RateLimiter *appMiddleware.RateLimiter
	Logger      *zap.Logger
}

// NewRouter wires every API route.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	verification := NewVerificationHandler(cfg.Trust, log)
	admin := NewAdminHandler(cfg.Reviews, log)
	internal := NewInternalHandler(cfg.Trust, log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(appMiddleware.RequestLogger(log.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Service-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.JWTAuth(cfg.Verifiers...))
			if cfg.RateLimiter != nil {
				r.Use(cfg.RateLimiter.Handler)
			}

			r.Post("/verification/liveness", verification.SubmitLiveness)
			r.Post("/devices/fingerprint", verification.RegisterFingerprint)
			r.Post("/behavior/events", verification.RecordBehavior)
			r.Get("/accounts/{accountId}/visibility", verification.GetVisibility)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/reviews", admin.ListQueue)
				r.Post("/reviews/{accountId}", admin.ReviewAccount)
				r.Get("/audit", admin.QueryAudit)
			})
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(appMiddleware.ServiceKey(cfg.ServiceKey))

			r.Post("/accounts", internal.CreateAccount)
			r.Route("/accounts/{accountId}", func(r chi.Router) {
				r.Get("/", internal.GetAccount)
				r.Post("/contact-verified", internal.ContactVerified)
				r.Put("/profile-signals", internal.UpdateProfileSignals)
				r.Post("/suspicious-profile", internal.ReportSuspiciousProfile)
				r.Post("/photo-screen", internal.ScreenPhoto)
			})
		})
	})
	return r
}
