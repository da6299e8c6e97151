package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kindred/backend/internal/app"
	"github.com/kindred/backend/internal/config"
	"github.com/kindred/backend/internal/logging"
	"github.com/kindred/backend/internal/middleware"
	"github.com/kindred/backend/internal/services"
)

// Eventarc delivers CloudEvents; for GCS finalized events the body contains object info.
type gcsFinalizeEvent struct {
	Bucket   string            `json:"bucket"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// cloudEventEnvelope handles Eventarc structured content mode where the GCS
// payload is nested inside a "data" field.
type cloudEventEnvelope struct {
	Data gcsFinalizeEvent `json:"data"`
}

type worker struct {
	app *app.App
	log *zap.Logger
	mu  sync.Mutex // one sweep at a time
}

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

	wk := &worker{app: a, log: log.Named("worker")}
	go wk.loop(ctx, cfg.SweepInterval())

	srv := &http.Server{Addr: cfg.ServerAddress, Handler: wk.routes(cfg.ServiceKey), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("trust-worker listening", zap.String("addr", cfg.ServerAddress), zap.Duration("sweep_interval", cfg.SweepInterval()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("worker failed", zap.Error(err))
	}
}

// routes exposes the health check openly; /sweep and /events mutate trust
// state and need the internal service key (Cloud Scheduler and the Eventarc
// push subscription both send X-Service-Key).
func (wk *worker) routes(serviceKey string) http.Handler {
	guard := middleware.ServiceKey(serviceKey)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/sweep", guard(http.HandlerFunc(wk.handleSweep)))
	mux.Handle("/events", guard(http.HandlerFunc(wk.handleFinalize)))
	return mux
}

func (wk *worker) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := wk.sweep(ctx); err != nil {
				wk.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

type sweepResult struct {
	EvidencePurged int `json:"evidence_purged"`
	NewlyOverdue   int `json:"newly_overdue"`
}

// sweep runs both jobs; a failure in one does not skip the other.
func (wk *worker) sweep(ctx context.Context) (sweepResult, error) {
	wk.mu.Lock()
	defer wk.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var res sweepResult
	purged, perr := wk.app.Sweeper.PurgeExpiredEvidence(ctx)
	res.EvidencePurged = purged
	overdue, oerr := wk.app.Reviews.SweepOverdue(ctx)
	res.NewlyOverdue = len(overdue)
	return res, errors.Join(perr, oerr)
}

// handleSweep lets Cloud Scheduler trigger a sweep.
func (wk *worker) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := wk.sweep(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		wk.log.Error("sweep failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(res)
}

// handleFinalize screens newly uploaded profile photos. Objects are expected
// under profiles/{accountId}/ or to carry an accountId metadata entry.
func (wk *worker) handleFinalize(w http.ResponseWriter, r *http.Request) {
	// Only accept POSTs from Eventarc.
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var ev gcsFinalizeEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		wk.log.Warn("failed to decode event body", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if ev.Bucket == "" || ev.Name == "" {
		var envelope cloudEventEnvelope
		if err := json.Unmarshal(rawBody, &envelope); err == nil && envelope.Data.Bucket != "" && envelope.Data.Name != "" {
			ev = envelope.Data
		}
	}
	if ev.Bucket == "" || ev.Name == "" {
		wk.log.Info("skipping event without bucket or name", zap.String("ce_type", r.Header.Get("Ce-Type")))
		w.WriteHeader(http.StatusOK)
		return
	}

	accountID := accountForObject(ev)
	if accountID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	gcsURI := fmt.Sprintf("gs://%s/%s", ev.Bucket, ev.Name)
	res, err := wk.app.Trust.ScreenProfilePhoto(ctx, accountID, gcsURI)
	switch {
	case errors.Is(err, services.ErrAccountNotFound), errors.Is(err, services.ErrScreeningUnavailable):
		wk.log.Warn("photo not screened", zap.String("object", gcsURI), zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		// Returning 500 makes Eventarc retry.
		wk.log.Error("photo screening failed", zap.String("object", gcsURI), zap.Error(err))
		http.Error(w, "screening failed", http.StatusInternalServerError)
		return
	}
	wk.log.Info("photo screened", zap.String("account_id", accountID), zap.Bool("flagged", res.Flagged))
	w.WriteHeader(http.StatusOK)
}

func accountForObject(ev gcsFinalizeEvent) string {
	if id := strings.TrimSpace(ev.Metadata["accountId"]); id != "" {
		return id
	}
	rest, ok := strings.CutPrefix(ev.Name, "profiles/")
	if !ok {
		return ""
	}
	id, _, found := strings.Cut(rest, "/")
	if !found {
		return ""
	}
	return id
}
