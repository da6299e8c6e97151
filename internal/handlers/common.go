package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/services"
)

const requestTimeout = 10 * time.Second

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Invalid request body"))
		return false
	}
	return true
}

// writeServiceError maps service errors onto status codes. Messages stay
// generic so no internal state reaches the client.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, op string, err error) {
	var rl *services.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, models.NewCodedErrorResponse("retry_later", "Too many attempts, try again later"))
	case errors.Is(err, services.ErrConflictingPendingSession):
		writeJSON(w, http.StatusConflict, models.NewCodedErrorResponse("retry_later", "A verification is already in progress"))
	case errors.Is(err, services.ErrStaleStateConflict):
		writeJSON(w, http.StatusConflict, models.NewCodedErrorResponse("stale_state", "Account changed, reload and try again"))
	case errors.Is(err, services.ErrInvalidTransition):
		writeJSON(w, http.StatusUnprocessableEntity, models.NewCodedErrorResponse("action_unavailable", "Action unavailable"))
	case errors.Is(err, services.ErrCapabilityDenied):
		writeJSON(w, http.StatusForbidden, models.NewCodedErrorResponse("action_unavailable", "Action unavailable"))
	case errors.Is(err, services.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Account not found"))
	case errors.Is(err, services.ErrAccountExists):
		writeJSON(w, http.StatusConflict, models.NewErrorResponse("Account already exists"))
	case errors.Is(err, services.ErrSelfReport):
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Accounts cannot report themselves"))
	case errors.Is(err, services.ErrScreeningUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, models.NewErrorResponse("Photo screening unavailable"))
	default:
		log.Error("request failed", zap.String("op", op), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Internal error"))
	}
}
