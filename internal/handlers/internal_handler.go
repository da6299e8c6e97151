package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/services"
)

// InternalHandler serves calls from other backend services (signup, OTP,
// profile, moderation). Routes sit behind the service key.
type InternalHandler struct {
	trust *services.VerificationService
	log   *zap.Logger
}

func NewInternalHandler(trust *services.VerificationService, log *zap.Logger) *InternalHandler {
	return &InternalHandler{trust: trust, log: log.Named("internal_handler")}
}

func (h *InternalHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	acct, err := h.trust.CreateAccount(ctx, req)
	if err != nil {
		writeServiceError(w, h.log, "create_account", err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewSuccessResponse(acct))
}

func (h *InternalHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	acct, err := h.trust.GetAccount(ctx, chi.URLParam(r, "accountId"))
	if err != nil {
		writeServiceError(w, h.log, "get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(acct))
}

func (h *InternalHandler) ContactVerified(w http.ResponseWriter, r *http.Request) {
	var req models.ContactVerifiedRequest
	if !decode(w, r, &req) {
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	acct, err := h.trust.MarkContactVerified(ctx, chi.URLParam(r, "accountId"), req.Channel)
	if err != nil {
		writeServiceError(w, h.log, "contact_verified", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(acct))
}

func (h *InternalHandler) UpdateProfileSignals(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateProfileSignalsRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	acct, err := h.trust.UpdateProfileSignals(ctx, chi.URLParam(r, "accountId"), req)
	if err != nil {
		writeServiceError(w, h.log, "profile_signals", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(acct))
}

func (h *InternalHandler) ReportSuspiciousProfile(w http.ResponseWriter, r *http.Request) {
	var req models.SuspiciousProfileRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	acct, err := h.trust.ReportSuspiciousProfile(ctx, chi.URLParam(r, "accountId"), req.Detail)
	if err != nil {
		writeServiceError(w, h.log, "suspicious_profile", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(acct))
}

func (h *InternalHandler) ScreenPhoto(w http.ResponseWriter, r *http.Request) {
	var req models.ScreenPhotoRequest
	if !decode(w, r, &req) {
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), 3*requestTimeout)
	defer cancel()

	res, err := h.trust.ScreenProfilePhoto(ctx, chi.URLParam(r, "accountId"), req.PhotoURI)
	if err != nil {
		writeServiceError(w, h.log, "screen_photo", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(res))
}
