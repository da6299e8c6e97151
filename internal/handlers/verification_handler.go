package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kindred/backend/internal/middleware"
	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/services"
)

// VerificationHandler serves the account-facing verification endpoints.
type VerificationHandler struct {
	trust *services.VerificationService
	log   *zap.Logger
}

func NewVerificationHandler(trust *services.VerificationService, log *zap.Logger) *VerificationHandler {
	return &VerificationHandler{trust: trust, log: log.Named("verification_handler")}
}

func (h *VerificationHandler) SubmitLiveness(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	var req models.SubmitLivenessRequest
	if !decode(w, r, &req) {
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := h.trust.SubmitLiveness(ctx, services.LivenessSubmission{
		AccountID: userID,
		DeviceID:  req.DeviceID,
		Summary: models.LivenessSummary{
			CheckType:        req.CheckType,
			ConsistencyScore: *req.ConsistencyScore,
			PoseMetrics:      req.PoseMetrics,
			EyeMetrics:       req.EyeMetrics,
		},
		EvidenceRef: req.EvidenceRef,
	})
	if err != nil {
		writeServiceError(w, h.log, "submit_liveness", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(res))
}

// RegisterFingerprint always acknowledges; correlation is best effort.
func (h *VerificationHandler) RegisterFingerprint(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	var req models.RegisterFingerprintRequest
	if !decode(w, r, &req) {
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.trust.RegisterFingerprint(ctx, userID, req); err != nil {
		h.log.Warn("fingerprint correlation failed", zap.String("account_id", userID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, models.NewSuccessResponse(nil))
}

func (h *VerificationHandler) RecordBehavior(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	var req models.BehaviorEventRequest
	if !decode(w, r, &req) {
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if _, err := h.trust.RecordAction(ctx, userID, req); err != nil {
		writeServiceError(w, h.log, "record_behavior", err)
		return
	}
	writeJSON(w, http.StatusAccepted, models.NewSuccessResponse(nil))
}

func (h *VerificationHandler) GetVisibility(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if accountID == "" {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Missing accountId"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	v, err := h.trust.GetVisibility(ctx, accountID)
	if err != nil {
		writeServiceError(w, h.log, "get_visibility", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(v))
}
