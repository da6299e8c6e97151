package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kindred/backend/internal/middleware"
	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/services"
)

// AdminHandler serves the review queue, decisions and the audit log. The
// admin capability is checked by the service on every call.
type AdminHandler struct {
	reviews *services.ReviewService
	log     *zap.Logger
}

func NewAdminHandler(reviews *services.ReviewService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{reviews: reviews, log: log.Named("admin_handler")}
}

func (h *AdminHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.reviews.RequireAdmin(ctx, userID); err != nil {
		writeServiceError(w, h.log, "review_queue", err)
		return
	}
	items, err := h.reviews.Queue(ctx)
	if err != nil {
		writeServiceError(w, h.log, "review_queue", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(items))
}

func (h *AdminHandler) ReviewAccount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	accountID := chi.URLParam(r, "accountId")
	if accountID == "" {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Missing accountId"))
		return
	}

	var req models.ReviewAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	acct, err := h.reviews.ReviewAccount(ctx, userID, accountID, req)
	if err != nil {
		writeServiceError(w, h.log, "review_account", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(acct))
}

func (h *AdminHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	q, errs := parseAuditQuery(r)
	if len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errs))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.reviews.RequireAdmin(ctx, userID); err != nil {
		writeServiceError(w, h.log, "query_audit", err)
		return
	}
	page, err := h.reviews.QueryAuditLog(ctx, q)
	if err != nil {
		writeServiceError(w, h.log, "query_audit", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(page))
}

func parseAuditQuery(r *http.Request) (models.AuditQuery, map[string]string) {
	v := r.URL.Query()
	errs := make(map[string]string)
	q := models.AuditQuery{
		ActorID:         v.Get("actor_id"),
		TargetAccountID: v.Get("target_account_id"),
		Action:          models.AuditAction(v.Get("action")),
	}
	if q.Action != "" && !q.Action.Valid() {
		errs["action"] = "Unknown action"
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		if s := v.Get(p.name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				errs[p.name] = "Must be an RFC3339 timestamp"
				continue
			}
			*p.dst = t
		}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"offset", &q.Offset}, {"limit", &q.Limit}} {
		if s := v.Get(p.name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				errs[p.name] = "Must be a non-negative integer"
				continue
			}
			*p.dst = n
		}
	}
	return q, errs
}
