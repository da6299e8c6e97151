package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appMiddleware "github.com/kindred/backend/internal/middleware"
	"github.com/kindred/backend/internal/models"
	"github.com/kindred/backend/internal/services"
	"github.com/kindred/backend/internal/storage"
)

const (
	testSecret     = "router-secret"
	testServiceKey = "svc-key"
)

type apiEnv struct {
	store  *storage.MemoryStore
	router http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	limiter := services.NewAttemptLimiter(store, store, time.Hour, 3, 24*time.Hour)
	trust := services.NewVerificationService(store, limiter, services.NewDeviceHasher("k"), services.DefaultSettings(), zap.NewNop())
	reviews := services.NewReviewService(trust, nil, zap.NewNop())
	return &apiEnv{
		store: store,
		router: NewRouter(RouterConfig{
			Trust:      trust,
			Reviews:    reviews,
			Verifiers:  []appMiddleware.TokenVerifier{appMiddleware.HMACVerifier{Secret: []byte(testSecret)}},
			ServiceKey: testServiceKey,
			Logger:     zap.NewNop(),
		}),
	}
}

func bearer(t *testing.T, principal string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": principal,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + s
}

func (e *apiEnv) call(t *testing.T, method, path string, auth map[string]string, body interface{}) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range auth {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp models.APIResponse
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (e *apiEnv) user(t *testing.T, id string) map[string]string {
	return map[string]string{"Authorization": bearer(t, id)}
}

var service = map[string]string{"X-Service-Key": testServiceKey}

func (e *apiEnv) createAccount(t *testing.T, id string) {
	t.Helper()
	rec, _ := e.call(t, http.MethodPost, "/api/internal/accounts", service, models.CreateAccountRequest{AccountID: id})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func score(v float64) *float64 { return &v }

func TestRouter_Health(t *testing.T) {
	env := newAPIEnv(t)
	rec, _ := env.call(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_InternalRequiresServiceKey(t *testing.T) {
	env := newAPIEnv(t)
	rec, _ := env.call(t, http.MethodPost, "/api/internal/accounts", nil, models.CreateAccountRequest{AccountID: "a"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A user token is not a service key.
	rec, _ = env.call(t, http.MethodPost, "/api/internal/accounts", env.user(t, "a"), models.CreateAccountRequest{AccountID: "a"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env.createAccount(t, "a")
	rec, _ = env.call(t, http.MethodPost, "/api/internal/accounts", service, models.CreateAccountRequest{AccountID: "a"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, resp := env.call(t, http.MethodGet, "/api/internal/accounts/a", service, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, _ = env.call(t, http.MethodGet, "/api/internal/accounts/ghost", service, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_LivenessFlow(t *testing.T) {
	env := newAPIEnv(t)
	env.createAccount(t, "a")

	rec, resp := env.call(t, http.MethodPost, "/api/verification/liveness", env.user(t, "a"), models.SubmitLivenessRequest{DeviceID: "d1", CheckType: "blink"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Errors, "consistency_score")

	rec, resp = env.call(t, http.MethodPost, "/api/verification/liveness", env.user(t, "a"), models.SubmitLivenessRequest{DeviceID: "d1", CheckType: "blink", ConsistencyScore: score(0.9)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	// A second pass from SOFT_VERIFIED is not in the table.
	rec, resp = env.call(t, http.MethodPost, "/api/verification/liveness", env.user(t, "a"), models.SubmitLivenessRequest{DeviceID: "d1", CheckType: "blink", ConsistencyScore: score(0.9)})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "action_unavailable", resp.Code)
	assert.NotContains(t, resp.Error, "SOFT_VERIFIED")

	rec, resp = env.call(t, http.MethodGet, "/api/accounts/a/visibility", env.user(t, "b"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, 1.0, data["weight"])
	assert.Equal(t, true, data["can_interact"])
}

func TestRouter_LivenessRateLimited(t *testing.T) {
	env := newAPIEnv(t)
	env.createAccount(t, "a")
	req := models.SubmitLivenessRequest{DeviceID: "d1", CheckType: "blink", ConsistencyScore: score(0.1)}
	for i := 0; i < 3; i++ {
		rec, _ := env.call(t, http.MethodPost, "/api/verification/liveness", env.user(t, "a"), req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, resp := env.call(t, http.MethodPost, "/api/verification/liveness", env.user(t, "a"), req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "retry_later", resp.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestRouter_PendingSessionConflict(t *testing.T) {
	env := newAPIEnv(t)
	env.createAccount(t, "a")
	require.NoError(t, env.store.InsertPendingSession(context.Background(), &models.VerificationSession{
		ID: "p", AccountID: "a", Kind: models.SessionLiveness, Status: models.SessionPending, CreatedAt: time.Now(),
	}))
	rec, resp := env.call(t, http.MethodPost, "/api/verification/liveness", env.user(t, "a"), models.SubmitLivenessRequest{DeviceID: "d1", CheckType: "blink", ConsistencyScore: score(0.9)})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "retry_later", resp.Code)
}

func TestRouter_FingerprintAlwaysAccepted(t *testing.T) {
	env := newAPIEnv(t)
	rec, _ := env.call(t, http.MethodPost, "/api/devices/fingerprint", env.user(t, "nobody"), models.RegisterFingerprintRequest{DeviceID: "d", Platform: "ios"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = env.call(t, http.MethodPost, "/api/devices/fingerprint", env.user(t, "nobody"), models.RegisterFingerprintRequest{DeviceID: "d", Platform: "symbian"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_BehaviorEvents(t *testing.T) {
	env := newAPIEnv(t)
	env.createAccount(t, "a")

	rec, _ := env.call(t, http.MethodPost, "/api/behavior/events", env.user(t, "a"), models.BehaviorEventRequest{Kind: models.ActionSwipe, Count: 5})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = env.call(t, http.MethodPost, "/api/behavior/events", env.user(t, "a"), models.BehaviorEventRequest{Kind: models.ActionReport, TargetAccountID: "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.call(t, http.MethodPost, "/api/behavior/events", env.user(t, "a"), models.BehaviorEventRequest{Kind: models.ActionReport, TargetAccountID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_AdminCapability(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.store.GrantAdmin(context.Background(), "admin"))
	env.createAccount(t, "a")

	rec, resp := env.call(t, http.MethodGet, "/api/admin/reviews", env.user(t, "a"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "action_unavailable", resp.Code)
	assert.Len(t, env.store.SecurityEvents(), 1)

	rec, _ = env.call(t, http.MethodGet, "/api/admin/reviews", env.user(t, "admin"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.call(t, http.MethodPost, "/api/admin/reviews/a", env.user(t, "admin"), models.ReviewAccountRequest{Decision: models.DecisionApprove, Reason: "ok"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "account is not in review")
	assert.Equal(t, "action_unavailable", resp.Code)

	rec, _ = env.call(t, http.MethodPost, "/api/admin/reviews/a", env.user(t, "admin"), models.ReviewAccountRequest{Decision: "maybe", Reason: "ok"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.call(t, http.MethodGet, "/api/admin/audit?limit=abc", env.user(t, "admin"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = env.call(t, http.MethodGet, "/api/admin/audit?from=2026-01-01T00:00:00Z&limit=10", env.user(t, "admin"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}

func TestParseAuditQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?actor_id=x&action=review_reject&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&offset=5&limit=20", nil)
	q, errs := parseAuditQuery(req)
	require.Empty(t, errs)
	assert.Equal(t, "x", q.ActorID)
	assert.Equal(t, models.AuditReviewReject, q.Action)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), q.From)
	assert.Equal(t, 5, q.Offset)
	assert.Equal(t, 20, q.Limit)

	req = httptest.NewRequest(http.MethodGet, "/?action=nuke&from=yesterday&offset=-1", nil)
	_, errs = parseAuditQuery(req)
	assert.Contains(t, errs, "action")
	assert.Contains(t, errs, "from")
	assert.Contains(t, errs, "offset")
}
