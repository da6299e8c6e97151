package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAccountForObject(t *testing.T) {
	tests := []struct {
		name string
		ev   gcsFinalizeEvent
		want string
	}{
		{"metadata wins", gcsFinalizeEvent{Name: "profiles/a/1.jpg", Metadata: map[string]string{"accountId": "b"}}, "b"},
		{"profile prefix", gcsFinalizeEvent{Name: "profiles/a/1.jpg"}, "a"},
		{"no account segment", gcsFinalizeEvent{Name: "profiles/a.jpg"}, ""},
		{"other prefix", gcsFinalizeEvent{Name: "evidence/a/1.jpg"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, accountForObject(tt.ev))
		})
	}
}

func TestRoutes_ServiceKey(t *testing.T) {
	wk := &worker{log: zap.NewNop()}
	h := wk.routes("worker-key")

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"health is open", http.MethodGet, "/", "", http.StatusOK},
		{"sweep without key", http.MethodPost, "/sweep", "", http.StatusUnauthorized},
		{"sweep with wrong key", http.MethodPost, "/sweep", "nope", http.StatusUnauthorized},
		{"events without key", http.MethodPost, "/events", "", http.StatusUnauthorized},
		{"sweep with key reaches handler", http.MethodGet, "/sweep", "worker-key", http.StatusMethodNotAllowed},
		{"events with key reaches handler", http.MethodPost, "/events", "worker-key", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("not json"))
			if tt.key != "" {
				req.Header.Set("X-Service-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// An unset key never authorises.
	req := httptest.NewRequest(http.MethodPost, "/sweep", nil)
	req.Header.Set("X-Service-Key", "anything")
	rec := httptest.NewRecorder()
	wk.routes("").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
