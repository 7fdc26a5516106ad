package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthController_Liveness(t *testing.T) {
	h := NewHealthControllerWithChecks(Check{Name: "database", Ping: func(context.Context) error {
		return errors.New("down")
	}})

	w := httptest.NewRecorder()
	h.Liveness(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, w.Code, "liveness ignores dependencies")
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())
}

func TestHealthController_Readiness(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checks     []Check
		wantStatus int
		wantReason string
	}{
		{name: "all up", checks: []Check{{"database", ok}, {"redis", ok}}, wantStatus: http.StatusOK},
		{name: "database down", checks: []Check{{"database", down}, {"redis", ok}}, wantStatus: http.StatusServiceUnavailable, wantReason: "database unavailable"},
		{name: "redis down", checks: []Check{{"database", ok}, {"redis", down}}, wantStatus: http.StatusServiceUnavailable, wantReason: "redis unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthControllerWithChecks(tt.checks...)
			w := httptest.NewRecorder()
			h.Readiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			require.Equal(t, tt.wantStatus, w.Code)
			resp := decode[map[string]string](t, w)
			if tt.wantReason == "" {
				assert.Equal(t, "ready", resp["status"])
				return
			}
			assert.Equal(t, "not ready", resp["status"])
			assert.Equal(t, tt.wantReason, resp["reason"])
		})
	}
}
