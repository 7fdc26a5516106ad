package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, ErrorResponse{Error: "bad request", Code: "invalid_input"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"bad request","code":"invalid_input"}`, w.Body.String())
}

func TestWriteError_ValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.NewValidationError("since", "must be an RFC3339 timestamp"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "validation_error", response.Code)
	assert.Contains(t, response.Error, "since")
}

func TestWriteError_DomainErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"saga not found", domainErrors.ErrSagaNotFound, http.StatusNotFound, "not_found"},
		{"wrapped not found", fmt.Errorf("load saga: %w", domainErrors.ErrSagaNotFound), http.StatusNotFound, "not_found"},
		{"terminal", domainErrors.ErrSagaTerminal, http.StatusConflict, "saga_terminal"},
		{
			"not compensatable",
			domainErrors.NewDomainError("not_compensatable", "saga s-1 is IN_PROGRESS", domainErrors.ErrInvalidStateTransition),
			http.StatusConflict,
			"invalid_state_transition",
		},
		{"optimistic lock", domainErrors.ErrOptimisticLockFailed, http.StatusConflict, "conflict"},
		{"profile service down", domainErrors.ErrCollaboratorUnavailable, http.StatusServiceUnavailable, "profile_service_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedCode, response.Code)
		})
	}
}

func TestWriteError_OptimisticLockMessage(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.ErrOptimisticLockFailed)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "saga changed concurrently, please retry", response.Error)
}

func TestWriteError_GenericDomainError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.NewDomainError("custom_error", "custom error message", nil))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "custom_error", response.Code)
	assert.Equal(t, "custom error message", response.Error)
}

func TestWriteError_UnknownErrorIsHidden(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "internal_error", response.Code)
	assert.Equal(t, "internal server error", response.Error)
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "valid", body: `{"operator":"oncall","note":"stuck after outage"}`},
		{name: "invalid json", body: `{oops}`, wantField: "body"},
		{name: "empty body", body: "", wantField: "body"},
		{name: "missing operator", body: `{"note":"x"}`, wantField: "Operator"},
		{name: "operator too long", body: `{"operator":"` + strings.Repeat("a", 65) + `"}`, wantField: "Operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))
			var dst CompensateRequest
			err := decodeAndValidate(req, &dst)
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, "oncall", dst.Operator)
				return
			}
			var ve *domainErrors.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{query: "", want: 100},
		{query: "limit=20", want: 20},
		{query: "limit=5000", want: 500},
		{query: "limit=0", wantErr: true},
		{query: "limit=ten", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
			got, err := queryLimit(req, 100, 500)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
