package controller

import (
	"context"
	"net/http"
	"time"

	appSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/application/saga"
	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const (
	defaultFailedWindow = 24 * time.Hour
	defaultListLimit    = 100
	maxListLimit        = 500
)

// Compensator starts compensation on operator request.
type Compensator interface {
	Compensate(ctx context.Context, sagaID string, reason appSaga.Reason) error
}

// SagaController serves the read-only saga views and manual compensation.
type SagaController struct {
	sagas       domainSaga.Repository
	compensator Compensator
	clock       clock.Clock
}

func NewSagaController(sagas domainSaga.Repository, compensator Compensator, clk clock.Clock) *SagaController {
	return &SagaController{sagas: sagas, compensator: compensator, clock: clk}
}

func (c *SagaController) Get(w http.ResponseWriter, r *http.Request) {
	s, err := c.sagas.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(s))
}

func (c *SagaController) Transitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := c.sagas.GetByID(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	history, err := c.sagas.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponses(history))
}

// ListByUser handles GET /sagas?userId=.
func (c *SagaController) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, domainErrors.NewValidationError("userId", "query parameter is required"))
		return
	}
	sagas, err := c.sagas.ListByUserID(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponses(sagas))
}

func (c *SagaController) GetByCorrelation(w http.ResponseWriter, r *http.Request) {
	s, err := c.sagas.GetByCorrelationID(r.Context(), chi.URLParam(r, "correlationId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(s))
}

func (c *SagaController) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := c.sagas.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]StatisticResponse, len(stats))
	for i, st := range stats {
		out[i] = StatisticResponse{Type: string(st.Type), Status: string(st.Status), Count: st.Count}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListFailed handles GET /sagas/failed?since=RFC3339&limit=. The window
// defaults to the last 24 hours.
func (c *SagaController) ListFailed(w http.ResponseWriter, r *http.Request) {
	since := c.clock.Now().Add(-defaultFailedWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, domainErrors.NewValidationError("since", "must be an RFC3339 timestamp"))
			return
		}
		since = parsed
	}
	limit, err := queryLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	sagas, err := c.sagas.ListRecentFailed(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponses(sagas))
}

// Compensate handles POST /sagas/{id}/compensate. Only STEP_FAILED sagas
// can be compensated by hand.
func (c *SagaController) Compensate(w http.ResponseWriter, r *http.Request) {
	var req CompensateRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	log.Info().Str("saga_id", id).Str("operator", req.Operator).Str("note", req.Note).Msg("manual compensation requested")

	if err := c.compensator.Compensate(r.Context(), id, appSaga.ReasonManual); err != nil {
		writeError(w, err)
		return
	}
	s, err := c.sagas.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(s))
}
