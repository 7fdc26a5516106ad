package controller

import (
	"net/http"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/idempotency"
	"github.com/go-chi/chi/v5"
)

type EventController struct {
	ledger idempotency.Ledger
}

func NewEventController(ledger idempotency.Ledger) *EventController {
	return &EventController{ledger: ledger}
}

// Get returns the ledger row for an inbound event id.
func (c *EventController) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := c.ledger.Get(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "event not found", Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, toEventRecordResponse(rec))
}
