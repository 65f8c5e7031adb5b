// Package handlers exposes the engine's thin HTTP surface: event
// intake, transition commands, and the read-model queries consumed by
// reporting and dashboard collaborators.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/services"
)

// APIHandler handles the engine's HTTP endpoints
type APIHandler struct {
	ingestor     *services.Ingestor
	stateMachine *services.StateMachine
	sla          *services.SLAService
	grouping     *services.GroupingService
	oncall       *services.OnCallService
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(ingestor *services.Ingestor, stateMachine *services.StateMachine, sla *services.SLAService, grouping *services.GroupingService, oncall *services.OnCallService) *APIHandler {
	return &APIHandler{
		ingestor:     ingestor,
		stateMachine: stateMachine,
		sla:          sla,
		grouping:     grouping,
		oncall:       oncall,
	}
}

// SetupRoutes configures all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", h.handleIngestEvent)
	mux.HandleFunc("POST /api/alerts/{uuid}/transition", h.handleTransition)
	mux.HandleFunc("GET /api/alerts/{uuid}", h.handleGetAlert)
	mux.HandleFunc("GET /api/alerts/{uuid}/history", h.handleGetHistory)
	mux.HandleFunc("GET /api/reports/compliance", h.handleCompliance)
	mux.HandleFunc("GET /api/reports/active-breaches", h.handleActiveBreaches)
	mux.HandleFunc("GET /api/reports/noise-reduction", h.handleNoiseReduction)
	mux.HandleFunc("GET /api/oncall/{schedule}/current", h.handleCurrentHolder)
	mux.HandleFunc("GET /api/oncall/{schedule}/upcoming", h.handleUpcoming)
}

// handleIngestEvent accepts a normalized alert-create event
func (h *APIHandler) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var event services.AlertEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.ingestor.Ingest(event)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.IsNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

type transitionRequest struct {
	TargetState database.AlertState `json:"target_state"`
	Actor       string              `json:"actor"`
	Notes       string              `json:"notes"`
}

// handleTransition applies a lifecycle transition to an alert
func (h *APIHandler) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	record, err := h.stateMachine.Transition(r.PathValue("uuid"), req.TargetState, req.Actor, req.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleGetAlert returns an alert with its current state and SLA record
func (h *APIHandler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.stateMachine.GetAlert(r.PathValue("uuid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	state, err := h.stateMachine.CurrentState(alert.UUID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	sla, err := h.sla.GetRecord(alert.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert":         alert,
		"current_state": state,
		"sla":           sla,
	})
}

// handleGetHistory returns the alert's full state audit trail
func (h *APIHandler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.stateMachine.History(r.PathValue("uuid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleCompliance returns the aggregated SLA compliance report
func (h *APIHandler) handleCompliance(w http.ResponseWriter, r *http.Request) {
	var severity *database.Severity
	if raw := r.URL.Query().Get("severity"); raw != "" {
		s := database.Severity(raw)
		severity = &s
	}
	from, ok := parseTimeParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, r, "to")
	if !ok {
		return
	}

	report, err := h.sla.Compliance(severity, from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleActiveBreaches returns alerts currently past an unstamped target
func (h *APIHandler) handleActiveBreaches(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.sla.ActiveBreaches(time.Now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if alerts == nil {
		alerts = []database.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleNoiseReduction reports the deduplication rate over a time range
func (h *APIHandler) handleNoiseReduction(w http.ResponseWriter, r *http.Request) {
	from, ok := parseTimeParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, r, "to")
	if !ok {
		return
	}
	now := time.Now()
	if from == nil {
		start := now.Add(-24 * time.Hour)
		from = &start
	}
	if to == nil {
		to = &now
	}

	rate, err := h.grouping.NoiseReductionRate(*from, *to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":                 from,
		"to":                   to,
		"noise_reduction_rate": rate,
	})
}

// handleCurrentHolder returns who holds a schedule now (or at ?at=)
func (h *APIHandler) handleCurrentHolder(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'at' timestamp, want RFC3339")
			return
		}
		at = parsed
	}

	holder, err := h.oncall.CurrentHolder(r.PathValue("schedule"), at)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedule": r.PathValue("schedule"),
		"at":       at,
		"holder":   holder,
	})
}

// handleUpcoming returns the shift sequence over a horizon (default 14 days)
func (h *APIHandler) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	horizon := 14 * 24 * time.Hour
	if raw := r.URL.Query().Get("horizon"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'horizon' duration")
			return
		}
		horizon = parsed
	}

	shifts, err := h.oncall.Upcoming(r.PathValue("schedule"), time.Now(), horizon)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shifts)
}

// parseTimeParam reads an optional RFC3339 query parameter
func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid '"+name+"' timestamp, want RFC3339")
		return nil, false
	}
	return &parsed, true
}

// writeServiceError maps the error taxonomy onto HTTP statuses
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
