package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/snare/internal/engage"
	"github.com/dativo-io/snare/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// handleEvent is the intake boundary. Malformed events are rejected here and
// never reach the orchestrator.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev engage.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if ev.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}
	if ev.Message.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message.text is required")
		return
	}
	if ev.Message.Timestamp.IsZero() {
		ev.Message.Timestamp = time.Now().UTC()
	}

	res, err := s.orch.HandleEvent(r.Context(), ev)
	switch {
	case errors.Is(err, engage.ErrSessionBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "session_busy", "an event for this session is already being processed")
		return
	case errors.Is(err, store.ErrVersionConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "version_conflict", "concurrent update lost the race; retry")
		return
	case err != nil:
		log.Error().Err(err).Str("session_id", ev.SessionID).Msg("event_processing_failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.LoadSession(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	entries, err := s.store.ListOutboxEntries(r.Context(), store.OutboxFilter{SessionID: id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	ledger := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		ledger = append(ledger, map[string]any{
			"reportId": e.ReportID,
			"status":   e.Status,
			"attempts": e.Attempts,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"state":     sess.State,
		"detection": map[string]any{
			"scamDetected":    sess.ScamDetected,
			"scamType":        sess.ScamType,
			"confidenceLevel": sess.Confidence,
		},
		"counters": map[string]any{
			"turnsEngaged":       sess.TurnsEngaged,
			"noProgressCount":    sess.NoProgressCount,
			"repeatCount":        sess.RepeatCount,
			"artifactCount":      len(sess.Artifacts),
			"validCategoryCount": sess.CategoryCount(),
			"redFlagCount":       sess.RedFlagCount(),
			"postscriptCount":    len(sess.Postscript),
		},
		"turnsEngaged":   sess.TurnsEngaged,
		"durationSec":    int(sess.EngagementDuration(time.Now().UTC()).Seconds()),
		"finalizeReason": sess.FinalizeReason,
		"reportId":       sess.ReportID,
		"outbox":         ledger,
	})
}

// handleSessionTimeline renders the ordered event history: accepted messages,
// a lifecycle_finalized marker with the reason code, then postscript entries
// flagged ignored:true.
func (s *Server) handleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.LoadSession(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	events := make([]map[string]any, 0, len(sess.Messages)+len(sess.Postscript)+1)
	for _, m := range sess.Messages {
		events = append(events, map[string]any{
			"type":      "message",
			"sender":    m.Sender,
			"text":      m.Text,
			"timestamp": m.Timestamp,
		})
	}
	if sess.FinalizedAt != nil {
		events = append(events, map[string]any{
			"type":      "lifecycle_finalized",
			"reason":    sess.FinalizeReason,
			"reportId":  sess.ReportID,
			"timestamp": *sess.FinalizedAt,
		})
	}
	for _, m := range sess.Postscript {
		events = append(events, map[string]any{
			"type":      "message",
			"sender":    m.Sender,
			"text":      m.Text,
			"timestamp": m.Timestamp,
			"ignored":   true,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"state":     sess.State,
		"events":    events,
	})
}

func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	f := store.OutboxFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Status:    store.OutboxStatus(r.URL.Query().Get("status")),
		Limit:     100,
	}
	entries, err := s.store.ListOutboxEntries(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"reportId":      e.ReportID,
			"sessionId":     e.SessionID,
			"status":        e.Status,
			"attempts":      e.Attempts,
			"nextAttemptAt": e.NextAttemptAt,
			"history":       e.History,
			"createdAt":     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"callbacks": out})
}

func (s *Server) handleSLO(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Snapshot(time.Now().UTC()))
}

type forceFinalizeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleForceFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req forceFinalizeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // body is optional
	}

	res, err := s.orch.ForceFinalize(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	case errors.Is(err, engage.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session_busy", "an event for this session is already being processed")
		return
	case err != nil:
		writeError(w, http.StatusConflict, "not_finalizable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.orch.ForceClose(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	case err != nil:
		writeError(w, http.StatusConflict, "not_closable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
