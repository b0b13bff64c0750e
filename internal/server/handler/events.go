package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// EventLister is the read side of the event store needed by the API.
type EventLister interface {
	ListRecentEvents(ctx context.Context, minSeverity domain.Severity, limit int) ([]domain.SecurityEvent, error)
	CountEventsSince(ctx context.Context, since time.Time) (map[domain.Severity]int, error)
}

// ReplaySource reads the durable event backlog kept by the event bus.
type ReplaySource interface {
	ReplayEvents(ctx context.Context, lastID string, count int) ([]domain.SecurityEvent, error)
}

// EventHandler serves persisted security events to operators.
type EventHandler struct {
	store  EventLister
	logger *slog.Logger

	// Replay, when set, backs the catch-up endpoint with the event bus's
	// durable stream.
	Replay ReplaySource
}

// NewEventHandler creates an EventHandler backed by the given store.
func NewEventHandler(store EventLister, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		store:  store,
		logger: logger.With(slog.String("handler", "events")),
	}
}

// ListEvents returns recent security events, newest first. Query params:
// severity (floor, default "low") and limit (default 50, max 500).
// GET /api/events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	minSeverity := domain.SeverityLow
	if v := r.URL.Query().Get("severity"); v != "" {
		sev := domain.Severity(v)
		switch sev {
		case domain.SeverityInfo, domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
			minSeverity = sev
		default:
			writeError(w, http.StatusBadRequest, "unknown severity: "+v)
			return
		}
	}

	events, err := h.store.ListRecentEvents(r.Context(), minSeverity, parseLimit(r, 50))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// EventSummary returns per-severity event counts over a trailing window.
// Query param: hours (default 24, max 720).
// GET /api/events/summary
func (h *EventHandler) EventSummary(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 720 {
			hours = n
		}
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	counts, err := h.store.CountEventsSince(r.Context(), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "event summary failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to summarize events")
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":       since.Format(time.RFC3339),
		"total":       total,
		"by_severity": counts,
	})
}

// ReplayEvents serves the durable event-bus backlog so dashboards can catch
// up after a dropped WebSocket. Query params: after (stream ID cursor,
// default "0" for everything retained) and limit (default 50, max 500).
// GET /api/events/replay
func (h *EventHandler) ReplayEvents(w http.ResponseWriter, r *http.Request) {
	if h.Replay == nil {
		writeError(w, http.StatusServiceUnavailable, "event replay not available")
		return
	}

	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}

	events, err := h.Replay.ReplayEvents(r.Context(), after, parseLimit(r, 50))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "event replay failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to replay events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"after":  after,
		"events": events,
		"count":  len(events),
	})
}
