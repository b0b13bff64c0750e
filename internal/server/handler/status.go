package handler

import (
	"net/http"

	"github.com/sentryfi/hlsentinel/internal/resilience"
	"github.com/sentryfi/hlsentinel/internal/stream"
)

// StatusHandler aggregates runtime health from the stream ingestor, the
// circuit breakers, and the detectors into one operator-facing snapshot.
// Every field is optional: a nil provider simply omits its section, so the
// handler works in stream-only and poll-only deployments alike.
type StatusHandler struct {
	Mode             string
	StreamStats      func() stream.Stats
	PollBreakers     func() map[string]resilience.Snapshot
	ActiveDeviations func() []string
	VaultHistoryLen  func() int
}

// NewStatusHandler creates a StatusHandler for the given run mode.
func NewStatusHandler(mode string) *StatusHandler {
	return &StatusHandler{Mode: mode}
}

// GetStatus responds with the current component health snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"mode": h.Mode,
	}

	if h.StreamStats != nil {
		st := h.StreamStats()
		out["stream"] = map[string]any{
			"connected":            st.Connected,
			"running":              st.Running,
			"active_subscriptions": st.ActiveSubscriptions,
			"messages_received":    st.MessagesReceived,
			"messages_processed":   st.MessagesProcessed,
			"messages_failed":      st.MessagesFailed,
			"reconnections":        st.Reconnections,
			"breaker_state":        string(st.Breaker.State),
			"buffer_utilization":   st.Buffer.Utilization,
			"buffer_dropped":       st.Buffer.DroppedCount,
			"last_message_at":      st.LastMessageAt,
		}
	}

	if h.PollBreakers != nil {
		breakers := make(map[string]any)
		for name, snap := range h.PollBreakers() {
			breakers[name] = map[string]any{
				"state":         string(snap.State),
				"failure_count": snap.FailureCount,
				"rejected":      snap.Rejected,
				"transitions":   snap.Transitions,
			}
		}
		out["breakers"] = breakers
	}

	if h.ActiveDeviations != nil {
		out["active_deviations"] = h.ActiveDeviations()
	}

	if h.VaultHistoryLen != nil {
		out["vault_history_len"] = h.VaultHistoryLen()
	}

	writeJSON(w, http.StatusOK, out)
}
