package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-reservation/internal/domain"
	"ms-reservation/internal/models"
)

// seatUpdate is what parents watching a session receive: the transition kind and the new
// occupancy, without other families' details.
type seatUpdate struct {
	Type       models.HoldEventType     `json:"type"`
	SessionID  string                   `json:"session_id"`
	Capacity   *models.CapacitySnapshot `json:"capacity"`
	OccurredAt time.Time                `json:"occurred_at"`
}

// SessionEvents streams seat availability changes for one session.
func (h *ReservationHandler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	snap, err := h.Reservations.GetRemainingCapacity(r.Context(), sessionID)
	if err != nil {
		h.fail(w, r, "Session not available", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, r, "Streaming unsupported", fmt.Errorf("response writer cannot flush"))
		return
	}

	ctx := r.Context()
	events := h.Events.SubscribeToSession(ctx, sessionID)
	setupSSEHeaders(w)
	writeEvent(w, "capacity", seatUpdate{SessionID: sessionID, Capacity: snap, OccurredAt: h.now()})
	flusher.Flush()
	h.Logger.Info("SSE", fmt.Sprintf("Client connected to seat events for session: %s", sessionID))

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			snap, err := h.Reservations.GetRemainingCapacity(ctx, sessionID)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to load capacity for %s: %v", sessionID, err))
				continue
			}
			writeEvent(w, "capacity", seatUpdate{Type: ev.Type, SessionID: sessionID, Capacity: snap, OccurredAt: ev.OccurredAt})
			flusher.Flush()
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from session: %s", sessionID))
			return
		}
	}
}

// TenantEvents streams every hold transition in the admin's tenant.
func (h *ReservationHandler) TenantEvents(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.IsAdmin() || a.TenantID == "" {
		h.fail(w, r, "Event stream not available", domain.ErrForbidden)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, r, "Streaming unsupported", fmt.Errorf("response writer cannot flush"))
		return
	}

	ctx := r.Context()
	events := h.Events.SubscribeToTenant(ctx, a.TenantID)
	setupSSEHeaders(w)
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"tenant_id\":%q}\n\n", a.TenantID)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, "hold", ev)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeEvent(w http.ResponseWriter, name string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
