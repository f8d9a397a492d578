package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-reservation/internal/auth"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/pass"
	"ms-reservation/internal/reservation"
	"ms-reservation/internal/sse"
)

// ReservationHandler serves the reservation and admin routes.
type ReservationHandler struct {
	Reservations *reservation.Service
	Passes       *pass.Generator
	Events       *sse.HoldEventEmitter
	Logger       *logger.Logger
	Clock        func() time.Time
}

func (h *ReservationHandler) now() time.Time {
	if h.Clock != nil {
		return h.Clock().UTC()
	}
	return time.Now().UTC()
}

// RegisterRoutes mounts the handlers on a router that already runs auth.Middleware.
func (h *ReservationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", h.CreateReservation)
		r.Get("/{holdId}", h.GetReservation)
		r.Delete("/{holdId}", h.CancelReservation)
		r.Post("/{holdId}/extend", h.ExtendReservation)
		r.Get("/{holdId}/pass", h.GetPass)
	})
	r.Get("/players/{playerId}/reservations", h.ListActiveReservations)
	r.Get("/sessions/{sessionId}/capacity", h.GetCapacity)
	if h.Events != nil {
		r.Get("/sessions/{sessionId}/events", h.SessionEvents)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Put("/sessions/{sessionId}/capacity", h.AdjustCapacity)
		r.Get("/holds", h.HoldHistory)
		r.Post("/checkin", h.CheckIn)
		if h.Events != nil {
			r.Get("/events", h.TenantEvents)
		}
	})
}

func (h *ReservationHandler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, resp := FailureResponse(message, err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	} else {
		h.Logger.Info("API", fmt.Sprintf("%s %s rejected (%d %s): %v", r.Method, r.URL.Path, status, resp.Reason, err))
	}
	writeJSON(w, status, resp)
}

func actor(r *http.Request) models.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func (h *ReservationHandler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req models.CreateReservationRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request payload", err)
		return
	}

	hold, err := h.Reservations.CreateReservation(r.Context(), reservation.CreateRequest{
		PlayerID:     req.PlayerID,
		SessionID:    req.SessionID,
		AccessCode:   req.AccessCode,
		DiscountCode: req.DiscountCode,
		Actor:        actor(r),
	})
	if err != nil {
		h.fail(w, r, "Reservation failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, SuccessResponse("Reservation created", models.NewHoldResponse(hold, h.now())))
}

func (h *ReservationHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Reservations.GetReservation(r.Context(), chi.URLParam(r, "holdId"), actor(r))
	if err != nil {
		h.fail(w, r, "Reservation not available", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Reservation", models.NewHoldResponse(hold, h.now())))
}

func (h *ReservationHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Reservations.CancelReservation(r.Context(), chi.URLParam(r, "holdId"), actor(r))
	if err != nil {
		h.fail(w, r, "Cancellation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Reservation cancelled", models.NewHoldResponse(hold, h.now())))
}

func (h *ReservationHandler) ExtendReservation(w http.ResponseWriter, r *http.Request) {
	var req models.ExtendReservationRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request payload", err)
		return
	}
	by := time.Duration(req.Minutes) * time.Minute
	hold, err := h.Reservations.ExtendReservation(r.Context(), chi.URLParam(r, "holdId"), by, actor(r))
	if err != nil {
		h.fail(w, r, "Extension failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Reservation extended", models.NewHoldResponse(hold, h.now())))
}

func (h *ReservationHandler) GetPass(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Reservations.GetReservation(r.Context(), chi.URLParam(r, "holdId"), actor(r))
	if err != nil {
		h.fail(w, r, "Reservation not available", err)
		return
	}
	png, err := h.Passes.PNG(hold, h.now())
	if err != nil {
		h.fail(w, r, "Pass not available", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *ReservationHandler) ListActiveReservations(w http.ResponseWriter, r *http.Request) {
	holds, err := h.Reservations.ListActiveReservations(r.Context(), chi.URLParam(r, "playerId"), actor(r))
	if err != nil {
		h.fail(w, r, "Reservations not available", err)
		return
	}
	now := h.now()
	out := make([]models.HoldResponse, 0, len(holds))
	for i := range holds {
		out = append(out, models.NewHoldResponse(&holds[i], now))
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Active reservations", out))
}

func (h *ReservationHandler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Reservations.GetRemainingCapacity(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, r, "Capacity not available", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Capacity", snap))
}

func (h *ReservationHandler) AdjustCapacity(w http.ResponseWriter, r *http.Request) {
	var req models.CapacityAdjustmentRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request payload", err)
		return
	}
	snap, err := h.Reservations.AdjustCapacity(r.Context(), chi.URLParam(r, "sessionId"), req.Capacity, actor(r))
	if err != nil {
		h.fail(w, r, "Capacity change failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Capacity updated", snap))
}

func (h *ReservationHandler) HoldHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHoldFilter(r)
	if err != nil {
		h.fail(w, r, "Invalid filter", err)
		return
	}
	views, err := h.Reservations.HoldHistory(r.Context(), filter, actor(r))
	if err != nil {
		h.fail(w, r, "History not available", err)
		return
	}
	if views == nil {
		views = []models.HoldView{}
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Hold history", views))
}

type checkInRequest struct {
	Token string `json:"token"`
}

// CheckIn validates a scanned pass against the reservation it names.
func (h *ReservationHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.IsAdmin() {
		h.fail(w, r, "Check-in failed", domain.ErrForbidden)
		return
	}
	var req checkInRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request payload", err)
		return
	}
	payload, err := h.Passes.Decode(req.Token)
	if err != nil {
		h.fail(w, r, "Check-in failed", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}
	hold, err := h.Reservations.GetReservation(r.Context(), payload.HoldID, a)
	if err != nil {
		h.fail(w, r, "Check-in failed", err)
		return
	}
	if hold.State != models.HoldConfirmed {
		h.fail(w, r, "Check-in failed", fmt.Errorf("%w: reservation is %s", domain.ErrAlreadyTerminal, hold.State))
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Checked in", payload))
}

func parseHoldFilter(r *http.Request) (models.HoldFilter, error) {
	q := r.URL.Query()
	f := models.HoldFilter{
		SessionID: q.Get("session_id"),
		PlayerID:  q.Get("player_id"),
		ParentID:  q.Get("parent_id"),
		State:     models.HoldState(q.Get("state")),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not an RFC3339 time", domain.ErrInvalidRequest, s)
	}
	return t, nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", domain.ErrInvalidRequest, s)
	}
	return n, nil
}
