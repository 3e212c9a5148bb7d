package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/booking"
	"github.com/robertarktes/expert-bookings/internal/commission"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
)

type Reserver interface {
	ReserveSlot(ctx context.Context, req booking.ReserveRequest) (domain.Reservation, error)
	Release(ctx context.Context, id uuid.UUID) error
}

type Confirmer interface {
	ConfirmBooking(ctx context.Context, req booking.ConfirmRequest) (booking.Result, error)
}

type BookingReader interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
}

type Commissions interface {
	RecordCommission(ctx context.Context, bookingID uuid.UUID, grossAmount int64, currency, paymentReference string) *domain.CommissionRecord
	CurrentCommissionRate(ctx context.Context, expertID string) (commission.Rate, error)
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Handlers struct {
	reservations Reserver
	confirmer    Confirmer
	bookings     BookingReader
	commissions  Commissions
	checks       map[string]Check
	logger       observability.Logger
}

func NewHandlers(reservations Reserver, confirmer Confirmer, bookings BookingReader, commissions Commissions, checks map[string]Check, logger observability.Logger) *Handlers {
	return &Handlers{
		reservations: reservations,
		confirmer:    confirmer,
		bookings:     bookings,
		commissions:  commissions,
		checks:       checks,
		logger:       logger,
	}
}

type reservationResponse struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	ExpertID      string    `json:"expert_id"`
	StartTime     time.Time `json:"start_time"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type bookingResponse struct {
	ID                      uuid.UUID            `json:"id"`
	ExpertID                string               `json:"expert_id"`
	EventTypeID             uuid.UUID            `json:"event_type_id"`
	GuestIdentifier         string               `json:"guest_identifier"`
	GuestName               string               `json:"guest_name,omitempty"`
	StartTime               time.Time            `json:"start_time"`
	EndTime                 time.Time            `json:"end_time"`
	Timezone                string               `json:"timezone,omitempty"`
	PaymentReference        string               `json:"payment_reference,omitempty"`
	PaymentSessionReference string               `json:"payment_session_reference,omitempty"`
	PaymentStatus           domain.PaymentStatus `json:"payment_status"`
	GrossAmount             int64                `json:"gross_amount"`
	Currency                string               `json:"currency"`
	MeetingURL              string               `json:"meeting_url,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
}

func newBookingResponse(b domain.Booking) bookingResponse {
	return bookingResponse{
		ID:                      b.ID,
		ExpertID:                b.ExpertID,
		EventTypeID:             b.EventTypeID,
		GuestIdentifier:         b.GuestIdentifier,
		GuestName:               b.GuestName,
		StartTime:               b.StartTime,
		EndTime:                 b.EndTime,
		Timezone:                b.Timezone,
		PaymentReference:        b.PaymentReference,
		PaymentSessionReference: b.PaymentSessionReference,
		PaymentStatus:           b.PaymentStatus,
		GrossAmount:             b.GrossAmount,
		Currency:                b.Currency,
		MeetingURL:              b.MeetingURL,
		CreatedAt:               b.CreatedAt,
	}
}

type commissionResponse struct {
	ID                uuid.UUID               `json:"id"`
	BookingID         uuid.UUID               `json:"booking_id"`
	ExpertID          string                  `json:"expert_id"`
	GrossAmount       int64                   `json:"gross_amount"`
	CommissionRateBps int64                   `json:"commission_rate_bps"`
	CommissionAmount  int64                   `json:"commission_amount"`
	NetAmount         int64                   `json:"net_amount"`
	Currency          string                  `json:"currency"`
	Status            domain.CommissionStatus `json:"status"`
	TierAtTransaction domain.Tier             `json:"tier_at_transaction"`
	PlanAtTransaction domain.PlanType         `json:"plan_at_transaction"`
	PaymentReference  string                  `json:"payment_reference"`
	CreatedAt         time.Time               `json:"created_at"`
}

func newCommissionResponse(c domain.CommissionRecord) commissionResponse {
	return commissionResponse{
		ID:                c.ID,
		BookingID:         c.BookingID,
		ExpertID:          c.ExpertID,
		GrossAmount:       c.GrossAmount,
		CommissionRateBps: c.CommissionRateBps,
		CommissionAmount:  c.CommissionAmount,
		NetAmount:         c.NetAmount,
		Currency:          c.Currency,
		Status:            c.Status,
		TierAtTransaction: c.TierAtTransaction,
		PlanAtTransaction: c.PlanAtTransaction,
		PaymentReference:  c.PaymentReference,
		CreatedAt:         c.CreatedAt,
	}
}

func (h *Handlers) ReserveSlot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		booking.ReserveRequest
		TTLSeconds int `json:"ttl_seconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.TTLSeconds > 0 {
		req.TTL = time.Duration(req.TTLSeconds) * time.Second
	}

	res, err := h.reservations.ReserveSlot(r.Context(), req.ReserveRequest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse{
		ReservationID: res.ID,
		ExpertID:      res.ExpertID,
		StartTime:     res.StartTime,
		ExpiresAt:     res.ExpiresAt,
	})
}

func (h *Handlers) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := h.reservations.Release(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.confirmer.ConfirmBooking(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == booking.OutcomeDuplicateSuppressed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"outcome": res.Outcome,
		"booking": newBookingResponse(res.Booking),
	})
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	b, err := h.bookings.GetBooking(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookingResponse(*b))
}

func (h *Handlers) RecordCommission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookingID        uuid.UUID `json:"booking_id"`
		GrossAmount      int64     `json:"gross_amount"`
		Currency         string    `json:"currency"`
		PaymentReference string    `json:"payment_reference"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.BookingID == uuid.Nil || req.GrossAmount < 0 {
		writeMessage(w, http.StatusBadRequest, "booking_id and a non-negative gross_amount are required")
		return
	}

	rec := h.commissions.RecordCommission(r.Context(), req.BookingID, req.GrossAmount, req.Currency, req.PaymentReference)
	if rec == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "retry_later",
			"message": "commission could not be recorded now and will be retried",
		})
		return
	}
	writeJSON(w, http.StatusOK, newCommissionResponse(*rec))
}

func (h *Handlers) CommissionRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.commissions.CurrentCommissionRate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.logger.WithField("failed", failed).Warn("not ready")
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// writeError maps domain errors onto status codes. Slot conflicts carry a
// message the booking page shows as is.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrSlotAlreadyBooked):
		writeMessage(w, http.StatusConflict, "This time slot has just been booked. Please choose a different time.")
	case errors.Is(err, domain.ErrSlotTemporarilyReserved):
		writeMessage(w, http.StatusConflict, "Someone is completing a booking for this time slot. Please choose a different time or try again in a few minutes.")
	case errors.Is(err, domain.ErrInvalidTimeSlot):
		writeMessage(w, http.StatusUnprocessableEntity, "This time slot is not available. Please choose a different time.")
	case errors.IsAny(err, domain.ErrEventNotFound, domain.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrValidation):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrSerializationFailure):
		writeMessage(w, http.StatusConflict, "conflict, try again")
	default:
		loggerFrom(r.Context(), h.logger).Error("request failed: ", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
