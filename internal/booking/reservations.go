package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
)

type ReserveRequest struct {
	ExpertID        string    `json:"expert_id" validate:"required,max=128"`
	EventTypeID     uuid.UUID `json:"event_type_id"`
	StartTime       time.Time `json:"start_time"`
	GuestIdentifier string    `json:"guest_identifier" validate:"required,email"`
	// TTL overrides the default hold length.
	TTL time.Duration `json:"-"`
}

// Reservations grants short holds on slots while a guest pays.
type Reservations struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
}

func NewReservations(deps Deps, opts Options) *Reservations {
	return &Reservations{deps: deps, opts: opts.withDefaults(), validate: validator.New()}
}

func (s *Reservations) ReserveSlot(ctx context.Context, req ReserveRequest) (domain.Reservation, error) {
	res, err := s.reserve(ctx, req)
	switch {
	case err == nil:
		observability.ReservationsTotal.WithLabelValues("reserved").Inc()
	case errors.Is(err, domain.ErrSlotTemporarilyReserved):
		observability.ReservationsTotal.WithLabelValues("refused").Inc()
	case errors.Is(err, domain.ErrSlotAlreadyBooked):
		observability.ReservationsTotal.WithLabelValues("booked").Inc()
	default:
		observability.ReservationsTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *Reservations) reserve(ctx context.Context, req ReserveRequest) (domain.Reservation, error) {
	if err := s.validate.Struct(req); err != nil {
		return domain.Reservation{}, errors.Wrapf(domain.ErrValidation, "%v", err)
	}
	if req.StartTime.IsZero() {
		return domain.Reservation{}, errors.Wrap(domain.ErrValidation, "start_time is required")
	}
	now := s.opts.Clock()
	start := req.StartTime.UTC()
	if !start.After(now) {
		return domain.Reservation{}, errors.Wrapf(domain.ErrInvalidTimeSlot, "slot %s is in the past", start.Format(time.RFC3339))
	}
	guest := domain.NormalizeGuest(req.GuestIdentifier)

	if req.EventTypeID != uuid.Nil {
		et, err := s.deps.Catalog.EventType(ctx, req.EventTypeID)
		if err != nil {
			return domain.Reservation{}, err
		}
		if !et.Active || et.ExpertID != req.ExpertID {
			return domain.Reservation{}, errors.Wrapf(domain.ErrEventNotFound, "event type %s of expert %s", req.EventTypeID, req.ExpertID)
		}
	}

	held, err := s.deps.Ledger.SlotBookings(ctx, req.EventTypeID, req.ExpertID, start)
	if err != nil {
		return domain.Reservation{}, err
	}
	for _, b := range held {
		if b.GuestIdentifier != guest {
			return domain.Reservation{}, errors.Wrapf(domain.ErrSlotAlreadyBooked, "expert %s at %s", req.ExpertID, start.Format(time.RFC3339))
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.opts.DefaultHoldTTL
	}
	res, err := s.deps.Store.Reserve(ctx, req.ExpertID, start, guest, ttl)
	if err != nil {
		return domain.Reservation{}, err
	}

	if err := s.deps.Auditor.LogReservation(context.WithoutCancel(ctx), res); err != nil {
		observability.HookFailures.WithLabelValues("audit").Inc()
		s.deps.Logger.WithField("reservation_id", res.ID).Warn("audit reservation: ", err)
	}
	return res, nil
}

// Release drops a reservation. Unknown or expired ids are not an error.
func (s *Reservations) Release(ctx context.Context, id uuid.UUID) error {
	return s.deps.Store.Release(ctx, id)
}
