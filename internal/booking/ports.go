package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
)

// ReservationStore holds short-lived slot claims. Implemented by the Redis
// and CockroachDB adapters.
type ReservationStore interface {
	Reserve(ctx context.Context, expertID string, start time.Time, guest string, ttl time.Duration) (domain.Reservation, error)
	Release(ctx context.Context, id uuid.UUID) error
	ActiveHold(ctx context.Context, expertID string, start time.Time) (*domain.Reservation, error)
}

// Ledger is the durable booking store. Lookups return domain.ErrNotFound
// when nothing matches.
type Ledger interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	BookingByPaymentReference(ctx context.Context, ref string) (*domain.Booking, error)
	BookingByGuestSlot(ctx context.Context, eventTypeID uuid.UUID, start time.Time, guest string) (*domain.Booking, error)
	SlotBookings(ctx context.Context, eventTypeID uuid.UUID, expertID string, start time.Time) ([]domain.Booking, error)
	ExpertBookingsBetween(ctx context.Context, expertID string, from, to time.Time) ([]domain.Booking, error)
	InsertBooking(ctx context.Context, b domain.Booking) error
	// AdvancePaymentStatus only moves a status forward and returns
	// domain.ErrNotFound when there is nothing to advance.
	AdvancePaymentStatus(ctx context.Context, id uuid.UUID, status domain.PaymentStatus) (*domain.Booking, error)
	SetMeetingURL(ctx context.Context, id uuid.UUID, url string) error
}

type Catalog interface {
	EventType(ctx context.Context, id uuid.UUID) (*domain.EventType, error)
	Availability(ctx context.Context, expertID string) (domain.Availability, error)
}

type Directory interface {
	ExpertProfile(ctx context.Context, expertID string) (*domain.ExpertProfile, error)
}

type Calendar interface {
	CreateEvent(ctx context.Context, e domain.CalendarEvent) (string, error)
	BusyTimes(ctx context.Context, calendarID string, from, to time.Time) ([]domain.TimeRange, error)
}

type Notifier interface {
	Notify(ctx context.Context, recipient, template string, payload map[string]any) error
}

type Auditor interface {
	LogReservation(ctx context.Context, r domain.Reservation) error
	LogBooking(ctx context.Context, b domain.Booking) error
}
