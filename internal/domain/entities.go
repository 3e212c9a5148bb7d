package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFree       PaymentStatus = "free"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentSucceeded, PaymentFailed, PaymentRefunded, PaymentFree:
		return true
	}
	return false
}

// Settled payments have captured money (or need none) and are eligible for
// calendar side effects.
func (s PaymentStatus) Settled() bool {
	return s == PaymentSucceeded || s == PaymentProcessing
}

// CanAdvanceTo reports whether a stored status may be corrected to next.
// Payment progress only moves forward: pending, processing, succeeded.
func (s PaymentStatus) CanAdvanceTo(next PaymentStatus) bool {
	from := paymentProgress(s)
	return from > 0 && paymentProgress(next) > from
}

// AdvanceableTo lists the statuses that may be corrected to next.
func AdvanceableTo(next PaymentStatus) []PaymentStatus {
	var out []PaymentStatus
	for _, s := range []PaymentStatus{PaymentPending, PaymentProcessing, PaymentSucceeded} {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}

func paymentProgress(s PaymentStatus) int {
	switch s {
	case PaymentPending:
		return 1
	case PaymentProcessing:
		return 2
	case PaymentSucceeded:
		return 3
	}
	return 0
}

// HoldsSlot is false for terminal statuses that release the slot.
func (s PaymentStatus) HoldsSlot() bool {
	return s != PaymentRefunded && s != PaymentFailed
}

type Reservation struct {
	ID              uuid.UUID
	ExpertID        string
	StartTime       time.Time
	GuestIdentifier string
	ExpiresAt       time.Time
}

// Booking is a confirmed appointment. Only PaymentStatus and MeetingURL may
// change after insert.
type Booking struct {
	ID                      uuid.UUID
	ExpertID                string
	EventTypeID             uuid.UUID
	GuestIdentifier         string
	GuestName               string
	StartTime               time.Time
	EndTime                 time.Time
	Timezone                string
	PaymentReference        string
	PaymentSessionReference string
	PaymentStatus           PaymentStatus
	GrossAmount             int64
	Currency                string
	MeetingURL              string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionProcessed CommissionStatus = "processed"
	CommissionRefunded  CommissionStatus = "refunded"
	CommissionDisputed  CommissionStatus = "disputed"
)

// CommissionRecord snapshots the tier and plan in effect when the payment
// settled. The snapshot columns are never recomputed.
type CommissionRecord struct {
	ID                uuid.UUID
	ExpertID          string
	BookingID         uuid.UUID
	GrossAmount       int64
	CommissionRateBps int64
	CommissionAmount  int64
	NetAmount         int64
	Currency          string
	Status            CommissionStatus
	TierAtTransaction Tier
	PlanAtTransaction PlanType
	PaymentReference  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ExpertProfile struct {
	ExpertID    string
	OrgID       string
	Tier        Tier
	Email       string
	DisplayName string
	CalendarID  string
}

type EventType struct {
	ID              uuid.UUID
	ExpertID        string
	Title           string
	DurationMinutes int
	PriceAmount     int64
	Currency        string
	Active          bool
}

// Duration returns the configured length of one appointment.
func (e EventType) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// CalendarEvent is the appointment placed on the expert's calendar.
type CalendarEvent struct {
	CalendarID string
	Title      string
	Start      time.Time
	End        time.Time
	Timezone   string
	GuestEmail string
	GuestName  string
}

// Notification templates.
const (
	TemplateBookingConfirmed = "booking_confirmed"
	TemplateBookingRefunded  = "booking_refunded"
)

// NormalizeGuest canonicalizes a guest identifier (an email address) so the
// same guest compares equal across requests.
func NormalizeGuest(guest string) string {
	return strings.ToLower(strings.TrimSpace(guest))
}
