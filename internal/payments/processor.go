package payments

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/booking"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
)

type Confirmer interface {
	ConfirmBooking(ctx context.Context, req booking.ConfirmRequest) (booking.Result, error)
}

type Commissions interface {
	RecordCommission(ctx context.Context, bookingID uuid.UUID, grossAmount int64, currency, paymentReference string) *domain.CommissionRecord
	RefundCommission(ctx context.Context, bookingID uuid.UUID) error
}

type Bookings interface {
	BookingByPaymentReference(ctx context.Context, ref string) (*domain.Booking, error)
}

// Settlement is what a payment signal produced. Commission is nil when the
// booking needs none or its record is left for the commission worker.
type Settlement struct {
	Booking    domain.Booking
	Outcome    booking.Outcome
	Commission *domain.CommissionRecord
}

// Processor is shared by every payment ingress. It confirms the booking
// first and captures the commission of the booking it got back.
type Processor struct {
	confirmer   Confirmer
	commissions Commissions
	bookings    Bookings
	logger      observability.Logger
}

func NewProcessor(confirmer Confirmer, commissions Commissions, bookings Bookings, logger observability.Logger) *Processor {
	return &Processor{confirmer: confirmer, commissions: commissions, bookings: bookings, logger: logger}
}

func (p *Processor) Settle(ctx context.Context, req booking.ConfirmRequest) (Settlement, error) {
	res, err := p.confirmer.ConfirmBooking(ctx, req)
	if err != nil {
		return Settlement{}, err
	}
	s := Settlement{Booking: res.Booking, Outcome: res.Outcome}
	if res.Booking.PaymentStatus != domain.PaymentSucceeded {
		return s, nil
	}

	// A replayed signal still fills a commission gap left by an earlier run.
	s.Commission = p.commissions.RecordCommission(ctx, res.Booking.ID, res.Booking.GrossAmount, res.Booking.Currency, res.Booking.PaymentReference)
	if s.Commission == nil {
		p.logger.WithField("booking_id", res.Booking.ID).Warn("commission deferred to worker")
	}
	return s, nil
}

// Refund marks the booking paid with ref refunded. Unknown references are
// ignored.
func (p *Processor) Refund(ctx context.Context, ref string) error {
	b, err := p.bookings.BookingByPaymentReference(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.WithField("payment_reference", ref).Info("refund for unknown payment ignored")
			return nil
		}
		return err
	}
	return p.commissions.RefundCommission(ctx, b.ID)
}

// Retryable reports whether the signal that produced err should be
// delivered again. Guard failures and rejected transitions are final.
func Retryable(err error) bool {
	if err == nil || domain.IsGuardFailure(err) {
		return false
	}
	return !errors.IsAny(err, domain.ErrInvalidTransition, domain.ErrNotFound, domain.ErrUnknownRate)
}
