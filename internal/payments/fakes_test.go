package payments

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/booking"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeConfirmer struct {
	mu       sync.Mutex
	err      error
	requests []booking.ConfirmRequest
	outcome  booking.Outcome
}

func (c *fakeConfirmer) ConfirmBooking(_ context.Context, req booking.ConfirmRequest) (booking.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return booking.Result{}, c.err
	}
	outcome := c.outcome
	if outcome == "" {
		outcome = booking.OutcomeCreated
	}
	return booking.Result{
		Booking: domain.Booking{
			ID:               uuid.NewSHA1(uuid.NameSpaceURL, []byte(req.PaymentReference+req.GuestIdentifier)),
			ExpertID:         req.ExpertID,
			EventTypeID:      req.EventTypeID,
			GuestIdentifier:  req.GuestIdentifier,
			StartTime:        req.StartTime,
			PaymentReference: req.PaymentReference,
			PaymentStatus:    req.PaymentStatus,
			GrossAmount:      req.GrossAmount,
			Currency:         req.Currency,
		},
		Outcome: outcome,
	}, nil
}

type fakeCommissions struct {
	mu       sync.Mutex
	fail     bool
	recorded []uuid.UUID
	refunded []uuid.UUID
}

func (c *fakeCommissions) RecordCommission(_ context.Context, bookingID uuid.UUID, gross int64, currency, ref string) *domain.CommissionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil
	}
	c.recorded = append(c.recorded, bookingID)
	return &domain.CommissionRecord{ID: uuid.New(), BookingID: bookingID, GrossAmount: gross, Currency: currency, PaymentReference: ref}
}

func (c *fakeCommissions) RefundCommission(_ context.Context, bookingID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunded = append(c.refunded, bookingID)
	return nil
}

type fakeBookings map[string]domain.Booking

func (b fakeBookings) BookingByPaymentReference(_ context.Context, ref string) (*domain.Booking, error) {
	bk, ok := b[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &bk, nil
}

type fakeSubscriptions struct {
	mu       sync.Mutex
	byStripe map[string]string
	changes  []domain.Change
	updates  []domain.Subscription
	err      error
}

func (s *fakeSubscriptions) Apply(_ context.Context, orgID string, ch domain.Change) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, ch)
	if s.err != nil {
		return domain.Subscription{}, s.err
	}
	return domain.Subscription{OrgID: orgID, PlanType: ch.PlanType}, nil
}

func (s *fakeSubscriptions) ApplyUpdate(_ context.Context, incoming domain.Subscription, _ string) (domain.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, incoming)
	return incoming, true, s.err
}

func (s *fakeSubscriptions) OrgForStripeSubscription(_ context.Context, id string) (string, error) {
	org, ok := s.byStripe[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return org, nil
}

type env struct {
	confirmer     *fakeConfirmer
	commissions   *fakeCommissions
	bookings      fakeBookings
	subscriptions *fakeSubscriptions
	processor     *Processor
	logger        observability.Logger
}

func newEnv() *env {
	l, _ := test.NewNullLogger()
	e := &env{
		confirmer:     &fakeConfirmer{},
		commissions:   &fakeCommissions{},
		bookings:      fakeBookings{},
		subscriptions: &fakeSubscriptions{byStripe: map[string]string{}},
		logger:        observability.Wrap(l),
	}
	e.processor = NewProcessor(e.confirmer, e.commissions, e.bookings, e.logger)
	return e
}
