package booking

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveSlot_ExpiryFreesSlotForOtherGuest(t *testing.T) {
	f := newFixture()
	svc := f.reservations()
	ctx := context.Background()
	req := func(guest string) ReserveRequest {
		return ReserveRequest{ExpertID: "exp-1", EventTypeID: f.eventType.ID, StartTime: f.slot, GuestIdentifier: guest}
	}

	a, err := svc.ReserveSlot(ctx, req("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), a.ExpiresAt)
	assert.Equal(t, 1, f.auditor.reservations)

	_, err = svc.ReserveSlot(ctx, req("bob@example.com"))
	assert.True(t, errors.Is(err, domain.ErrSlotTemporarilyReserved), "got %v", err)

	again, err := svc.ReserveSlot(ctx, req("ALICE@example.com"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	f.clock.Advance(11 * time.Minute)
	b, err := svc.ReserveSlot(ctx, req("bob@example.com"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	// The original guest can still confirm once the hold has lapsed, as long
	// as nobody booked the slot.
	require.NoError(t, svc.Release(ctx, b.ID))
	res, err := f.orchestrator().ConfirmBooking(ctx, f.freeRequest("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
}

func TestReserveSlot_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		req     func(f *fixture) ReserveRequest
		wantErr error
	}{
		{
			name: "missing guest",
			req: func(f *fixture) ReserveRequest {
				return ReserveRequest{ExpertID: "exp-1", StartTime: f.slot}
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "past slot",
			req: func(f *fixture) ReserveRequest {
				return ReserveRequest{ExpertID: "exp-1", StartTime: f.clock.Now().Add(-time.Hour), GuestIdentifier: "alice@example.com"}
			},
			wantErr: domain.ErrInvalidTimeSlot,
		},
		{
			name: "unknown event type",
			req: func(f *fixture) ReserveRequest {
				return ReserveRequest{ExpertID: "exp-1", EventTypeID: uuid.New(), StartTime: f.slot, GuestIdentifier: "alice@example.com"}
			},
			wantErr: domain.ErrEventNotFound,
		},
		{
			name: "already booked",
			setup: func(f *fixture) {
				f.ledger.bookings = append(f.ledger.bookings, domain.Booking{
					ID: uuid.New(), ExpertID: "exp-1", EventTypeID: f.eventType.ID, GuestIdentifier: "bob@example.com",
					StartTime: f.slot, EndTime: f.slot.Add(time.Hour), PaymentStatus: domain.PaymentSucceeded,
				})
			},
			req: func(f *fixture) ReserveRequest {
				return ReserveRequest{ExpertID: "exp-1", EventTypeID: f.eventType.ID, StartTime: f.slot, GuestIdentifier: "alice@example.com"}
			},
			wantErr: domain.ErrSlotAlreadyBooked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.reservations().ReserveSlot(context.Background(), tt.req(f))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Empty(t, f.store.holds)
		})
	}
}

func TestRelease_Idempotent(t *testing.T) {
	f := newFixture()
	svc := f.reservations()
	assert.NoError(t, svc.Release(context.Background(), uuid.New()))
	assert.NoError(t, svc.Release(context.Background(), uuid.New()))
}
