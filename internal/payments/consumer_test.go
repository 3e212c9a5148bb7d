package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *recordingAck) Ack(uint64, bool) error {
	a.acked++
	return nil
}

func (a *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *recordingAck) Reject(_ uint64, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

func delivery(t *testing.T, body any) (amqp.Delivery, *recordingAck) {
	t.Helper()
	raw, ok := body.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	ack := &recordingAck{}
	return amqp.Delivery{Acknowledger: ack, MessageId: "msg-1", RoutingKey: "payment.succeeded", Body: raw}, ack
}

func signal() PaymentSignal {
	return PaymentSignal{
		BookingReference: "pay_123",
		GrossAmount:      4900,
		Currency:         "eur",
		ExpertID:         "exp-1",
		EventTypeID:      testEventType,
		GuestEmail:       "guest@example.com",
		StartTime:        testStart,
	}
}

func TestSignalConsumer_AcksSettledSignal(t *testing.T) {
	e := newEnv()
	d, ack := delivery(t, signal())

	NewSignalConsumer(e.processor, e.logger).HandleDelivery(context.Background(), d)

	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
	require.Len(t, e.confirmer.requests, 1)
	assert.Equal(t, domain.PaymentSucceeded, e.confirmer.requests[0].PaymentStatus)
	assert.Equal(t, "pay_123", e.confirmer.requests[0].PaymentReference)
	assert.Len(t, e.commissions.recorded, 1)
}

func TestSignalConsumer_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		body      any
		err       error
		wantAck   int
		wantNack  int
		wantCalls int
	}{
		{"malformed body is dropped", []byte("{"), nil, 1, 0, 0},
		{"guard failure is dropped", signal(), errors.Wrap(domain.ErrSlotTemporarilyReserved, "exp-1"), 1, 0, 1},
		{"transient failure is requeued", signal(), errors.Wrap(domain.ErrSerializationFailure, "insert"), 0, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			e.confirmer.err = tt.err
			d, ack := delivery(t, tt.body)

			NewSignalConsumer(e.processor, e.logger).HandleDelivery(context.Background(), d)

			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, tt.wantNack, ack.nacked)
			assert.Len(t, e.confirmer.requests, tt.wantCalls)
			if tt.wantNack > 0 {
				assert.True(t, ack.requeue)
			}
		})
	}
}

func TestSignalConsumer_RunStopsOnClosedChannel(t *testing.T) {
	e := newEnv()
	ch := make(chan amqp.Delivery, 1)
	d, ack := delivery(t, signal())
	ch <- d
	close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := NewSignalConsumer(e.processor, e.logger).Run(ctx, ch)

	assert.Error(t, err)
	assert.Equal(t, 1, ack.acked)
}

func TestProcessor_Settle(t *testing.T) {
	t.Run("free booking records no commission", func(t *testing.T) {
		e := newEnv()
		s, err := e.processor.Settle(context.Background(), PaymentSignal{
			Status: domain.PaymentFree, ExpertID: "exp-1", EventTypeID: testEventType, GuestEmail: "guest@example.com", StartTime: testStart,
		}.ConfirmRequest())
		require.NoError(t, err)
		assert.Nil(t, s.Commission)
		assert.Empty(t, e.commissions.recorded)
	})
	t.Run("commission failure still settles", func(t *testing.T) {
		e := newEnv()
		e.commissions.fail = true
		s, err := e.processor.Settle(context.Background(), signal().ConfirmRequest())
		require.NoError(t, err)
		assert.Nil(t, s.Commission)
		assert.NotEqual(t, uuid.Nil, s.Booking.ID)
	})
}

func TestProcessor_RefundUnknownPaymentIsIgnored(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.processor.Refund(context.Background(), "pi_unknown"))
	assert.Empty(t, e.commissions.refunded)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(errors.Wrap(domain.ErrInvalidTimeSlot, "slot")))
	assert.False(t, Retryable(errors.Wrap(domain.ErrInvalidTransition, "plan")))
	assert.True(t, Retryable(domain.ErrSerializationFailure))
	assert.True(t, Retryable(errors.New("dial tcp: connection refused")))
}
