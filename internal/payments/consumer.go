package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/expert-bookings/internal/booking"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
)

// PaymentSignal is the body of a payment.succeeded message published by
// processors other than Stripe.
type PaymentSignal struct {
	BookingReference  string               `json:"booking_reference"`
	SessionReference  string               `json:"session_reference"`
	GrossAmount       int64                `json:"gross_amount"`
	Currency          string               `json:"currency"`
	Status            domain.PaymentStatus `json:"status"`
	ExpertID          string               `json:"expert_id"`
	EventTypeID       uuid.UUID            `json:"event_type_id"`
	GuestEmail        string               `json:"guest_email"`
	GuestName         string               `json:"guest_name"`
	StartTime         time.Time            `json:"start_time"`
	Timezone          string               `json:"timezone"`
	CheckoutStartedAt time.Time            `json:"checkout_started_at"`
}

func (s PaymentSignal) ConfirmRequest() booking.ConfirmRequest {
	status := s.Status
	if status == "" {
		status = domain.PaymentSucceeded
	}
	return booking.ConfirmRequest{
		ExpertID:                s.ExpertID,
		EventTypeID:             s.EventTypeID,
		GuestIdentifier:         s.GuestEmail,
		GuestName:               s.GuestName,
		StartTime:               s.StartTime,
		Timezone:                s.Timezone,
		PaymentStatus:           status,
		PaymentReference:        s.BookingReference,
		PaymentSessionReference: s.SessionReference,
		GrossAmount:             s.GrossAmount,
		Currency:                s.Currency,
		CheckoutStartedAt:       s.CheckoutStartedAt,
	}
}

// SignalConsumer settles payment signals read from RabbitMQ.
type SignalConsumer struct {
	processor *Processor
	logger    observability.Logger
}

func NewSignalConsumer(processor *Processor, logger observability.Logger) *SignalConsumer {
	return &SignalConsumer{processor: processor, logger: logger}
}

// Run handles deliveries until ctx is done or the channel closes.
func (c *SignalConsumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.HandleDelivery(ctx, d)
		}
	}
}

// HandleDelivery acks settled and rejected signals and requeues the ones
// that failed for a transient reason.
func (c *SignalConsumer) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	log := c.logger.WithFields(map[string]interface{}{"message_id": d.MessageId, "routing_key": d.RoutingKey})

	var sig PaymentSignal
	if err := json.Unmarshal(d.Body, &sig); err != nil {
		observability.PaymentSignals.WithLabelValues("rabbit", "rejected").Inc()
		log.Warn("malformed payment signal: ", err)
		c.ack(log, d)
		return
	}
	log = log.WithField("payment_reference", sig.BookingReference)

	s, err := c.processor.Settle(ctx, sig.ConfirmRequest())
	switch {
	case err == nil:
		observability.PaymentSignals.WithLabelValues("rabbit", "ok").Inc()
		log.WithFields(map[string]interface{}{"booking_id": s.Booking.ID, "outcome": s.Outcome}).Info("payment signal settled")
		c.ack(log, d)
	case Retryable(err):
		observability.PaymentSignals.WithLabelValues("rabbit", "retry").Inc()
		log.Error("payment signal failed: ", err)
		if nerr := d.Nack(false, true); nerr != nil {
			log.Error("nack: ", nerr)
		}
	default:
		observability.PaymentSignals.WithLabelValues("rabbit", "rejected").Inc()
		log.Warn("payment signal rejected: ", err)
		c.ack(log, d)
	}
}

func (c *SignalConsumer) ack(log observability.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Error("ack: ", err)
	}
}
