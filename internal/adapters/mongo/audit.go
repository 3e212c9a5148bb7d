package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
	clock  func() time.Time
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
		clock:  time.Now,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	Actor     string    `bson:"actor"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action, actor string, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		Actor:     actor,
		Timestamp: a.clock().UTC(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.WithField("action", action).Error("failed to insert audit log: ", err)
		return err
	}
	return nil
}

func (a *AuditLogger) LogReservation(ctx context.Context, r domain.Reservation) error {
	return a.LogEvent(ctx, "reservation.created", r.GuestIdentifier, map[string]interface{}{
		"reservation_id": r.ID.String(),
		"expert_id":      r.ExpertID,
		"start_time":     r.StartTime.Format(time.RFC3339),
		"expires_at":     r.ExpiresAt.Format(time.RFC3339),
	})
}

func (a *AuditLogger) LogBooking(ctx context.Context, b domain.Booking) error {
	return a.LogEvent(ctx, "booking.created", b.GuestIdentifier, map[string]interface{}{
		"booking_id":        b.ID.String(),
		"expert_id":         b.ExpertID,
		"event_type_id":     b.EventTypeID.String(),
		"start_time":        b.StartTime.Format(time.RFC3339),
		"payment_status":    string(b.PaymentStatus),
		"payment_reference": b.PaymentReference,
		"gross_amount":      b.GrossAmount,
		"currency":          b.Currency,
	})
}

func (a *AuditLogger) LogCommission(ctx context.Context, c domain.CommissionRecord) error {
	return a.LogEvent(ctx, "commission.recorded", c.ExpertID, map[string]interface{}{
		"commission_id":       c.ID.String(),
		"booking_id":          c.BookingID.String(),
		"commission_rate_bps": c.CommissionRateBps,
		"commission_amount":   c.CommissionAmount,
		"net_amount":          c.NetAmount,
		"tier":                string(c.TierAtTransaction),
		"plan":                string(c.PlanAtTransaction),
	})
}

func (a *AuditLogger) LogSubscription(ctx context.Context, e domain.SubscriptionEvent) error {
	return a.LogEvent(ctx, "subscription."+string(e.Kind), e.OrgID, map[string]interface{}{
		"event_id":        e.ID.String(),
		"previous_plan":   string(e.PreviousPlanType),
		"new_plan":        string(e.NewPlanType),
		"previous_tier":   string(e.PreviousTierLevel),
		"new_tier":        string(e.NewTierLevel),
		"stripe_event_id": e.StripeEventID,
	})
}
