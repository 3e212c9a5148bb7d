package payments

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/booking"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Checkout session metadata written by the booking page.
const (
	MetaExpertID    = "expert_id"
	MetaEventTypeID = "event_type_id"
	MetaStartTime   = "start_time"
	MetaTimezone    = "timezone"
	MetaGuestEmail  = "guest_email"
	MetaGuestName   = "guest_name"

	MetaOrgID     = "org_id"
	MetaPlanType  = "plan_type"
	MetaTierLevel = "tier_level"
)

const maxWebhookBody = 65536

type Subscriptions interface {
	Apply(ctx context.Context, orgID string, ch domain.Change) (domain.Subscription, error)
	ApplyUpdate(ctx context.Context, incoming domain.Subscription, stripeEventID string) (domain.Subscription, bool, error)
	OrgForStripeSubscription(ctx context.Context, stripeSubscriptionID string) (string, error)
}

// StripeWebhook verifies and dispatches Stripe events. Events that cannot
// succeed on redelivery are acknowledged; transient failures answer 500 so
// Stripe retries.
type StripeWebhook struct {
	secret        string
	processor     *Processor
	subscriptions Subscriptions
	logger        observability.Logger
}

func NewStripeWebhook(secret string, processor *Processor, subscriptions Subscriptions, logger observability.Logger) *StripeWebhook {
	return &StripeWebhook{secret: secret, processor: processor, subscriptions: subscriptions, logger: logger}
}

func (h *StripeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusServiceUnavailable)
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("stripe signature rejected: ", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	log := h.logger.WithFields(map[string]interface{}{"stripe_event_id": event.ID, "stripe_event_type": event.Type})
	err = h.dispatch(r.Context(), event)
	switch {
	case err == nil:
		observability.PaymentSignals.WithLabelValues("stripe", "ok").Inc()
	case Retryable(err):
		observability.PaymentSignals.WithLabelValues("stripe", "retry").Inc()
		log.Error("stripe event failed: ", err)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	default:
		observability.PaymentSignals.WithLabelValues("stripe", "rejected").Inc()
		log.Warn("stripe event rejected: ", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhook) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	// A delayed payment method completes with payment_status unpaid; the
	// later async_payment_succeeded replay advances the stored booking.
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return errors.Mark(errors.Wrap(err, "decode checkout session"), domain.ErrValidation)
		}
		return h.checkoutCompleted(ctx, &sess)
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return errors.Mark(errors.Wrap(err, "decode charge"), domain.ErrValidation)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return errors.Wrapf(domain.ErrValidation, "charge %s has no payment intent", ch.ID)
		}
		return h.processor.Refund(ctx, ch.PaymentIntent.ID)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return errors.Mark(errors.Wrap(err, "decode subscription"), domain.ErrValidation)
		}
		return h.subscriptionChanged(ctx, event, &sub)
	}
	h.logger.WithField("stripe_event_type", event.Type).Debug("stripe event ignored")
	return nil
}

func (h *StripeWebhook) checkoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	if sess.Mode == stripe.CheckoutSessionModeSubscription {
		// Plan purchases arrive as customer.subscription.* events.
		return nil
	}
	req, err := ConfirmRequestFromSession(sess)
	if err != nil {
		return err
	}
	s, err := h.processor.Settle(ctx, req)
	if err != nil {
		return err
	}
	h.logger.WithFields(map[string]interface{}{
		"booking_id": s.Booking.ID,
		"outcome":    s.Outcome,
		"session_id": sess.ID,
	}).Info("checkout settled")
	return nil
}

// ConfirmRequestFromSession reads the booking a checkout session paid for
// from its metadata.
func ConfirmRequestFromSession(sess *stripe.CheckoutSession) (booking.ConfirmRequest, error) {
	md := sess.Metadata
	eventTypeID, err := uuid.Parse(md[MetaEventTypeID])
	if err != nil {
		return booking.ConfirmRequest{}, errors.Wrapf(domain.ErrValidation, "session %s: event type id %q", sess.ID, md[MetaEventTypeID])
	}
	start, err := time.Parse(time.RFC3339, md[MetaStartTime])
	if err != nil {
		return booking.ConfirmRequest{}, errors.Wrapf(domain.ErrValidation, "session %s: start time %q", sess.ID, md[MetaStartTime])
	}

	req := booking.ConfirmRequest{
		ExpertID:                md[MetaExpertID],
		EventTypeID:             eventTypeID,
		GuestIdentifier:         md[MetaGuestEmail],
		GuestName:               md[MetaGuestName],
		StartTime:               start,
		Timezone:                md[MetaTimezone],
		PaymentSessionReference: sess.ID,
		GrossAmount:             sess.AmountTotal,
		Currency:                string(sess.Currency),
	}
	if sess.Created > 0 {
		req.CheckoutStartedAt = time.Unix(sess.Created, 0).UTC()
	}
	if req.GuestIdentifier == "" && sess.CustomerDetails != nil {
		req.GuestIdentifier = sess.CustomerDetails.Email
		if req.GuestName == "" {
			req.GuestName = sess.CustomerDetails.Name
		}
	}
	if req.GuestIdentifier == "" {
		req.GuestIdentifier = sess.CustomerEmail
	}

	req.PaymentReference = sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		req.PaymentReference = sess.PaymentIntent.ID
	}
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		req.PaymentStatus = domain.PaymentSucceeded
	case stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		req.PaymentStatus = domain.PaymentFree
		req.PaymentReference = ""
	default:
		req.PaymentStatus = domain.PaymentProcessing
	}
	return req, nil
}

func (h *StripeWebhook) subscriptionChanged(ctx context.Context, event stripe.Event, sub *stripe.Subscription) error {
	orgID := sub.Metadata[MetaOrgID]
	if orgID == "" {
		id, err := h.subscriptions.OrgForStripeSubscription(ctx, sub.ID)
		if err != nil {
			return errors.Wrapf(err, "organization of subscription %s", sub.ID)
		}
		orgID = id
	}
	incoming := SubscriptionFromStripe(orgID, sub, time.Unix(event.Created, 0).UTC())
	log := h.logger.WithFields(map[string]interface{}{"org_id": orgID, "stripe_subscription_id": sub.ID})

	switch event.Type {
	case "customer.subscription.created":
		_, err := h.subscriptions.Apply(ctx, orgID, domain.Change{
			Kind:                 domain.ChangePlanCreated,
			PlanType:             incoming.PlanType,
			TierLevel:            incoming.TierLevel,
			BillingInterval:      incoming.BillingInterval,
			Status:               incoming.Status,
			StripeSubscriptionID: sub.ID,
			CurrentPeriodEnd:     incoming.CurrentPeriodEnd,
			StripeEventID:        event.ID,
			OccurredAt:           incoming.UpdatedAt,
		})
		return err
	case "customer.subscription.deleted":
		_, err := h.subscriptions.Apply(ctx, orgID, domain.Change{
			Kind:                 domain.ChangeSubscriptionEnded,
			StripeSubscriptionID: sub.ID,
			StripeEventID:        event.ID,
			OccurredAt:           incoming.UpdatedAt,
		})
		return err
	}
	_, changed, err := h.subscriptions.ApplyUpdate(ctx, incoming, event.ID)
	if err == nil && !changed {
		log.Debug("subscription update without changes")
	}
	return err
}

// SubscriptionFromStripe maps a Stripe subscription onto the organization's
// plan row. The plan comes from metadata, or from the billing interval when
// metadata is missing.
func SubscriptionFromStripe(orgID string, sub *stripe.Subscription, at time.Time) domain.Subscription {
	out := domain.Subscription{
		OrgID:                orgID,
		PlanType:             domain.PlanType(sub.Metadata[MetaPlanType]),
		TierLevel:            domain.Tier(sub.Metadata[MetaTierLevel]),
		Status:               subscriptionStatus(sub.Status),
		StripeSubscriptionID: sub.ID,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		UpdatedAt:            at,
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	out.BillingInterval = billingInterval(sub)
	if !out.PlanType.Paid() {
		switch out.BillingInterval {
		case domain.IntervalMonth:
			out.PlanType = domain.PlanMonthly
		case domain.IntervalYear:
			out.PlanType = domain.PlanAnnual
		}
	}
	if !out.TierLevel.Valid() {
		out.TierLevel = domain.TierCommunity
	}
	return out
}

func billingInterval(sub *stripe.Subscription) domain.BillingInterval {
	if sub.Items == nil {
		return domain.IntervalNone
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil || item.Price.Recurring == nil {
			continue
		}
		switch item.Price.Recurring.Interval {
		case stripe.PriceRecurringIntervalMonth:
			return domain.IntervalMonth
		case stripe.PriceRecurringIntervalYear:
			return domain.IntervalYear
		}
	}
	return domain.IntervalNone
}

func subscriptionStatus(s stripe.SubscriptionStatus) domain.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return domain.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncomplete:
		return domain.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return domain.SubscriptionCanceled
	}
	return domain.SubscriptionActive
}
