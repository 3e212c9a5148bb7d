package subscription

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
)

type Store interface {
	Subscription(ctx context.Context, orgID string) (*domain.Subscription, error)
	SubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*domain.Subscription, error)
	ApplySubscriptionChange(ctx context.Context, orgID string, fn domain.TransitionFunc) (domain.Subscription, error)
}

type Auditor interface {
	LogSubscription(ctx context.Context, e domain.SubscriptionEvent) error
}

// Service applies plan changes. Each change locks the organization's row,
// appends its event and writes the new state in one transaction.
type Service struct {
	store   Store
	auditor Auditor
	logger  observability.Logger
}

func NewService(store Store, auditor Auditor, logger observability.Logger) *Service {
	return &Service{store: store, auditor: auditor, logger: logger}
}

// Current returns the organization's subscription, or the implicit
// commission plan when it never subscribed.
func (s *Service) Current(ctx context.Context, orgID string) (domain.Subscription, error) {
	sub, err := s.store.Subscription(ctx, orgID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DefaultSubscription(orgID), nil
	}
	if err != nil {
		return domain.Subscription{}, err
	}
	return *sub, nil
}

// OrgForStripeSubscription maps a processor subscription id back to the
// organization that owns it.
func (s *Service) OrgForStripeSubscription(ctx context.Context, stripeSubscriptionID string) (string, error) {
	sub, err := s.store.SubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		return "", err
	}
	return sub.OrgID, nil
}

// Apply runs ch against the organization's current state. A processor event
// that was already applied is a no-op and returns the current state.
func (s *Service) Apply(ctx context.Context, orgID string, ch domain.Change) (domain.Subscription, error) {
	log := s.logger.WithFields(map[string]interface{}{"org_id": orgID, "kind": ch.Kind, "stripe_event_id": ch.StripeEventID})

	var evt domain.SubscriptionEvent
	next, err := s.store.ApplySubscriptionChange(ctx, orgID, func(current domain.Subscription) (domain.Subscription, domain.SubscriptionEvent, error) {
		n, e, err := domain.Transition(current, ch)
		evt = e
		return n, e, err
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		log.Info("subscription event already applied")
		return s.Current(ctx, orgID)
	}
	if err != nil {
		return domain.Subscription{}, err
	}

	observability.SubscriptionTransitions.WithLabelValues(string(ch.Kind)).Inc()
	log.WithField("plan_type", next.PlanType).Info("subscription changed")
	if err := s.auditor.LogSubscription(context.WithoutCancel(ctx), evt); err != nil {
		observability.HookFailures.WithLabelValues("audit").Inc()
		log.Warn("audit subscription: ", err)
	}
	return next, nil
}

// ApplyUpdate classifies a processor-reported state against the current one
// and applies the resulting change. ok is false when nothing changed.
func (s *Service) ApplyUpdate(ctx context.Context, incoming domain.Subscription, stripeEventID string) (sub domain.Subscription, ok bool, err error) {
	current, err := s.Current(ctx, incoming.OrgID)
	if err != nil {
		return domain.Subscription{}, false, err
	}
	kind, ok := domain.ClassifyUpdate(current, incoming)
	if !ok {
		return current, false, nil
	}
	sub, err = s.Apply(ctx, incoming.OrgID, domain.Change{
		Kind:                 kind,
		PlanType:             incoming.PlanType,
		TierLevel:            incoming.TierLevel,
		BillingInterval:      incoming.BillingInterval,
		Status:               incoming.Status,
		StripeSubscriptionID: incoming.StripeSubscriptionID,
		CurrentPeriodEnd:     incoming.CurrentPeriodEnd,
		StripeEventID:        stripeEventID,
		OccurredAt:           incoming.UpdatedAt,
	})
	return sub, err == nil, err
}
