package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionTrialing SubscriptionStatus = "trialing"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionCanceled, SubscriptionPastDue, SubscriptionTrialing:
		return true
	}
	return false
}

type BillingInterval string

const (
	IntervalNone  BillingInterval = ""
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Subscription is the current plan row of one organization.
type Subscription struct {
	OrgID                string
	PlanType             PlanType
	TierLevel            Tier
	BillingInterval      BillingInterval
	Status               SubscriptionStatus
	StripeSubscriptionID string
	CancelAtPeriodEnd    bool
	CurrentPeriodEnd     time.Time
	UpdatedAt            time.Time
}

// DefaultSubscription is the implicit state of an organization without a
// subscription row.
func DefaultSubscription(orgID string) Subscription {
	return Subscription{
		OrgID:     orgID,
		PlanType:  PlanCommission,
		TierLevel: TierCommunity,
		Status:    SubscriptionActive,
	}
}

// EffectivePlan is the plan that prices commissions right now. A subscription
// marked cancel-at-period-end keeps its plan until the period actually ends.
func (s Subscription) EffectivePlan() PlanType {
	if s.Status == SubscriptionCanceled || !s.PlanType.Valid() {
		return PlanCommission
	}
	return s.PlanType
}

type ChangeKind string

const (
	ChangePlanCreated          ChangeKind = "plan_created"
	ChangeSubscriptionCanceled ChangeKind = "subscription_canceled"
	ChangeSubscriptionRenewed  ChangeKind = "subscription_renewed"
	ChangePlanChanged          ChangeKind = "plan_changed"
	ChangeSubscriptionEnded    ChangeKind = "subscription_ended"
)

// Change is an incoming plan-change request. Fields that do not apply to
// the kind are ignored.
type Change struct {
	Kind                 ChangeKind
	PlanType             PlanType
	TierLevel            Tier
	BillingInterval      BillingInterval
	Status               SubscriptionStatus
	StripeSubscriptionID string
	CurrentPeriodEnd     time.Time
	StripeEventID        string
	OccurredAt           time.Time
}

// SubscriptionEvent is the append-only audit row written before every
// mutation of the current subscription state.
type SubscriptionEvent struct {
	ID                uuid.UUID
	OrgID             string
	Kind              ChangeKind
	PreviousPlanType  PlanType
	NewPlanType       PlanType
	PreviousTierLevel Tier
	NewTierLevel      Tier
	PreviousStatus    SubscriptionStatus
	NewStatus         SubscriptionStatus
	StripeEventID     string
	OccurredAt        time.Time
}

// TransitionFunc computes the next subscription state from the locked
// current one.
type TransitionFunc func(current Subscription) (Subscription, SubscriptionEvent, error)

// Transition applies ch to current and returns the next state together
// with the event describing it.
func Transition(current Subscription, ch Change) (Subscription, SubscriptionEvent, error) {
	next := current
	subscribed := current.EffectivePlan().Paid()

	switch ch.Kind {
	case ChangePlanCreated:
		if subscribed {
			return current, SubscriptionEvent{}, errors.Wrapf(ErrInvalidTransition, "org %s already on %s", current.OrgID, current.PlanType)
		}
		if !ch.PlanType.Paid() {
			return current, SubscriptionEvent{}, errors.Wrapf(ErrInvalidTransition, "cannot create plan %q", ch.PlanType)
		}
		next.PlanType = ch.PlanType
		next.TierLevel = tierOrDefault(ch.TierLevel, current.TierLevel)
		next.BillingInterval = intervalFor(ch.PlanType, ch.BillingInterval)
		next.Status = statusOrDefault(ch.Status, SubscriptionActive)
		next.StripeSubscriptionID = ch.StripeSubscriptionID
		next.CancelAtPeriodEnd = false
		next.CurrentPeriodEnd = ch.CurrentPeriodEnd

	case ChangeSubscriptionCanceled:
		if !subscribed {
			return current, SubscriptionEvent{}, errors.Wrapf(ErrInvalidTransition, "org %s has no subscription to cancel", current.OrgID)
		}
		if err := applyPlanFields(&next, ch); err != nil {
			return current, SubscriptionEvent{}, err
		}
		next.CancelAtPeriodEnd = true

	case ChangeSubscriptionRenewed:
		if !subscribed || !current.CancelAtPeriodEnd {
			return current, SubscriptionEvent{}, errors.Wrapf(ErrInvalidTransition, "org %s is not pending cancellation", current.OrgID)
		}
		if err := applyPlanFields(&next, ch); err != nil {
			return current, SubscriptionEvent{}, err
		}
		next.CancelAtPeriodEnd = false

	case ChangePlanChanged:
		if !subscribed {
			return current, SubscriptionEvent{}, errors.Wrapf(ErrInvalidTransition, "org %s has no subscription to change", current.OrgID)
		}
		if err := applyPlanFields(&next, ch); err != nil {
			return current, SubscriptionEvent{}, err
		}

	case ChangeSubscriptionEnded:
		if !subscribed {
			return current, SubscriptionEvent{}, errors.Wrapf(ErrInvalidTransition, "org %s has no subscription to end", current.OrgID)
		}
		next = DefaultSubscription(current.OrgID)
		next.Status = SubscriptionCanceled
		next.CurrentPeriodEnd = current.CurrentPeriodEnd

	default:
		return current, SubscriptionEvent{}, errors.Wrapf(ErrInvalidTransition, "unknown change %q", ch.Kind)
	}

	if ch.StripeSubscriptionID != "" {
		next.StripeSubscriptionID = ch.StripeSubscriptionID
	}
	occurred := ch.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	next.UpdatedAt = occurred

	evt := SubscriptionEvent{
		ID:                uuid.New(),
		OrgID:             current.OrgID,
		Kind:              ch.Kind,
		PreviousPlanType:  current.PlanType,
		NewPlanType:       next.PlanType,
		PreviousTierLevel: current.TierLevel,
		NewTierLevel:      next.TierLevel,
		PreviousStatus:    current.Status,
		NewStatus:         next.Status,
		StripeEventID:     ch.StripeEventID,
		OccurredAt:        occurred,
	}
	return next, evt, nil
}

// ClassifyUpdate derives the change kind that moves current to incoming, as
// reported by the payment processor. ok is false when nothing changed.
func ClassifyUpdate(current, incoming Subscription) (kind ChangeKind, ok bool) {
	switch {
	case !current.EffectivePlan().Paid():
		if incoming.PlanType.Paid() && incoming.Status != SubscriptionCanceled {
			return ChangePlanCreated, true
		}
		return "", false
	case incoming.Status == SubscriptionCanceled:
		return ChangeSubscriptionEnded, true
	case incoming.CancelAtPeriodEnd && !current.CancelAtPeriodEnd:
		return ChangeSubscriptionCanceled, true
	case !incoming.CancelAtPeriodEnd && current.CancelAtPeriodEnd:
		return ChangeSubscriptionRenewed, true
	case incoming.PlanType != current.PlanType,
		incoming.TierLevel != current.TierLevel,
		incoming.BillingInterval != current.BillingInterval,
		incoming.Status != current.Status:
		return ChangePlanChanged, true
	}
	return "", false
}

// applyPlanFields carries the plan, tier, interval, status and period of ch
// onto a live subscription. A cancellation or renewal reported together with
// a plan switch keeps both.
func applyPlanFields(next *Subscription, ch Change) error {
	if ch.PlanType != "" {
		if !ch.PlanType.Paid() {
			return errors.Wrapf(ErrInvalidTransition, "cannot change to plan %q", ch.PlanType)
		}
		next.PlanType = ch.PlanType
	}
	next.TierLevel = tierOrDefault(ch.TierLevel, next.TierLevel)
	if ch.PlanType != "" || ch.BillingInterval != "" {
		next.BillingInterval = intervalFor(next.PlanType, ch.BillingInterval)
	}
	next.Status = statusOrDefault(ch.Status, next.Status)
	if !ch.CurrentPeriodEnd.IsZero() {
		next.CurrentPeriodEnd = ch.CurrentPeriodEnd
	}
	return nil
}

func tierOrDefault(t, fallback Tier) Tier {
	if t.Valid() {
		return t
	}
	if fallback.Valid() {
		return fallback
	}
	return TierCommunity
}

func statusOrDefault(s, fallback SubscriptionStatus) SubscriptionStatus {
	if s.Valid() {
		return s
	}
	return fallback
}

func intervalFor(plan PlanType, requested BillingInterval) BillingInterval {
	switch plan {
	case PlanMonthly:
		return IntervalMonth
	case PlanAnnual:
		return IntervalYear
	}
	return requested
}
