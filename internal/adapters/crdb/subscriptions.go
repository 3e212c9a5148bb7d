package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expert-bookings/internal/domain"
)

const subscriptionColumns = `org_id, plan_type, tier_level, billing_interval, status, stripe_subscription_id,
	cancel_at_period_end, current_period_end, updated_at`

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var (
		s         domain.Subscription
		periodEnd *time.Time
	)
	err := row.Scan(&s.OrgID, &s.PlanType, &s.TierLevel, &s.BillingInterval, &s.Status, &s.StripeSubscriptionID,
		&s.CancelAtPeriodEnd, &periodEnd, &s.UpdatedAt)
	if periodEnd != nil {
		s.CurrentPeriodEnd = *periodEnd
	}
	return s, err
}

func (r *Repository) Subscription(ctx context.Context, orgID string) (*domain.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM organization_subscriptions WHERE org_id = $1`, orgID))
	if isNoRows(err) {
		return nil, errors.Wrapf(domain.ErrNotFound, "subscription of org %s", orgID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "subscription of org %s", orgID)
	}
	return &s, nil
}

// SubscriptionByStripeID resolves the organization a processor subscription
// belongs to.
func (r *Repository) SubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*domain.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM organization_subscriptions WHERE stripe_subscription_id = $1
	`, stripeSubscriptionID))
	if isNoRows(err) {
		return nil, errors.Wrapf(domain.ErrNotFound, "subscription %s", stripeSubscriptionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "subscription %s", stripeSubscriptionID)
	}
	return &s, nil
}

// ApplySubscriptionChange locks the organization's row, lets fn compute the
// transition, appends the event and only then writes the new state. An
// already recorded processor event id yields domain.ErrDuplicateEvent.
func (r *Repository) ApplySubscriptionChange(ctx context.Context, orgID string, fn domain.TransitionFunc) (domain.Subscription, error) {
	var next domain.Subscription
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanSubscription(tx.QueryRow(ctx, `
			SELECT `+subscriptionColumns+` FROM organization_subscriptions WHERE org_id = $1 FOR UPDATE
		`, orgID))
		if isNoRows(err) {
			current = domain.DefaultSubscription(orgID)
		} else if err != nil {
			return err
		}

		var evt domain.SubscriptionEvent
		next, evt, err = fn(current)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO subscription_events (id, org_id, kind, previous_plan_type, new_plan_type, previous_tier_level, new_tier_level,
				previous_status, new_status, stripe_event_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, evt.ID, orgID, string(evt.Kind), string(evt.PreviousPlanType), string(evt.NewPlanType), string(evt.PreviousTierLevel), string(evt.NewTierLevel),
			string(evt.PreviousStatus), string(evt.NewStatus), nullable(evt.StripeEventID), evt.OccurredAt)
		if _, ok := uniqueViolation(err); ok {
			return errors.Wrapf(domain.ErrDuplicateEvent, "stripe event %s", evt.StripeEventID)
		}
		if err != nil {
			return err
		}

		var periodEnd *time.Time
		if !next.CurrentPeriodEnd.IsZero() {
			periodEnd = &next.CurrentPeriodEnd
		}
		_, err = tx.Exec(ctx, `
			UPSERT INTO organization_subscriptions (org_id, plan_type, tier_level, billing_interval, status, stripe_subscription_id,
				cancel_at_period_end, current_period_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, orgID, string(next.PlanType), string(next.TierLevel), string(next.BillingInterval), string(next.Status), next.StripeSubscriptionID,
			next.CancelAtPeriodEnd, periodEnd, next.UpdatedAt)
		if err != nil {
			return err
		}

		return r.insertEvent(ctx, tx, "subscription", evt.ID.String(), EventSubscriptionChanged, map[string]any{
			"org_id":    orgID,
			"kind":      evt.Kind,
			"plan_type": next.PlanType,
			"tier":      next.TierLevel,
			"status":    next.Status,
		})
	})
	return next, errors.Wrapf(err, "apply subscription change for org %s", orgID)
}
