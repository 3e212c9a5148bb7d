package commission

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("commission")

type Ledger interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	CommissionByBooking(ctx context.Context, bookingID uuid.UUID) (*domain.CommissionRecord, error)
	InsertCommission(ctx context.Context, rec domain.CommissionRecord) (bool, error)
	RefundBooking(ctx context.Context, bookingID uuid.UUID) error
	Subscription(ctx context.Context, orgID string) (*domain.Subscription, error)
}

type Directory interface {
	ExpertTier(ctx context.Context, expertID string) (domain.Tier, error)
	OrganizationForUser(ctx context.Context, userID string) (string, error)
}

type Auditor interface {
	LogCommission(ctx context.Context, c domain.CommissionRecord) error
}

// Rate is the commission an expert would pay on a transaction right now.
type Rate struct {
	ExpertID string          `json:"expert_id"`
	Tier     domain.Tier     `json:"tier"`
	Plan     domain.PlanType `json:"plan"`
	Bps      int64           `json:"commission_rate_bps"`
}

type Resolver struct {
	ledger    Ledger
	directory Directory
	auditor   Auditor
	logger    observability.Logger
	clock     func() time.Time
}

func NewResolver(ledger Ledger, directory Directory, auditor Auditor, logger observability.Logger, clock func() time.Time) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{ledger: ledger, directory: directory, auditor: auditor, logger: logger, clock: clock}
}

// RecordCommission captures the commission of a settled booking. It is
// idempotent per booking: the first stored record wins and is returned on
// every later call. A nil result means the record could not be written and
// the caller should retry later.
func (r *Resolver) RecordCommission(ctx context.Context, bookingID uuid.UUID, grossAmount int64, currency, paymentReference string) *domain.CommissionRecord {
	ctx, span := tracer.Start(ctx, "commission.RecordCommission")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID.String()))
	log := r.logger.WithFields(map[string]interface{}{"booking_id": bookingID, "payment_reference": paymentReference})

	rec, result, err := r.record(ctx, bookingID, grossAmount, currency, paymentReference)
	observability.CommissionsTotal.WithLabelValues(result).Inc()
	span.SetAttributes(attribute.String("result", result))
	if err != nil {
		span.RecordError(err)
		log.Error("commission not recorded: ", err)
		return nil
	}
	return rec
}

func (r *Resolver) record(ctx context.Context, bookingID uuid.UUID, gross int64, currency, paymentRef string) (*domain.CommissionRecord, string, error) {
	existing, err := r.ledger.CommissionByBooking(ctx, bookingID)
	if err == nil {
		return existing, "existing", nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, "error", err
	}

	booking, err := r.ledger.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, "error", err
	}
	tier, plan, err := r.resolve(ctx, booking.ExpertID)
	if err != nil {
		return nil, "error", err
	}
	rec, err := domain.NewCommissionRecord(*booking, gross, currency, paymentRef, tier, plan, r.clock().UTC())
	if err != nil {
		return nil, "invalid", err
	}

	inserted, err := r.ledger.InsertCommission(ctx, rec)
	if err != nil {
		return nil, "error", err
	}
	if !inserted {
		// A parallel call stored its record first.
		winner, err := r.ledger.CommissionByBooking(ctx, bookingID)
		if err != nil {
			return nil, "error", err
		}
		return winner, "existing", nil
	}

	if err := r.auditor.LogCommission(context.WithoutCancel(ctx), rec); err != nil {
		observability.HookFailures.WithLabelValues("audit").Inc()
		r.logger.WithField("booking_id", bookingID).Warn("audit commission: ", err)
	}
	return &rec, "recorded", nil
}

// resolve looks up the expert's tier and the plan of the expert's
// organization concurrently. Experts without an organization, and
// organizations without a subscription, pay the commission plan.
func (r *Resolver) resolve(ctx context.Context, expertID string) (domain.Tier, domain.PlanType, error) {
	var (
		tier  domain.Tier
		orgID string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := r.directory.ExpertTier(gctx, expertID)
		if errors.Is(err, domain.ErrNotFound) {
			tier = domain.TierCommunity
			return nil
		}
		tier = t
		return err
	})
	g.Go(func() error {
		id, err := r.directory.OrganizationForUser(gctx, expertID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		orgID = id
		return err
	})
	if err := g.Wait(); err != nil {
		return "", "", errors.Wrapf(err, "resolve tier and organization of %s", expertID)
	}
	if orgID == "" {
		return tier, domain.PlanCommission, nil
	}

	sub, err := r.ledger.Subscription(ctx, orgID)
	if errors.Is(err, domain.ErrNotFound) {
		return tier, domain.PlanCommission, nil
	}
	if err != nil {
		return "", "", err
	}
	return tier, sub.EffectivePlan(), nil
}

// CurrentCommissionRate previews the rate for the expert's next
// transaction. It never writes.
func (r *Resolver) CurrentCommissionRate(ctx context.Context, expertID string) (Rate, error) {
	tier, plan, err := r.resolve(ctx, expertID)
	if err != nil {
		return Rate{}, err
	}
	bps, err := domain.RateFor(tier, plan)
	if err != nil {
		return Rate{}, err
	}
	return Rate{ExpertID: expertID, Tier: tier, Plan: plan, Bps: bps}, nil
}

// RefundCommission marks the booking and its commission record refunded.
// The original snapshot is kept.
func (r *Resolver) RefundCommission(ctx context.Context, bookingID uuid.UUID) error {
	if err := r.ledger.RefundBooking(ctx, bookingID); err != nil {
		return err
	}
	observability.CommissionsTotal.WithLabelValues("refunded").Inc()
	r.logger.WithField("booking_id", bookingID).Info("booking refunded")
	return nil
}
