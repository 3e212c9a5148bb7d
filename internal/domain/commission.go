package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const basisPointsDenominator = 10000

// ComputeCommission splits gross (minor currency units) at rate bps.
// The commission is rounded to the nearest minor unit, ties up.
func ComputeCommission(gross, bps int64) (commission, net int64, err error) {
	if gross < 0 {
		return 0, 0, errors.Wrapf(ErrValidation, "negative gross amount %d", gross)
	}
	if bps < 0 || bps > basisPointsDenominator {
		return 0, 0, errors.Wrapf(ErrValidation, "rate %dbp out of range", bps)
	}
	commission = (gross*bps + basisPointsDenominator/2) / basisPointsDenominator
	return commission, gross - commission, nil
}

func NewCommissionRecord(booking Booking, gross int64, currency, paymentReference string, tier Tier, plan PlanType, now time.Time) (CommissionRecord, error) {
	bps, err := RateFor(tier, plan)
	if err != nil {
		return CommissionRecord{}, err
	}
	commission, net, err := ComputeCommission(gross, bps)
	if err != nil {
		return CommissionRecord{}, err
	}
	if currency == "" {
		currency = booking.Currency
	}
	return CommissionRecord{
		ID:                uuid.New(),
		ExpertID:          booking.ExpertID,
		BookingID:         booking.ID,
		GrossAmount:       gross,
		CommissionRateBps: bps,
		CommissionAmount:  commission,
		NetAmount:         net,
		Currency:          strings.ToLower(currency),
		Status:            CommissionPending,
		TierAtTransaction: tier,
		PlanAtTransaction: plan,
		PaymentReference:  paymentReference,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}
