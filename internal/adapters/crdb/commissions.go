package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expert-bookings/internal/domain"
)

const commissionColumns = `id, expert_id, booking_id, gross_amount, commission_rate_bps, commission_amount, net_amount,
	currency, status, tier_level_at_transaction, plan_type_at_transaction, payment_reference, created_at, updated_at`

type commissionEvent struct {
	CommissionID      uuid.UUID       `json:"commission_id"`
	BookingID         uuid.UUID       `json:"booking_id"`
	ExpertID          string          `json:"expert_id"`
	GrossAmount       int64           `json:"gross_amount"`
	CommissionRateBps int64           `json:"commission_rate_bps"`
	CommissionAmount  int64           `json:"commission_amount"`
	NetAmount         int64           `json:"net_amount"`
	Currency          string          `json:"currency"`
	Tier              domain.Tier     `json:"tier"`
	Plan              domain.PlanType `json:"plan"`
}

func newCommissionEvent(rec domain.CommissionRecord) commissionEvent {
	return commissionEvent{
		CommissionID:      rec.ID,
		BookingID:         rec.BookingID,
		ExpertID:          rec.ExpertID,
		GrossAmount:       rec.GrossAmount,
		CommissionRateBps: rec.CommissionRateBps,
		CommissionAmount:  rec.CommissionAmount,
		NetAmount:         rec.NetAmount,
		Currency:          rec.Currency,
		Tier:              rec.TierAtTransaction,
		Plan:              rec.PlanAtTransaction,
	}
}

func scanCommission(row pgx.Row) (domain.CommissionRecord, error) {
	var c domain.CommissionRecord
	err := row.Scan(&c.ID, &c.ExpertID, &c.BookingID, &c.GrossAmount, &c.CommissionRateBps, &c.CommissionAmount, &c.NetAmount,
		&c.Currency, &c.Status, &c.TierAtTransaction, &c.PlanAtTransaction, &c.PaymentReference, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (r *Repository) CommissionByBooking(ctx context.Context, bookingID uuid.UUID) (*domain.CommissionRecord, error) {
	c, err := scanCommission(r.db.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commission_records WHERE booking_id = $1`, bookingID))
	if isNoRows(err) {
		return nil, errors.Wrapf(domain.ErrNotFound, "commission for booking %s", bookingID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "commission for booking %s", bookingID)
	}
	return &c, nil
}

// InsertCommission stores rec unless the booking already has a record.
// inserted is false when another writer got there first.
func (r *Repository) InsertCommission(ctx context.Context, rec domain.CommissionRecord) (inserted bool, err error) {
	err = r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO commission_records (id, expert_id, booking_id, gross_amount, commission_rate_bps, commission_amount, net_amount,
				currency, status, tier_level_at_transaction, plan_type_at_transaction, payment_reference, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (booking_id) DO NOTHING
		`, rec.ID, rec.ExpertID, rec.BookingID, rec.GrossAmount, rec.CommissionRateBps, rec.CommissionAmount, rec.NetAmount,
			rec.Currency, string(rec.Status), string(rec.TierAtTransaction), string(rec.PlanAtTransaction), rec.PaymentReference, rec.CreatedAt)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() > 0
		if !inserted {
			return nil
		}
		return r.insertEvent(ctx, tx, "commission", rec.BookingID.String(), EventCommissionRecorded, newCommissionEvent(rec))
	})
	return inserted, errors.Wrapf(err, "insert commission for booking %s", rec.BookingID)
}

// RefundBooking moves the booking and its commission record, if any, to
// refunded. Refunding twice is a no-op.
func (r *Repository) RefundBooking(ctx context.Context, bookingID uuid.UUID) error {
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE bookings SET payment_status = 'refunded', updated_at = now()
			WHERE id = $1 AND payment_status <> 'refunded'
		`, bookingID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			if err := r.insertEvent(ctx, tx, "booking", bookingID.String(), EventBookingRefunded, map[string]any{"booking_id": bookingID}); err != nil {
				return err
			}
		}

		tag, err = tx.Exec(ctx, `
			UPDATE commission_records SET status = 'refunded', updated_at = now()
			WHERE booking_id = $1 AND status <> 'refunded'
		`, bookingID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return r.insertEvent(ctx, tx, "commission", bookingID.String(), EventCommissionRefunded, map[string]any{"booking_id": bookingID})
		}
		return nil
	})
	return errors.Wrapf(err, "refund booking %s", bookingID)
}
