package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expert-bookings/internal/domain"
)

const bookingPaymentRefIndex = "bookings_payment_ref_uq"

const bookingColumns = `id, expert_id, event_type_id, guest_identifier, guest_name, start_time, end_time, timezone,
	COALESCE(payment_reference, ''), COALESCE(payment_session_reference, ''), payment_status,
	gross_amount, currency, meeting_url, created_at, updated_at`

type bookingCreated struct {
	BookingID     uuid.UUID            `json:"booking_id"`
	ExpertID      string               `json:"expert_id"`
	EventTypeID   uuid.UUID            `json:"event_type_id"`
	Guest         string               `json:"guest"`
	StartTime     time.Time            `json:"start_time"`
	EndTime       time.Time            `json:"end_time"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	GrossAmount   int64                `json:"gross_amount"`
	Currency      string               `json:"currency"`
}

func scanBooking(row pgx.Row) (domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(&b.ID, &b.ExpertID, &b.EventTypeID, &b.GuestIdentifier, &b.GuestName, &b.StartTime, &b.EndTime, &b.Timezone,
		&b.PaymentReference, &b.PaymentSessionReference, &b.PaymentStatus,
		&b.GrossAmount, &b.Currency, &b.MeetingURL, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *Repository) queryBooking(ctx context.Context, query string, args ...any) (*domain.Booking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) queryBookings(ctx context.Context, query string, args ...any) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Booking, error) {
		return scanBooking(row)
	})
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, err := r.queryBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return b, errors.Wrapf(err, "get booking %s", id)
}

func (r *Repository) BookingByPaymentReference(ctx context.Context, ref string) (*domain.Booking, error) {
	b, err := r.queryBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE payment_reference = $1`, ref)
	return b, errors.Wrapf(err, "booking by payment reference %s", ref)
}

// BookingByGuestSlot finds the booking guest already holds for the event type
// at start. Refunded and failed bookings are ignored.
func (r *Repository) BookingByGuestSlot(ctx context.Context, eventTypeID uuid.UUID, start time.Time, guest string) (*domain.Booking, error) {
	b, err := r.queryBooking(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE event_type_id = $1 AND start_time = $2 AND guest_identifier = $3
		AND payment_status NOT IN ('refunded', 'failed')
		ORDER BY created_at ASC LIMIT 1
	`, eventTypeID, start.UTC(), domain.NormalizeGuest(guest))
	return b, errors.Wrap(err, "booking by guest slot")
}

// SlotBookings returns bookings that still hold the slot, matched either by
// event type or by expert at the same start time.
func (r *Repository) SlotBookings(ctx context.Context, eventTypeID uuid.UUID, expertID string, start time.Time) ([]domain.Booking, error) {
	bookings, err := r.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE (event_type_id = $1 OR expert_id = $2) AND start_time = $3
		AND payment_status NOT IN ('refunded', 'failed')
	`, eventTypeID, expertID, start.UTC())
	return bookings, errors.Wrap(err, "slot bookings")
}

// ExpertBookingsBetween returns the expert's slot-holding bookings
// overlapping [from, to).
func (r *Repository) ExpertBookingsBetween(ctx context.Context, expertID string, from, to time.Time) ([]domain.Booking, error) {
	bookings, err := r.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE expert_id = $1 AND start_time < $3 AND end_time > $2
		AND payment_status NOT IN ('refunded', 'failed')
	`, expertID, from.UTC(), to.UTC())
	return bookings, errors.Wrapf(err, "bookings of expert %s", expertID)
}

// InsertBooking stores b and its outbox event in one transaction. A
// collision on the slot index yields domain.ErrConflict, a collision on the
// payment reference domain.ErrDuplicatePayment.
func (r *Repository) InsertBooking(ctx context.Context, b domain.Booking) error {
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (id, expert_id, event_type_id, guest_identifier, guest_name, start_time, end_time, timezone,
				payment_reference, payment_session_reference, payment_status, gross_amount, currency, meeting_url, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		`, b.ID, b.ExpertID, b.EventTypeID, b.GuestIdentifier, b.GuestName, b.StartTime.UTC(), b.EndTime.UTC(), b.Timezone,
			nullable(b.PaymentReference), nullable(b.PaymentSessionReference), string(b.PaymentStatus), b.GrossAmount, b.Currency, b.MeetingURL, b.CreatedAt)
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == bookingPaymentRefIndex {
				return errors.Wrapf(domain.ErrDuplicatePayment, "payment reference %s", b.PaymentReference)
			}
			return errors.Wrapf(domain.ErrConflict, "slot %s at %s (%s)", b.ExpertID, b.StartTime.Format(time.RFC3339), constraint)
		}
		if err != nil {
			return err
		}
		return r.insertEvent(ctx, tx, "booking", b.ID.String(), EventBookingCreated, bookingCreated{
			BookingID:     b.ID,
			ExpertID:      b.ExpertID,
			EventTypeID:   b.EventTypeID,
			Guest:         b.GuestIdentifier,
			StartTime:     b.StartTime,
			EndTime:       b.EndTime,
			PaymentStatus: b.PaymentStatus,
			GrossAmount:   b.GrossAmount,
			Currency:      b.Currency,
		})
	})
	return errors.Wrapf(err, "insert booking %s", b.ID)
}

type bookingPaymentAdvanced struct {
	BookingID        uuid.UUID            `json:"booking_id"`
	PaymentReference string               `json:"payment_reference,omitempty"`
	PaymentStatus    domain.PaymentStatus `json:"payment_status"`
}

// AdvancePaymentStatus moves the booking's payment status forward to
// status and writes an outbox event in the same transaction. It returns
// domain.ErrNotFound when the booking is missing or already at or past
// status.
func (r *Repository) AdvancePaymentStatus(ctx context.Context, id uuid.UUID, status domain.PaymentStatus) (*domain.Booking, error) {
	from := make([]string, 0, 2)
	for _, s := range domain.AdvanceableTo(status) {
		from = append(from, string(s))
	}
	if len(from) == 0 {
		return nil, errors.Wrapf(domain.ErrValidation, "payment status %q is not a forward correction", status)
	}

	var b domain.Booking
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		b, err = scanBooking(tx.QueryRow(ctx, `
			UPDATE bookings SET payment_status = $2, updated_at = now()
			WHERE id = $1 AND payment_status = ANY($3)
			RETURNING `+bookingColumns, id, string(status), from))
		if isNoRows(err) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err := newOutboxRecord("booking", b.ID.String(), EventBookingPaymentAdvanced, bookingPaymentAdvanced{
			BookingID:        b.ID,
			PaymentReference: b.PaymentReference,
			PaymentStatus:    b.PaymentStatus,
		})
		if err != nil {
			return err
		}
		// One event per reached status.
		rec.DedupeKey += ":" + string(status)
		return r.InsertOutbox(ctx, tx, rec)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "advance payment of %s to %s", id, status)
	}
	return &b, nil
}

// SetMeetingURL backfills the meeting link. An existing link is kept.
func (r *Repository) SetMeetingURL(ctx context.Context, id uuid.UUID, url string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings SET meeting_url = $2, updated_at = now() WHERE id = $1 AND meeting_url = ''
	`, id, url)
	if err != nil {
		return errors.Wrapf(err, "set meeting url of %s", id)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SucceededWithoutCommission lists paid bookings older than minAge that
// have no commission record yet.
func (r *Repository) SucceededWithoutCommission(ctx context.Context, minAge time.Duration, limit int) ([]domain.Booking, error) {
	bookings, err := r.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE payment_status = 'succeeded' AND created_at <= $1
		AND NOT EXISTS (SELECT 1 FROM commission_records c WHERE c.booking_id = bookings.id)
		ORDER BY created_at ASC LIMIT $2
	`, time.Now().UTC().Add(-minAge), limit)
	return bookings, errors.Wrap(err, "bookings without commission")
}

// MissingMeetingURL lists settled upcoming bookings that have no meeting link.
func (r *Repository) MissingMeetingURL(ctx context.Context, limit int) ([]domain.Booking, error) {
	bookings, err := r.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE meeting_url = '' AND payment_status IN ('succeeded', 'processing') AND start_time > now()
		ORDER BY start_time ASC LIMIT $1
	`, limit)
	return bookings, errors.Wrap(err, "bookings missing meeting url")
}
