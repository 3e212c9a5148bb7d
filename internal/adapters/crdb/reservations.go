package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
)

// Reservations keeps slot holds in the slot_reservations table. Expiry is
// evaluated against the injected clock on every read.
type Reservations struct {
	repo  *Repository
	clock func() time.Time
}

func NewReservations(repo *Repository, clock func() time.Time) *Reservations {
	if clock == nil {
		clock = time.Now
	}
	return &Reservations{repo: repo, clock: clock}
}

// Reserve claims the slot for guest. The upsert only overwrites an expired
// hold or the guest's own hold, which keeps its id.
func (s *Reservations) Reserve(ctx context.Context, expertID string, start time.Time, guest string, ttl time.Duration) (domain.Reservation, error) {
	now := s.clock().UTC()
	res := domain.NewReservation(expertID, start, guest, ttl, now)
	err := s.repo.db.QueryRow(ctx, `
		INSERT INTO slot_reservations (id, expert_id, start_time, guest_identifier, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (expert_id, start_time) DO UPDATE SET
			id = CASE WHEN slot_reservations.guest_identifier = excluded.guest_identifier
				THEN slot_reservations.id ELSE excluded.id END,
			guest_identifier = excluded.guest_identifier,
			expires_at = excluded.expires_at
		WHERE slot_reservations.expires_at <= $6 OR slot_reservations.guest_identifier = excluded.guest_identifier
		RETURNING id
	`, res.ID, res.ExpertID, res.StartTime, res.GuestIdentifier, res.ExpiresAt, now).Scan(&res.ID)
	if isNoRows(err) {
		return domain.Reservation{}, errors.Wrapf(domain.ErrSlotTemporarilyReserved, "expert %s at %s", expertID, start.Format(time.RFC3339))
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "reserve slot")
	}
	return res, nil
}

func (s *Reservations) Release(ctx context.Context, id uuid.UUID) error {
	_, err := s.repo.db.Exec(ctx, `DELETE FROM slot_reservations WHERE id = $1`, id)
	return errors.Wrapf(err, "release reservation %s", id)
}

func (s *Reservations) ActiveHold(ctx context.Context, expertID string, start time.Time) (*domain.Reservation, error) {
	var res domain.Reservation
	err := s.repo.db.QueryRow(ctx, `
		SELECT id, expert_id, start_time, guest_identifier, expires_at
		FROM slot_reservations WHERE expert_id = $1 AND start_time = $2 AND expires_at > $3
	`, expertID, start.UTC(), s.clock().UTC()).Scan(&res.ID, &res.ExpertID, &res.StartTime, &res.GuestIdentifier, &res.ExpiresAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "active hold")
	}
	return &res, nil
}

// PurgeExpired deletes holds that expired before now. Reads already ignore
// them, so this only reclaims space.
func (s *Reservations) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.repo.db.Exec(ctx, `DELETE FROM slot_reservations WHERE expires_at <= $1`, s.clock().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "purge expired reservations")
	}
	return tag.RowsAffected(), nil
}
