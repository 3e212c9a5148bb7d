package domain

import (
	"time"

	"github.com/google/uuid"
)

func NewReservation(expertID string, startTime time.Time, guest string, ttl time.Duration, now time.Time) Reservation {
	return Reservation{
		ID:              uuid.New(),
		ExpertID:        expertID,
		StartTime:       startTime.UTC(),
		GuestIdentifier: NormalizeGuest(guest),
		ExpiresAt:       now.Add(ttl),
	}
}

// Live reports whether the hold is still in effect at now. Expired holds are
// treated as absent everywhere.
func (r Reservation) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Blocks reports whether the hold prevents guest from taking the slot.
// A hold never blocks its own guest.
func (r Reservation) Blocks(guest string, now time.Time) bool {
	return r.Live(now) && r.GuestIdentifier != NormalizeGuest(guest)
}
