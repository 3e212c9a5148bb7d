package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")

	// Booking guard outcomes. Callers branch on these with errors.Is.
	ErrSlotAlreadyBooked       = errors.New("slot already booked")
	ErrSlotTemporarilyReserved = errors.New("slot temporarily reserved")
	ErrInvalidTimeSlot         = errors.New("invalid time slot")
	ErrEventNotFound           = errors.New("event not found")
	ErrValidation              = errors.New("validation error")
	ErrCreation                = errors.New("creation error")

	ErrDuplicatePayment  = errors.New("duplicate payment reference")
	ErrUnknownRate       = errors.New("unknown commission rate")
	ErrInvalidTransition = errors.New("invalid subscription transition")
	ErrDuplicateEvent    = errors.New("duplicate event")
)

// IsGuardFailure reports whether err is an expected business outcome of the
// booking guards rather than an infrastructure failure.
func IsGuardFailure(err error) bool {
	return errors.IsAny(err,
		ErrSlotAlreadyBooked,
		ErrSlotTemporarilyReserved,
		ErrInvalidTimeSlot,
		ErrEventNotFound,
		ErrValidation,
	)
}
