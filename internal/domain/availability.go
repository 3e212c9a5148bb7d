package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// WeeklyWindow is a recurring bookable window in the expert's local time,
// expressed as minutes after midnight.
type WeeklyWindow struct {
	Weekday     time.Weekday
	StartMinute int
	EndMinute   int
}

type Availability struct {
	ExpertID string
	Timezone string
	Windows  []WeeklyWindow
}

// Covers reports whether slot lies entirely inside one weekly window once
// converted to the expert's timezone.
func (a Availability) Covers(slot TimeRange) (bool, error) {
	loc := time.UTC
	if a.Timezone != "" {
		l, err := time.LoadLocation(a.Timezone)
		if err != nil {
			return false, errors.Wrapf(err, "load timezone %q", a.Timezone)
		}
		loc = l
	}
	start := slot.Start.In(loc)
	length := slot.End.Sub(slot.Start)
	if length <= 0 {
		return false, nil
	}
	startMin := start.Hour()*60 + start.Minute()
	endMin := startMin + int(length/time.Minute)
	// Windows never span midnight.
	if endMin > 24*60 {
		return false, nil
	}
	for _, w := range a.Windows {
		if w.Weekday != start.Weekday() {
			continue
		}
		if startMin >= w.StartMinute && endMin <= w.EndMinute {
			return true, nil
		}
	}
	return false, nil
}

// SlotAvailable applies the full time-slot rule: slot is inside the weekly
// availability and overlaps neither a busy range nor another booking.
func SlotAvailable(a Availability, slot TimeRange, busy []TimeRange) (bool, error) {
	ok, err := a.Covers(slot)
	if err != nil || !ok {
		return false, err
	}
	for _, b := range busy {
		if slot.Overlaps(b) {
			return false, nil
		}
	}
	return true, nil
}
