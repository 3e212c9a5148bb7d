package gcal

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const defaultCalendarID = "primary"

// Provider creates events with a Google Meet link and reads free/busy.
type Provider struct {
	svc    *calendar.Service
	logger observability.Logger
}

func NewProvider(ctx context.Context, logger observability.Logger, opts ...option.ClientOption) (*Provider, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "calendar service")
	}
	return &Provider{svc: svc, logger: logger}, nil
}

func calendarID(id string) string {
	if id == "" {
		return defaultCalendarID
	}
	return id
}

// CreateEvent returns the conference link of the new event, or its calendar
// link when no conference was attached.
func (p *Provider) CreateEvent(ctx context.Context, e domain.CalendarEvent) (string, error) {
	ev := &calendar.Event{
		Summary: e.Title,
		Start:   &calendar.EventDateTime{DateTime: e.Start.Format(time.RFC3339), TimeZone: e.Timezone},
		End:     &calendar.EventDateTime{DateTime: e.End.Format(time.RFC3339), TimeZone: e.Timezone},
		Attendees: []*calendar.EventAttendee{
			{Email: e.GuestEmail, DisplayName: e.GuestName},
		},
		ConferenceData: &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             uuid.NewString(),
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		},
	}
	created, err := p.svc.Events.Insert(calendarID(e.CalendarID), ev).ConferenceDataVersion(1).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "insert calendar event")
	}
	p.logger.WithField("event_id", created.Id).Debug("calendar event created")
	if created.HangoutLink != "" {
		return created.HangoutLink, nil
	}
	return created.HtmlLink, nil
}

func (p *Provider) BusyTimes(ctx context.Context, calID string, from, to time.Time) ([]domain.TimeRange, error) {
	id := calendarID(calID)
	resp, err := p.svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: id}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "query free/busy")
	}
	cal, ok := resp.Calendars[id]
	if !ok {
		return nil, nil
	}
	if len(cal.Errors) > 0 {
		return nil, errors.Newf("free/busy for %s: %s", id, cal.Errors[0].Reason)
	}
	busy := make([]domain.TimeRange, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		start, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			return nil, errors.Wrapf(err, "busy start %q", period.Start)
		}
		end, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			return nil, errors.Wrapf(err, "busy end %q", period.End)
		}
		busy = append(busy, domain.TimeRange{Start: start, End: end})
	}
	return busy, nil
}

// Noop is used when no calendar credentials are configured: no meeting links
// and no external busy times.
type Noop struct{}

func (Noop) CreateEvent(context.Context, domain.CalendarEvent) (string, error) {
	return "", nil
}

func (Noop) BusyTimes(context.Context, string, time.Time, time.Time) ([]domain.TimeRange, error) {
	return nil, nil
}
