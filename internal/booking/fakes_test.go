package booking

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memLedger mimics the storage constraints of the bookings table: one
// slot-holding booking per expert and start, unique payment references.
type memLedger struct {
	mu        sync.Mutex
	bookings  []domain.Booking
	insertErr error
}

func (l *memLedger) GetBooking(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bookings {
		if b.ID == id {
			return &b, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (l *memLedger) BookingByPaymentReference(_ context.Context, ref string) (*domain.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bookings {
		if b.PaymentReference == ref {
			return &b, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (l *memLedger) BookingByGuestSlot(_ context.Context, eventTypeID uuid.UUID, start time.Time, guest string) (*domain.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bookings {
		if b.EventTypeID == eventTypeID && b.StartTime.Equal(start) && b.GuestIdentifier == domain.NormalizeGuest(guest) && b.PaymentStatus.HoldsSlot() {
			return &b, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (l *memLedger) SlotBookings(_ context.Context, eventTypeID uuid.UUID, expertID string, start time.Time) ([]domain.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Booking
	for _, b := range l.bookings {
		if (b.EventTypeID == eventTypeID || b.ExpertID == expertID) && b.StartTime.Equal(start) && b.PaymentStatus.HoldsSlot() {
			out = append(out, b)
		}
	}
	return out, nil
}

func (l *memLedger) ExpertBookingsBetween(_ context.Context, expertID string, from, to time.Time) ([]domain.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Booking
	window := domain.TimeRange{Start: from, End: to}
	for _, b := range l.bookings {
		if b.ExpertID == expertID && b.PaymentStatus.HoldsSlot() && window.Overlaps(domain.TimeRange{Start: b.StartTime, End: b.EndTime}) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (l *memLedger) InsertBooking(_ context.Context, nb domain.Booking) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return l.insertErr
	}
	for _, b := range l.bookings {
		if nb.PaymentReference != "" && b.PaymentReference == nb.PaymentReference {
			return errors.Wrap(domain.ErrDuplicatePayment, "payment reference")
		}
		if b.ExpertID == nb.ExpertID && b.StartTime.Equal(nb.StartTime) && b.PaymentStatus.HoldsSlot() {
			return errors.Wrap(domain.ErrConflict, "slot")
		}
	}
	l.bookings = append(l.bookings, nb)
	return nil
}

func (l *memLedger) AdvancePaymentStatus(_ context.Context, id uuid.UUID, status domain.PaymentStatus) (*domain.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.bookings {
		if l.bookings[i].ID == id && l.bookings[i].PaymentStatus.CanAdvanceTo(status) {
			l.bookings[i].PaymentStatus = status
			b := l.bookings[i]
			return &b, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (l *memLedger) SetMeetingURL(_ context.Context, id uuid.UUID, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.bookings {
		if l.bookings[i].ID == id {
			l.bookings[i].MeetingURL = url
			return nil
		}
	}
	return domain.ErrNotFound
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bookings)
}

type memStore struct {
	mu       sync.Mutex
	clock    func() time.Time
	holds    map[string]domain.Reservation
	released []uuid.UUID
}

func newMemStore(clock func() time.Time) *memStore {
	return &memStore{clock: clock, holds: map[string]domain.Reservation{}}
}

func holdKey(expertID string, start time.Time) string {
	return expertID + "|" + start.UTC().Format(time.RFC3339)
}

func (s *memStore) Reserve(_ context.Context, expertID string, start time.Time, guest string, ttl time.Duration) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	key := holdKey(expertID, start)
	res := domain.NewReservation(expertID, start, guest, ttl, now)
	if cur, ok := s.holds[key]; ok && cur.Live(now) {
		if cur.Blocks(guest, now) {
			return domain.Reservation{}, domain.ErrSlotTemporarilyReserved
		}
		res.ID = cur.ID
	}
	s.holds[key] = res
	return res, nil
}

func (s *memStore) Release(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	for k, r := range s.holds {
		if r.ID == id {
			delete(s.holds, k)
		}
	}
	return nil
}

func (s *memStore) ActiveHold(_ context.Context, expertID string, start time.Time) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.holds[holdKey(expertID, start)]
	if !ok || !r.Live(s.clock()) {
		return nil, nil
	}
	return &r, nil
}

type fakeCatalog struct {
	eventTypes   map[uuid.UUID]domain.EventType
	availability map[string]domain.Availability
}

func (c *fakeCatalog) EventType(_ context.Context, id uuid.UUID) (*domain.EventType, error) {
	et, ok := c.eventTypes[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrEventNotFound, "event type %s", id)
	}
	return &et, nil
}

func (c *fakeCatalog) Availability(_ context.Context, expertID string) (domain.Availability, error) {
	return c.availability[expertID], nil
}

type fakeDirectory map[string]domain.ExpertProfile

func (d fakeDirectory) ExpertProfile(_ context.Context, expertID string) (*domain.ExpertProfile, error) {
	p, ok := d[expertID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

type fakeCalendar struct {
	mu        sync.Mutex
	busy      []domain.TimeRange
	createErr error
	created   []domain.CalendarEvent
}

func (c *fakeCalendar) CreateEvent(_ context.Context, e domain.CalendarEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	c.created = append(c.created, e)
	return "https://meet.example.com/" + e.Start.Format("20060102T1504"), nil
}

func (c *fakeCalendar) BusyTimes(context.Context, string, time.Time, time.Time) ([]domain.TimeRange, error) {
	return c.busy, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (n *fakeNotifier) Notify(_ context.Context, recipient, template string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recipient+":"+template)
	return n.err
}

type fakeAuditor struct {
	mu           sync.Mutex
	bookings     int
	reservations int
}

func (a *fakeAuditor) LogReservation(context.Context, domain.Reservation) error {
	a.mu.Lock()
	a.reservations++
	a.mu.Unlock()
	return nil
}

func (a *fakeAuditor) LogBooking(context.Context, domain.Booking) error {
	a.mu.Lock()
	a.bookings++
	a.mu.Unlock()
	return nil
}

// fixture wires the fakes around one expert with a Monday 09:00-17:00 UTC
// schedule and a 60 minute event type.
type fixture struct {
	clock     *fakeClock
	ledger    *memLedger
	store     *memStore
	catalog   *fakeCatalog
	calendar  *fakeCalendar
	notifier  *fakeNotifier
	auditor   *fakeAuditor
	deps      Deps
	eventType domain.EventType
	// slot is Monday 2026-03-02 10:00 UTC; now is the day before.
	slot time.Time
}

func newFixture() *fixture {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	et := domain.EventType{
		ID:              uuid.New(),
		ExpertID:        "exp-1",
		Title:           "Consultation",
		DurationMinutes: 60,
		PriceAmount:     10000,
		Currency:        "eur",
		Active:          true,
	}
	f := &fixture{
		clock:  clock,
		ledger: &memLedger{},
		store:  newMemStore(clock.Now),
		catalog: &fakeCatalog{
			eventTypes: map[uuid.UUID]domain.EventType{et.ID: et},
			availability: map[string]domain.Availability{
				"exp-1": {ExpertID: "exp-1", Timezone: "UTC", Windows: []domain.WeeklyWindow{
					{Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 17 * 60},
				}},
			},
		},
		calendar:  &fakeCalendar{},
		notifier:  &fakeNotifier{},
		auditor:   &fakeAuditor{},
		eventType: et,
		slot:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	l, _ := test.NewNullLogger()
	f.deps = Deps{
		Store:     f.store,
		Ledger:    f.ledger,
		Catalog:   f.catalog,
		Directory: fakeDirectory{"exp-1": {ExpertID: "exp-1", OrgID: "org-1", Tier: domain.TierCommunity, Email: "expert@example.com", CalendarID: "cal-1"}},
		Calendar:  f.calendar,
		Notifier:  f.notifier,
		Auditor:   f.auditor,
		Logger:    observability.Wrap(l),
	}
	return f
}

func (f *fixture) orchestrator() *Orchestrator {
	return NewOrchestrator(f.deps, Options{PaymentBypassMaxAge: 72 * time.Hour, Clock: f.clock.Now})
}

func (f *fixture) reservations() *Reservations {
	return NewReservations(f.deps, Options{DefaultHoldTTL: 10 * time.Minute, Clock: f.clock.Now})
}

func (f *fixture) paidRequest(guest, paymentRef string) ConfirmRequest {
	return ConfirmRequest{
		ExpertID:                "exp-1",
		EventTypeID:             f.eventType.ID,
		GuestIdentifier:         guest,
		GuestName:               "Guest",
		StartTime:               f.slot,
		Timezone:                "Europe/Berlin",
		PaymentStatus:           domain.PaymentSucceeded,
		PaymentReference:        paymentRef,
		PaymentSessionReference: "cs_" + paymentRef,
		GrossAmount:             10000,
		Currency:                "eur",
	}
}

func (f *fixture) freeRequest(guest string) ConfirmRequest {
	return ConfirmRequest{
		ExpertID:        "exp-1",
		EventTypeID:     f.eventType.ID,
		GuestIdentifier: guest,
		StartTime:       f.slot,
		PaymentStatus:   domain.PaymentFree,
	}
}
