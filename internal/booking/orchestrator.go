package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("booking")

type Outcome string

const (
	OutcomeCreated             Outcome = "created"
	OutcomeDuplicateSuppressed Outcome = "duplicate_suppressed"
)

// ConfirmRequest carries a paid (or free) slot that should become a booking.
type ConfirmRequest struct {
	ExpertID                string               `json:"expert_id" validate:"required,max=128"`
	EventTypeID             uuid.UUID            `json:"event_type_id" validate:"required"`
	GuestIdentifier         string               `json:"guest_identifier" validate:"required,email"`
	GuestName               string               `json:"guest_name" validate:"max=200"`
	StartTime               time.Time            `json:"start_time"`
	Timezone                string               `json:"timezone" validate:"omitempty,timezone"`
	PaymentStatus           domain.PaymentStatus `json:"payment_status" validate:"required"`
	PaymentReference        string               `json:"payment_reference" validate:"max=255"`
	PaymentSessionReference string               `json:"payment_session_reference" validate:"max=255"`
	GrossAmount             int64                `json:"gross_amount" validate:"gte=0"`
	Currency                string               `json:"currency" validate:"omitempty,len=3"`
	// CheckoutStartedAt is when the payment session was opened, if known.
	CheckoutStartedAt time.Time `json:"checkout_started_at"`
}

type Result struct {
	Booking domain.Booking
	Outcome Outcome
}

type Deps struct {
	Store     ReservationStore
	Ledger    Ledger
	Catalog   Catalog
	Directory Directory
	Calendar  Calendar
	Notifier  Notifier
	Auditor   Auditor
	Logger    observability.Logger
}

type Options struct {
	// HookTimeout bounds each post-commit side effect.
	HookTimeout time.Duration
	// PaymentBypassMaxAge limits how old a checkout may be to skip the
	// availability check. Zero disables the limit.
	PaymentBypassMaxAge time.Duration
	DefaultHoldTTL      time.Duration
	Clock               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HookTimeout <= 0 {
		o.HookTimeout = 5 * time.Second
	}
	if o.DefaultHoldTTL <= 0 {
		o.DefaultHoldTTL = 10 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Orchestrator turns payment signals into bookings. Guards run in a fixed
// order and nothing is written until all of them pass.
type Orchestrator struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{deps: deps, opts: opts.withDefaults(), validate: validator.New()}
}

func (o *Orchestrator) ConfirmBooking(ctx context.Context, req ConfirmRequest) (Result, error) {
	ctx, span := tracer.Start(ctx, "booking.ConfirmBooking")
	defer span.End()
	span.SetAttributes(
		attribute.String("expert_id", req.ExpertID),
		attribute.String("event_type_id", req.EventTypeID.String()),
		attribute.String("payment_status", string(req.PaymentStatus)),
	)

	res, err := o.confirm(ctx, req)
	switch {
	case err == nil:
		observability.BookingsTotal.WithLabelValues(string(res.Outcome)).Inc()
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	case domain.IsGuardFailure(err):
		observability.BookingsTotal.WithLabelValues(guardLabel(err)).Inc()
		span.SetAttributes(attribute.String("outcome", guardLabel(err)))
	default:
		observability.BookingsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func guardLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrSlotAlreadyBooked):
		return "slot_already_booked"
	case errors.Is(err, domain.ErrSlotTemporarilyReserved):
		return "slot_temporarily_reserved"
	case errors.Is(err, domain.ErrInvalidTimeSlot):
		return "invalid_time_slot"
	case errors.Is(err, domain.ErrEventNotFound):
		return "event_not_found"
	}
	return "validation"
}

func (o *Orchestrator) confirm(ctx context.Context, req ConfirmRequest) (Result, error) {
	if err := o.validateRequest(req); err != nil {
		return Result{}, err
	}
	now := o.opts.Clock()
	guest := domain.NormalizeGuest(req.GuestIdentifier)
	start := req.StartTime.UTC()
	log := o.deps.Logger.WithFields(map[string]interface{}{
		"expert_id":         req.ExpertID,
		"event_type_id":     req.EventTypeID,
		"start_time":        start,
		"payment_reference": req.PaymentReference,
	})

	// 1. Replays of the same payment or the same guest slot.
	if existing, err := o.findReplay(ctx, req.EventTypeID, start, guest, req.PaymentReference); err != nil || existing != nil {
		if err != nil {
			return Result{}, err
		}
		if existing.PaymentStatus.CanAdvanceTo(req.PaymentStatus) {
			if existing, err = o.advancePayment(ctx, *existing, req.PaymentStatus); err != nil {
				return Result{}, err
			}
			log.WithFields(map[string]interface{}{"booking_id": existing.ID, "payment_status": existing.PaymentStatus}).Info("booking payment advanced")
		} else {
			log.Info("booking replay suppressed")
		}
		return Result{Booking: *existing, Outcome: OutcomeDuplicateSuppressed}, nil
	}

	// 2. Another guest already owns the slot.
	held, err := o.deps.Ledger.SlotBookings(ctx, req.EventTypeID, req.ExpertID, start)
	if err != nil {
		return Result{}, err
	}
	if len(held) > 0 {
		return Result{}, errors.Wrapf(domain.ErrSlotAlreadyBooked, "expert %s at %s", req.ExpertID, start.Format(time.RFC3339))
	}

	// 3. A live reservation of another guest.
	hold, err := o.deps.Store.ActiveHold(ctx, req.ExpertID, start)
	if err != nil {
		// The ledger constraint still guarantees exclusivity.
		log.Warn("reservation lookup failed: ", err)
	}
	if hold != nil && hold.Blocks(guest, now) {
		return Result{}, errors.Wrapf(domain.ErrSlotTemporarilyReserved, "expert %s at %s", req.ExpertID, start.Format(time.RFC3339))
	}

	// 4. Event type.
	et, err := o.deps.Catalog.EventType(ctx, req.EventTypeID)
	if err != nil {
		return Result{}, err
	}
	if !et.Active || et.ExpertID != req.ExpertID {
		return Result{}, errors.Wrapf(domain.ErrEventNotFound, "event type %s of expert %s", req.EventTypeID, req.ExpertID)
	}
	slot := domain.TimeRange{Start: start, End: start.Add(et.Duration())}

	profile, err := o.deps.Directory.ExpertProfile(ctx, req.ExpertID)
	if errors.Is(err, domain.ErrNotFound) {
		profile = &domain.ExpertProfile{ExpertID: req.ExpertID}
	} else if err != nil {
		return Result{}, err
	}

	// 5. Time-slot validity, unless a settled payment vouches for the slot.
	if o.bypassSlotCheck(req, now) {
		log.Info("slot check bypassed for settled payment")
	} else {
		ok, err := o.slotAvailable(ctx, profile, slot, now)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, errors.Wrapf(domain.ErrInvalidTimeSlot, "expert %s at %s", req.ExpertID, start.Format(time.RFC3339))
		}
	}

	b := domain.Booking{
		ID:                      uuid.New(),
		ExpertID:                req.ExpertID,
		EventTypeID:             req.EventTypeID,
		GuestIdentifier:         guest,
		GuestName:               req.GuestName,
		StartTime:               slot.Start,
		EndTime:                 slot.End,
		Timezone:                req.Timezone,
		PaymentReference:        req.PaymentReference,
		PaymentSessionReference: req.PaymentSessionReference,
		PaymentStatus:           req.PaymentStatus,
		GrossAmount:             req.GrossAmount,
		Currency:                req.Currency,
		CreatedAt:               now.UTC(),
		UpdatedAt:               now.UTC(),
	}
	if b.Currency == "" {
		b.Currency = et.Currency
	}

	// 6. Calendar event for paid bookings.
	if b.PaymentStatus.Settled() {
		b.MeetingURL = o.createCalendarEvent(ctx, log, profile, et, b)
	}

	// 7. Durable insert.
	if err := o.deps.Ledger.InsertBooking(ctx, b); err != nil {
		return o.resolveInsertFailure(ctx, req, guest, start, err)
	}
	log.WithField("booking_id", b.ID).Info("booking created")

	if hold != nil {
		if err := o.deps.Store.Release(ctx, hold.ID); err != nil {
			log.Warn("release reservation: ", err)
		}
	}

	// 8. Best-effort side effects.
	o.runHooks(ctx, log, profile, et, b)
	return Result{Booking: b, Outcome: OutcomeCreated}, nil
}

func (o *Orchestrator) validateRequest(req ConfirmRequest) error {
	if err := o.validate.Struct(req); err != nil {
		return errors.Wrapf(domain.ErrValidation, "%v", err)
	}
	if req.StartTime.IsZero() {
		return errors.Wrap(domain.ErrValidation, "start_time is required")
	}
	switch req.PaymentStatus {
	case domain.PaymentSucceeded, domain.PaymentProcessing:
		if req.PaymentReference == "" {
			return errors.Wrapf(domain.ErrValidation, "payment_reference is required for %s bookings", req.PaymentStatus)
		}
	case domain.PaymentPending, domain.PaymentFree:
	default:
		return errors.Wrapf(domain.ErrValidation, "cannot confirm a booking with payment status %q", req.PaymentStatus)
	}
	return nil
}

func (o *Orchestrator) findReplay(ctx context.Context, eventTypeID uuid.UUID, start time.Time, guest, paymentRef string) (*domain.Booking, error) {
	if paymentRef != "" {
		b, err := o.deps.Ledger.BookingByPaymentReference(ctx, paymentRef)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	b, err := o.deps.Ledger.BookingByGuestSlot(ctx, eventTypeID, start, guest)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// advancePayment records a later payment status for a replayed booking. A
// concurrent delivery that advanced it first is read back.
func (o *Orchestrator) advancePayment(ctx context.Context, b domain.Booking, status domain.PaymentStatus) (*domain.Booking, error) {
	advanced, err := o.deps.Ledger.AdvancePaymentStatus(ctx, b.ID, status)
	if errors.Is(err, domain.ErrNotFound) {
		return o.deps.Ledger.GetBooking(ctx, b.ID)
	}
	return advanced, err
}

func (o *Orchestrator) bypassSlotCheck(req ConfirmRequest, now time.Time) bool {
	if req.PaymentStatus != domain.PaymentSucceeded || req.PaymentSessionReference == "" {
		return false
	}
	if o.opts.PaymentBypassMaxAge <= 0 || req.CheckoutStartedAt.IsZero() {
		return true
	}
	return now.Sub(req.CheckoutStartedAt) <= o.opts.PaymentBypassMaxAge
}

// slotAvailable checks the weekly schedule, the expert's calendar and the
// expert's other bookings.
func (o *Orchestrator) slotAvailable(ctx context.Context, profile *domain.ExpertProfile, slot domain.TimeRange, now time.Time) (bool, error) {
	if !slot.Start.After(now) {
		return false, nil
	}
	avail, err := o.deps.Catalog.Availability(ctx, profile.ExpertID)
	if err != nil {
		return false, err
	}
	if ok, err := avail.Covers(slot); err != nil || !ok {
		return false, err
	}

	busy, err := o.deps.Calendar.BusyTimes(ctx, profile.CalendarID, slot.Start, slot.End)
	if err != nil {
		return false, errors.Wrap(err, "calendar busy times")
	}
	others, err := o.deps.Ledger.ExpertBookingsBetween(ctx, profile.ExpertID, slot.Start, slot.End)
	if err != nil {
		return false, err
	}
	for _, b := range others {
		// Taken since guard 2 ran.
		if b.StartTime.Equal(slot.Start) {
			return false, errors.Wrapf(domain.ErrSlotAlreadyBooked, "expert %s at %s", profile.ExpertID, slot.Start.Format(time.RFC3339))
		}
		busy = append(busy, domain.TimeRange{Start: b.StartTime, End: b.EndTime})
	}
	return domain.SlotAvailable(avail, slot, busy)
}

func calendarEvent(profile *domain.ExpertProfile, et *domain.EventType, b domain.Booking) domain.CalendarEvent {
	return domain.CalendarEvent{
		CalendarID: profile.CalendarID,
		Title:      et.Title,
		Start:      b.StartTime,
		End:        b.EndTime,
		Timezone:   b.Timezone,
		GuestEmail: b.GuestIdentifier,
		GuestName:  b.GuestName,
	}
}

func (o *Orchestrator) createCalendarEvent(ctx context.Context, log observability.Logger, profile *domain.ExpertProfile, et *domain.EventType, b domain.Booking) string {
	hctx, cancel := context.WithTimeout(ctx, o.opts.HookTimeout)
	defer cancel()
	url, err := o.deps.Calendar.CreateEvent(hctx, calendarEvent(profile, et, b))
	if err != nil {
		observability.HookFailures.WithLabelValues("calendar").Inc()
		log.Warn("calendar event not created: ", err)
		return ""
	}
	return url
}

// BackfillMeetingURL creates the calendar event of a settled booking that
// was stored without a meeting link. An empty url means the calendar
// provider issued none.
func (o *Orchestrator) BackfillMeetingURL(ctx context.Context, b domain.Booking) (string, error) {
	if !b.PaymentStatus.Settled() || b.MeetingURL != "" {
		return b.MeetingURL, nil
	}
	et, err := o.deps.Catalog.EventType(ctx, b.EventTypeID)
	if err != nil {
		return "", err
	}
	profile, err := o.deps.Directory.ExpertProfile(ctx, b.ExpertID)
	if errors.Is(err, domain.ErrNotFound) {
		profile = &domain.ExpertProfile{ExpertID: b.ExpertID}
	} else if err != nil {
		return "", err
	}

	hctx, cancel := context.WithTimeout(ctx, o.opts.HookTimeout)
	defer cancel()
	url, err := o.deps.Calendar.CreateEvent(hctx, calendarEvent(profile, et, b))
	if err != nil || url == "" {
		return "", err
	}
	if err := o.deps.Ledger.SetMeetingURL(ctx, b.ID, url); err != nil {
		return "", err
	}
	return url, nil
}

// resolveInsertFailure re-reads the ledger after a rejected insert so that
// a concurrent delivery of the same payment still reports success.
func (o *Orchestrator) resolveInsertFailure(ctx context.Context, req ConfirmRequest, guest string, start time.Time, insertErr error) (Result, error) {
	if !errors.IsAny(insertErr, domain.ErrConflict, domain.ErrDuplicatePayment, domain.ErrSerializationFailure) {
		return Result{}, errors.Mark(errors.Wrap(insertErr, "create booking"), domain.ErrCreation)
	}
	existing, err := o.findReplay(ctx, req.EventTypeID, start, guest, req.PaymentReference)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Result{Booking: *existing, Outcome: OutcomeDuplicateSuppressed}, nil
	}
	if errors.Is(insertErr, domain.ErrSerializationFailure) {
		return Result{}, insertErr
	}
	return Result{}, errors.Wrapf(domain.ErrSlotAlreadyBooked, "expert %s at %s", req.ExpertID, start.Format(time.RFC3339))
}

func (o *Orchestrator) runHooks(ctx context.Context, log observability.Logger, profile *domain.ExpertProfile, et *domain.EventType, b domain.Booking) {
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	hook := func(name string, fn func(ctx context.Context) error) {
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(ctx, o.opts.HookTimeout)
			defer cancel()
			if err := fn(hctx); err != nil {
				observability.HookFailures.WithLabelValues(name).Inc()
				log.WithField("hook", name).Warn("post-booking hook failed: ", err)
			}
			return nil
		})
	}
	if profile.Email != "" {
		hook("notify", func(ctx context.Context) error {
			return o.deps.Notifier.Notify(ctx, profile.Email, domain.TemplateBookingConfirmed, map[string]any{
				"booking_id":  b.ID.String(),
				"guest":       b.GuestIdentifier,
				"guest_name":  b.GuestName,
				"title":       et.Title,
				"start_time":  b.StartTime.Format(time.RFC3339),
				"timezone":    b.Timezone,
				"meeting_url": b.MeetingURL,
			})
		})
	}
	hook("audit", func(ctx context.Context) error {
		return o.deps.Auditor.LogBooking(ctx, b)
	})
	_ = g.Wait()
}
