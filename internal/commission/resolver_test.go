package commission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	mu            sync.Mutex
	bookings      map[uuid.UUID]domain.Booking
	commissions   map[uuid.UUID]domain.CommissionRecord
	subscriptions map[string]domain.Subscription
	inserts       int
	insertErr     error
	subErr        error
	refunded      []uuid.UUID
}

func newMemLedger() *memLedger {
	return &memLedger{
		bookings:      map[uuid.UUID]domain.Booking{},
		commissions:   map[uuid.UUID]domain.CommissionRecord{},
		subscriptions: map[string]domain.Subscription{},
	}
}

func (l *memLedger) GetBooking(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (l *memLedger) CommissionByBooking(_ context.Context, bookingID uuid.UUID) (*domain.CommissionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.commissions[bookingID]
	if !ok {
		return nil, errors.Wrap(domain.ErrNotFound, "commission")
	}
	return &c, nil
}

func (l *memLedger) InsertCommission(_ context.Context, rec domain.CommissionRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return false, l.insertErr
	}
	if _, ok := l.commissions[rec.BookingID]; ok {
		return false, nil
	}
	l.inserts++
	l.commissions[rec.BookingID] = rec
	return true, nil
}

func (l *memLedger) RefundBooking(_ context.Context, bookingID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refunded = append(l.refunded, bookingID)
	if c, ok := l.commissions[bookingID]; ok {
		c.Status = domain.CommissionRefunded
		l.commissions[bookingID] = c
	}
	return nil
}

func (l *memLedger) Subscription(_ context.Context, orgID string) (*domain.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subErr != nil {
		return nil, l.subErr
	}
	s, ok := l.subscriptions[orgID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (l *memLedger) setPlan(orgID string, plan domain.PlanType, status domain.SubscriptionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscriptions[orgID] = domain.Subscription{OrgID: orgID, PlanType: plan, TierLevel: domain.TierCommunity, Status: status}
}

type fakeDirectory struct {
	tiers map[string]domain.Tier
	orgs  map[string]string
}

func (d fakeDirectory) ExpertTier(_ context.Context, expertID string) (domain.Tier, error) {
	t, ok := d.tiers[expertID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return t, nil
}

func (d fakeDirectory) OrganizationForUser(_ context.Context, userID string) (string, error) {
	o, ok := d.orgs[userID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return o, nil
}

type nopAuditor struct{}

func (nopAuditor) LogCommission(context.Context, domain.CommissionRecord) error { return nil }

func newResolver(t *testing.T, ledger *memLedger) *Resolver {
	t.Helper()
	l, _ := test.NewNullLogger()
	dir := fakeDirectory{
		tiers: map[string]domain.Tier{"exp-1": domain.TierCommunity, "exp-top": domain.TierTop, "exp-solo": domain.TierCommunity},
		orgs:  map[string]string{"exp-1": "org-1", "exp-top": "org-2", "exp-solo": ""},
	}
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return NewResolver(ledger, dir, nopAuditor{}, observability.Wrap(l), func() time.Time { return now })
}

func addBooking(l *memLedger, expertID string, gross int64) domain.Booking {
	b := domain.Booking{
		ID:               uuid.New(),
		ExpertID:         expertID,
		PaymentReference: "pay_" + uuid.NewString(),
		PaymentStatus:    domain.PaymentSucceeded,
		GrossAmount:      gross,
		Currency:         "eur",
	}
	l.mu.Lock()
	l.bookings[b.ID] = b
	l.mu.Unlock()
	return b
}

func TestRecordCommission_Amounts(t *testing.T) {
	tests := []struct {
		name           string
		expert         string
		plan           domain.PlanType
		gross          int64
		wantBps        int64
		wantCommission int64
		wantNet        int64
	}{
		{"community on commission plan", "exp-1", "", 10000, 2000, 2000, 8000},
		{"community on monthly", "exp-1", domain.PlanMonthly, 4900, 1200, 588, 4312},
		{"top on annual", "exp-top", domain.PlanAnnual, 10000, 800, 800, 9200},
		{"top on team", "exp-top", domain.PlanTeam, 10000, 600, 600, 9400},
		{"independent expert", "exp-solo", "", 10000, 2000, 2000, 8000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newMemLedger()
			if tt.plan != "" {
				ledger.setPlan("org-1", tt.plan, domain.SubscriptionActive)
				ledger.setPlan("org-2", tt.plan, domain.SubscriptionActive)
			}
			b := addBooking(ledger, tt.expert, tt.gross)

			rec := newResolver(t, ledger).RecordCommission(context.Background(), b.ID, tt.gross, "EUR", b.PaymentReference)
			require.NotNil(t, rec)
			assert.Equal(t, tt.wantBps, rec.CommissionRateBps)
			assert.Equal(t, tt.wantCommission, rec.CommissionAmount)
			assert.Equal(t, tt.wantNet, rec.NetAmount)
			assert.Equal(t, "eur", rec.Currency)
			assert.Equal(t, b.PaymentReference, rec.PaymentReference)
		})
	}
}

func TestRecordCommission_IdempotentAcrossPlanChange(t *testing.T) {
	ledger := newMemLedger()
	ledger.setPlan("org-1", domain.PlanAnnual, domain.SubscriptionActive)
	b := addBooking(ledger, "exp-1", 10000)
	r := newResolver(t, ledger)
	ctx := context.Background()

	first := r.RecordCommission(ctx, b.ID, 10000, "eur", b.PaymentReference)
	require.NotNil(t, first)
	assert.Equal(t, domain.PlanAnnual, first.PlanAtTransaction)
	assert.Equal(t, int64(1200), first.CommissionRateBps)

	// Downgrade after settlement.
	ledger.setPlan("org-1", domain.PlanCommission, domain.SubscriptionCanceled)

	second := r.RecordCommission(ctx, b.ID, 10000, "eur", b.PaymentReference)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.PlanAnnual, second.PlanAtTransaction)
	assert.Equal(t, int64(1200), second.CommissionRateBps)
	assert.Equal(t, 1, ledger.inserts)

	rate, err := r.CurrentCommissionRate(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCommission, rate.Plan)
	assert.Equal(t, int64(2000), rate.Bps)
}

func TestRecordCommission_ParallelCallsConverge(t *testing.T) {
	ledger := newMemLedger()
	b := addBooking(ledger, "exp-1", 10000)
	r := newResolver(t, ledger)

	const calls = 8
	recs := make([]*domain.CommissionRecord, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = r.RecordCommission(context.Background(), b.ID, 10000, "eur", b.PaymentReference)
		}(i)
	}
	wg.Wait()

	for _, rec := range recs {
		require.NotNil(t, rec)
		assert.Equal(t, recs[0].ID, rec.ID)
	}
	assert.Equal(t, 1, ledger.inserts)
}

func TestRecordCommission_FailuresReturnNil(t *testing.T) {
	t.Run("unknown booking", func(t *testing.T) {
		ledger := newMemLedger()
		assert.Nil(t, newResolver(t, ledger).RecordCommission(context.Background(), uuid.New(), 10000, "eur", "pay_1"))
	})
	t.Run("subscription lookup fails", func(t *testing.T) {
		ledger := newMemLedger()
		ledger.subErr = errors.New("connection refused")
		b := addBooking(ledger, "exp-1", 10000)
		assert.Nil(t, newResolver(t, ledger).RecordCommission(context.Background(), b.ID, 10000, "eur", b.PaymentReference))
	})
	t.Run("insert fails", func(t *testing.T) {
		ledger := newMemLedger()
		ledger.insertErr = errors.New("connection reset")
		b := addBooking(ledger, "exp-1", 10000)
		assert.Nil(t, newResolver(t, ledger).RecordCommission(context.Background(), b.ID, 10000, "eur", b.PaymentReference))
		assert.Empty(t, ledger.commissions)
	})
	t.Run("negative amount", func(t *testing.T) {
		ledger := newMemLedger()
		b := addBooking(ledger, "exp-1", 10000)
		assert.Nil(t, newResolver(t, ledger).RecordCommission(context.Background(), b.ID, -1, "eur", b.PaymentReference))
	})
}

func TestCurrentCommissionRate_PendingCancellationKeepsPlan(t *testing.T) {
	ledger := newMemLedger()
	ledger.mu.Lock()
	ledger.subscriptions["org-2"] = domain.Subscription{
		OrgID: "org-2", PlanType: domain.PlanMonthly, TierLevel: domain.TierCommunity,
		Status: domain.SubscriptionActive, CancelAtPeriodEnd: true,
	}
	ledger.mu.Unlock()

	rate, err := newResolver(t, ledger).CurrentCommissionRate(context.Background(), "exp-top")
	require.NoError(t, err)
	assert.Equal(t, Rate{ExpertID: "exp-top", Tier: domain.TierTop, Plan: domain.PlanMonthly, Bps: 800}, rate)
}

func TestRefundCommission(t *testing.T) {
	ledger := newMemLedger()
	b := addBooking(ledger, "exp-1", 10000)
	r := newResolver(t, ledger)

	require.NotNil(t, r.RecordCommission(context.Background(), b.ID, 10000, "eur", b.PaymentReference))
	require.NoError(t, r.RefundCommission(context.Background(), b.ID))

	assert.Equal(t, []uuid.UUID{b.ID}, ledger.refunded)
	assert.Equal(t, domain.CommissionRefunded, ledger.commissions[b.ID].Status)
	assert.Equal(t, int64(2000), ledger.commissions[b.ID].CommissionAmount)
}
