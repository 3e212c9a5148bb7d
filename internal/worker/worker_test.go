package worker

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

type memBacklog struct {
	unpaid  []domain.Booking
	nolink  []domain.Booking
	listErr error
}

func (b *memBacklog) SucceededWithoutCommission(context.Context, time.Duration, int) ([]domain.Booking, error) {
	return b.unpaid, b.listErr
}

func (b *memBacklog) MissingMeetingURL(context.Context, int) ([]domain.Booking, error) {
	return b.nolink, nil
}

// flakyRecorder fails the first failures calls per booking.
type flakyRecorder struct {
	mu       sync.Mutex
	failures int
	calls    map[uuid.UUID]int
}

func (r *flakyRecorder) RecordCommission(_ context.Context, id uuid.UUID, gross int64, currency, ref string) *domain.CommissionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	if r.calls[id] <= r.failures {
		return nil
	}
	return &domain.CommissionRecord{BookingID: id, GrossAmount: gross, Currency: currency, PaymentReference: ref}
}

type fakeBackfiller struct {
	fail map[uuid.UUID]bool
}

func (f fakeBackfiller) BackfillMeetingURL(_ context.Context, b domain.Booking) (string, error) {
	if f.fail[b.ID] {
		return "", errors.New("calendar down")
	}
	return "https://meet.example.com/" + b.ID.String(), nil
}

type countingPurger struct{ n int64 }

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) { return p.n, nil }

func nullLogger() observability.Logger {
	l, _ := test.NewNullLogger()
	return observability.Wrap(l)
}

func paidBooking() domain.Booking {
	return domain.Booking{ID: uuid.New(), PaymentStatus: domain.PaymentSucceeded, GrossAmount: 10000, Currency: "eur", PaymentReference: "pay_" + uuid.NewString()}
}

func TestCommissionWorker_RetriesUntilRecorded(t *testing.T) {
	backlog := &memBacklog{unpaid: []domain.Booking{paidBooking(), paidBooking(), paidBooking()}}
	rec := &flakyRecorder{failures: 2, calls: map[uuid.UUID]int{}}
	w := NewCommissionWorker(backlog, rec, fakeBackfiller{}, nullLogger(), CommissionOptions{Attempts: 3, Backoff: time.Millisecond})

	recorded, backfilled, err := w.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, recorded)
	assert.Zero(t, backfilled)
	for _, b := range backlog.unpaid {
		assert.Equal(t, 3, rec.calls[b.ID])
	}
}

func TestCommissionWorker_GivesUpAfterAttempts(t *testing.T) {
	b := paidBooking()
	rec := &flakyRecorder{failures: 10, calls: map[uuid.UUID]int{}}
	w := NewCommissionWorker(&memBacklog{unpaid: []domain.Booking{b}}, rec, fakeBackfiller{}, nullLogger(), CommissionOptions{Attempts: 2, Backoff: time.Millisecond})

	recorded, _, err := w.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Zero(t, recorded)
	assert.Equal(t, 2, rec.calls[b.ID])
}

func TestCommissionWorker_BackfillsMeetingURLs(t *testing.T) {
	ok, broken := paidBooking(), paidBooking()
	backlog := &memBacklog{nolink: []domain.Booking{ok, broken}}
	w := NewCommissionWorker(backlog, &flakyRecorder{calls: map[uuid.UUID]int{}}, fakeBackfiller{fail: map[uuid.UUID]bool{broken.ID: true}}, nullLogger(), CommissionOptions{})

	_, backfilled, err := w.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, backfilled)
}

func TestCommissionWorker_ListFailure(t *testing.T) {
	backlog := &memBacklog{listErr: errors.New("connection refused")}
	w := NewCommissionWorker(backlog, &flakyRecorder{calls: map[uuid.UUID]int{}}, fakeBackfiller{}, nullLogger(), CommissionOptions{})

	_, _, err := w.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestExpiryWorker_RunOnce(t *testing.T) {
	assert.NoError(t, NewExpiryWorker(&countingPurger{n: 3}, nullLogger()).RunOnce(context.Background()))
}

func TestEvery_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	runs := 0
	done := make(chan struct{})
	go func() {
		Every(ctx, time.Millisecond, nullLogger(), "test", func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			runs++
			if runs == 3 {
				cancel()
			}
			return errors.New("boom")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Every did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, runs, 3)
}
