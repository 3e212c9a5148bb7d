package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"golang.org/x/sync/errgroup"
)

// Every runs fn on each tick until ctx is done. Errors are logged and the
// loop keeps going.
func Every(ctx context.Context, interval time.Duration, logger observability.Logger, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.WithField("worker", name).Error("run failed: ", err)
			}
		}
	}
}

// withRetry calls fn up to attempts times with exponential backoff.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(1<<i)):
		}
	}
	return errors.Wrapf(err, "failed after %d attempts", attempts)
}

type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ExpiryWorker deletes lapsed slot reservations from the SQL store.
type ExpiryWorker struct {
	purger Purger
	logger observability.Logger
}

func NewExpiryWorker(purger Purger, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{purger: purger, logger: logger}
}

func (w *ExpiryWorker) RunOnce(ctx context.Context) error {
	n, err := w.purger.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.WithField("purged", n).Info("expired reservations purged")
	}
	return nil
}

type Backlog interface {
	SucceededWithoutCommission(ctx context.Context, minAge time.Duration, limit int) ([]domain.Booking, error)
	MissingMeetingURL(ctx context.Context, limit int) ([]domain.Booking, error)
}

type Recorder interface {
	RecordCommission(ctx context.Context, bookingID uuid.UUID, grossAmount int64, currency, paymentReference string) *domain.CommissionRecord
}

type Backfiller interface {
	BackfillMeetingURL(ctx context.Context, b domain.Booking) (string, error)
}

type CommissionOptions struct {
	MinAge      time.Duration
	Batch       int
	Concurrency int
	Attempts    int
	Backoff     time.Duration
}

// CommissionWorker closes the gaps left by best-effort steps: paid bookings
// without a commission record and settled bookings without a meeting link.
type CommissionWorker struct {
	backlog    Backlog
	recorder   Recorder
	backfiller Backfiller
	logger     observability.Logger
	opts       CommissionOptions
}

func NewCommissionWorker(backlog Backlog, recorder Recorder, backfiller Backfiller, logger observability.Logger, opts CommissionOptions) *CommissionWorker {
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &CommissionWorker{backlog: backlog, recorder: recorder, backfiller: backfiller, logger: logger, opts: opts}
}

// RunOnce works through one batch of each backlog and reports how many
// records and links were written.
func (w *CommissionWorker) RunOnce(ctx context.Context) (recorded, backfilled int, err error) {
	recorded, err = w.recordMissing(ctx)
	if err != nil {
		return recorded, 0, err
	}
	backfilled, err = w.backfillMeetingURLs(ctx)
	return recorded, backfilled, err
}

func (w *CommissionWorker) recordMissing(ctx context.Context) (int, error) {
	bookings, err := w.backlog.SucceededWithoutCommission(ctx, w.opts.MinAge, w.opts.Batch)
	if err != nil {
		return 0, err
	}
	results := make([]bool, len(bookings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i, b := range bookings {
		g.Go(func() error {
			err := withRetry(gctx, w.opts.Attempts, w.opts.Backoff, func() error {
				if w.recorder.RecordCommission(gctx, b.ID, b.GrossAmount, b.Currency, b.PaymentReference) == nil {
					return errors.Newf("commission of %s not recorded", b.ID)
				}
				return nil
			})
			if err != nil {
				w.logger.WithField("booking_id", b.ID).Warn("commission retry exhausted: ", err)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()
	return count(results), ctx.Err()
}

func (w *CommissionWorker) backfillMeetingURLs(ctx context.Context) (int, error) {
	bookings, err := w.backlog.MissingMeetingURL(ctx, w.opts.Batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, b := range bookings {
		url, err := w.backfiller.BackfillMeetingURL(ctx, b)
		if err != nil {
			w.logger.WithField("booking_id", b.ID).Warn("meeting url backfill failed: ", err)
			continue
		}
		if url != "" {
			done++
		}
	}
	return done, ctx.Err()
}

func count(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
