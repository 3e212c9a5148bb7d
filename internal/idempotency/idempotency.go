package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/expert-bookings/internal/adapters/redis"
)

// ErrInFlight is returned while another request with the same key runs.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

const lockTTL = 30 * time.Second

type Idempotency struct {
	redis *redisadapter.Idempotency
	ttl   time.Duration
}

func NewIdempotency(redis *redisadapter.Idempotency, ttl time.Duration) *Idempotency {
	return &Idempotency{redis: redis, ttl: ttl}
}

type Response struct {
	Status      int
	ContentType string
	Result      []byte
}

// Begin claims key. A non-nil Response is the stored answer of an earlier
// request and must be replayed as is.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	if stored, err := i.Get(ctx, key); err != nil || stored != nil {
		return stored, err
	}
	ok, err := i.redis.Lock(ctx, key, lockTTL)
	if err != nil {
		return nil, errors.Wrap(err, "lock idempotency key")
	}
	if !ok {
		return nil, ErrInFlight
	}
	// The first request may have finished between Get and Lock.
	stored, err := i.Get(ctx, key)
	if stored != nil || err != nil {
		_ = i.redis.Unlock(ctx, key)
	}
	return stored, err
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.redis.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "read idempotency key")
	}
	if stored == nil {
		return nil, nil
	}
	return &Response{Status: stored.Status, ContentType: stored.ContentType, Result: stored.Result}, nil
}

// Complete stores resp for key and releases the claim.
func (i *Idempotency) Complete(ctx context.Context, key string, resp Response) error {
	err := i.redis.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Result:      resp.Result,
	}, i.ttl)
	return errors.CombineErrors(errors.Wrap(err, "store idempotent response"), i.Abandon(ctx, key))
}

// Abandon releases the claim without storing anything, so the client may
// retry with the same key.
func (i *Idempotency) Abandon(ctx context.Context, key string) error {
	return errors.Wrap(i.redis.Unlock(ctx, key), "unlock idempotency key")
}
