package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/expert-bookings/internal/domain"
)

const reservationKeyPrefix = "reservation:"

// reserveScript claims a slot hash unless another guest holds it past now.
// The same guest keeps its reservation id.
var reserveScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'id', 'guest', 'expires_at')
local id = ARGV[1]
if cur[1] then
	local exp = tonumber(cur[3])
	if cur[2] ~= ARGV[2] and exp and exp > tonumber(ARGV[4]) then
		return {0, cur[1], cur[3]}
	end
	if cur[2] == ARGV[2] then
		id = cur[1]
	else
		redis.call('DEL', ARGV[6] .. cur[1])
	end
end
redis.call('HSET', KEYS[1], 'id', id, 'guest', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('SET', ARGV[6] .. id, KEYS[1], 'PX', ARGV[5])
return {1, id, ARGV[3]}
`)

// releaseScript drops a reservation and its slot hash, if the hash still
// belongs to it.
var releaseScript = redis.NewScript(`
local slot = redis.call('GET', KEYS[1])
if slot then
	if redis.call('HGET', slot, 'id') == ARGV[1] then
		redis.call('DEL', slot)
	end
	redis.call('DEL', KEYS[1])
end
return 1
`)

// Reservations stores slot holds as Redis hashes. Keys carry a TTL, and
// expiry is also compared against the injected clock on every read.
type Reservations struct {
	client redis.Scripter
	reader redis.Cmdable
	clock  func() time.Time
}

func NewReservations(client *redis.Client, clock func() time.Time) *Reservations {
	if clock == nil {
		clock = time.Now
	}
	return &Reservations{client: client, reader: client, clock: clock}
}

func slotKey(expertID string, start time.Time) string {
	return "slot:" + expertID + ":" + strconv.FormatInt(start.UnixMicro(), 10)
}

func (s *Reservations) Reserve(ctx context.Context, expertID string, start time.Time, guest string, ttl time.Duration) (domain.Reservation, error) {
	if ttl < time.Millisecond {
		return domain.Reservation{}, errors.Wrapf(domain.ErrValidation, "reservation ttl %s", ttl)
	}
	now := s.clock()
	res := domain.NewReservation(expertID, start, guest, ttl, now)

	out, err := reserveScript.Run(ctx, s.client, []string{slotKey(expertID, start)},
		res.ID.String(), res.GuestIdentifier, res.ExpiresAt.UnixMilli(), now.UnixMilli(), ttl.Milliseconds(), reservationKeyPrefix,
	).Slice()
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "reserve slot")
	}
	if len(out) != 3 {
		return domain.Reservation{}, errors.Newf("reserve slot: unexpected reply %v", out)
	}
	if ok, _ := out[0].(int64); ok == 0 {
		return domain.Reservation{}, errors.Wrapf(domain.ErrSlotTemporarilyReserved, "expert %s at %s", expertID, start.Format(time.RFC3339))
	}
	id, err := uuid.Parse(toString(out[1]))
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "reserve slot: parse id")
	}
	res.ID = id
	return res, nil
}

// Release is idempotent; unknown or expired ids are ignored.
func (s *Reservations) Release(ctx context.Context, id uuid.UUID) error {
	err := releaseScript.Run(ctx, s.client, []string{reservationKeyPrefix + id.String()}, id.String()).Err()
	return errors.Wrapf(err, "release reservation %s", id)
}

func (s *Reservations) ActiveHold(ctx context.Context, expertID string, start time.Time) (*domain.Reservation, error) {
	vals, err := s.reader.HMGet(ctx, slotKey(expertID, start), "id", "guest", "expires_at").Result()
	if err != nil {
		return nil, errors.Wrap(err, "active hold")
	}
	if len(vals) != 3 || vals[0] == nil {
		return nil, nil
	}
	expMs, err := strconv.ParseInt(toString(vals[2]), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "active hold: parse expiry")
	}
	res := domain.Reservation{
		ExpertID:        expertID,
		StartTime:       start.UTC(),
		GuestIdentifier: toString(vals[1]),
		ExpiresAt:       time.UnixMilli(expMs).UTC(),
	}
	if !res.Live(s.clock()) {
		return nil, nil
	}
	if res.ID, err = uuid.Parse(toString(vals[0])); err != nil {
		return nil, errors.Wrap(err, "active hold: parse id")
	}
	return &res, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}
