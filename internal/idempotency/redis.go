package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisPrefix     = "idempotency:ref:v1:"
	reservedPrefix  = "reserved:"
	appliedPrefix   = "applied:"
	defaultRetained = 7 * 24 * time.Hour
)

// swap replaces the value only while the caller still owns the reservation.
var swapScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
    return 1
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0`)

// Redis keeps reservations in Redis with SET NX PX so that concurrent
// deliveries across instances are rejected without touching the database.
// It is not transactional with Postgres; the ledger's own guard stays authoritative.
type Redis struct {
	client   *redis.Client
	ttl      time.Duration
	retained time.Duration
}

// NewRedis builds a Redis-backed store. Applied markers are kept for retained.
func NewRedis(client *redis.Client, ttl, retained time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retained <= 0 {
		retained = defaultRetained
	}
	return &Redis{client: client, ttl: ttl, retained: retained}
}

func (r *Redis) CheckAndReserve(ctx context.Context, ref string) (Reservation, error) {
	if ref == "" {
		return Reservation{}, ErrEmptyRef
	}
	key := redisPrefix + ref

	// A second round covers a marker expiring between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		token := uuid.NewString()
		ok, err := r.client.SetNX(ctx, key, reservedPrefix+token, r.ttl).Result()
		if err != nil {
			return Reservation{}, err
		}
		if ok {
			return Reservation{Ref: ref, Token: token}, nil
		}

		current, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		if strings.HasPrefix(current, appliedPrefix) {
			return Reservation{Ref: ref, AlreadyApplied: true, EntryID: strings.TrimPrefix(current, appliedPrefix)}, nil
		}
		return Reservation{Ref: ref, AlreadyApplied: true, InFlight: true}, nil
	}
	return Reservation{Ref: ref, AlreadyApplied: true, InFlight: true}, nil
}

func (r *Redis) Commit(ctx context.Context, res Reservation, entryID string) error {
	n, err := swapScript.Run(ctx, r.client, []string{redisPrefix + res.Ref},
		reservedPrefix+res.Token, appliedPrefix+entryID, r.retained.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReservationLost
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, res Reservation) error {
	n, err := releaseScript.Run(ctx, r.client, []string{redisPrefix + res.Ref}, reservedPrefix+res.Token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReservationLost
	}
	return nil
}
