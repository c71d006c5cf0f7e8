package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON values whose Redis TTL doubles as retention.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a store with keys under prefix + "idem:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "idem:"}
}

// Reserve implements Store. SET NX decides the race between concurrent first attempts.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	rec := Record{Key: key, Fingerprint: fingerprint, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Reservation{}, err
	}
	id := s.prefix + recordID(key)
	created, err := s.client.SetNX(ctx, id, raw, ttlOrDefault(ttl)).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if created {
		return Reservation{State: ReservationStateNew, Record: rec}, nil
	}
	existing, found, err := s.load(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if !found {
		// Expired between SET NX and GET; the caller retries with a fresh reservation.
		return Reservation{State: ReservationStatePending, Record: rec}, nil
	}
	return reservationFor(existing, fingerprint)
}

// SaveResponse implements Store.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := s.prefix + recordID(key)
	prev, found, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if found && prev.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	raw, err := json.Marshal(completedRecord(prev, key, fingerprint, resp, now))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, id, raw, ttlOrDefault(ttl)).Err(); err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+recordID(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, id string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: load: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode: %w", err)
	}
	return rec, true, nil
}
