package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockWait  = 10 * time.Second
	defaultLockRetry = 50 * time.Millisecond
)

// ErrLockNotAcquired is returned when the key stays held for the whole wait window.
var ErrLockNotAcquired = errors.New("redisstore: lock not acquired")

// ErrLockLost is returned by Unlock when the lease expired and another holder owns the key.
var ErrLockLost = errors.New("redisstore: lock lost")

// Only the holder whose token matches may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a single-instance Redis advisory lock (SET NX PX with token-checked release).
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

var _ services.OrderLocker = (*Locker)(nil)

// LockerOption customises a Locker.
type LockerOption func(*Locker)

// WithLease sets how long a lock survives without release.
func WithLease(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithWait bounds how long Lock polls for a held key.
func WithWait(wait time.Duration) LockerOption {
	return func(l *Locker) {
		if wait > 0 {
			l.wait = wait
		}
	}
}

// WithRetryInterval sets the polling interval while waiting.
func WithRetryInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// NewLocker builds a Locker whose keys are prefixed with prefix + "lock:".
func NewLocker(client redis.UniversalClient, prefix string, opts ...LockerOption) *Locker {
	l := &Locker{
		client: client,
		prefix: prefix + "lock:",
		ttl:    defaultLockTTL,
		wait:   defaultLockWait,
		retry:  defaultLockRetry,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Lock acquires key, polling until the wait window or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) (services.Unlocker, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	redisKey := l.prefix + key
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: lock %s: %w", key, err)
		}
		if ok {
			return &lease{client: l.client, key: redisKey, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *lease) Unlock(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("redisstore: unlock %s: %w", l.key, err)
	}
	if released == 0 {
		return ErrLockLost
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("redisstore: lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
