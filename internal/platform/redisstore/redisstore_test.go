package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestLockerExcludesSecondHolder(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "f2f:", WithWait(30*time.Millisecond), WithRetryInterval(5*time.Millisecond))

	first, err := locker.Lock(ctx, "order:ord_1")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "order:ord_1")
	require.ErrorIs(t, err, ErrLockNotAcquired)

	other, err := locker.Lock(ctx, "order:ord_2")
	require.NoError(t, err)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, first.Unlock(ctx))
	again, err := locker.Lock(ctx, "order:ord_1")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestLockerWaitsForRelease(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "f2f:", WithWait(time.Second), WithRetryInterval(5*time.Millisecond))

	held, err := locker.Lock(ctx, "order:ord_1")
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		u, err := locker.Lock(ctx, "order:ord_1")
		if err == nil {
			err = u.Unlock(ctx)
		}
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, held.Unlock(ctx))
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestLockerExpiredLeaseCannotReleaseNewHolder(t *testing.T) {
	srv, client := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "f2f:", WithLease(time.Second), WithWait(10*time.Millisecond))

	stale, err := locker.Lock(ctx, "order:ord_1")
	require.NoError(t, err)
	srv.FastForward(2 * time.Second)

	fresh, err := locker.Lock(ctx, "order:ord_1")
	require.NoError(t, err)

	require.ErrorIs(t, stale.Unlock(ctx), ErrLockLost)
	assert.True(t, srv.Exists("f2f:lock:order:ord_1"), "fresh holder keeps the key")
	require.NoError(t, fresh.Unlock(ctx))
}

func TestLockerRespectsContext(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client, "", WithWait(time.Minute), WithRetryInterval(5*time.Millisecond))
	_, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDraftStoreRoundTripAndExpiry(t *testing.T) {
	srv, client := newTestClient(t)
	ctx := context.Background()
	store := NewDraftStore(client, "f2f:", time.Hour)

	_, ok, err := store.Get(ctx, "checkout:draft:c1")
	require.NoError(t, err)
	assert.False(t, ok)

	slot := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	draft := services.CheckoutDraft{
		CustomerID:       "c1",
		Tier:             domain.TierVIP,
		Stage:            services.CheckoutStageDeliveryTime,
		ShippingMethodID: "home",
		DeliveryDateTime: &slot,
		Items: []domain.LineItem{{
			ID:         "apple",
			Name:       "Alma",
			Quantity:   decimal.RequireFromString("2.5"),
			NetPrice:   1000,
			GrossPrice: 1270,
			VATPercent: decimal.NewFromInt(27),
		}},
		NotificationEmails: []string{"anna@example.hu"},
	}
	require.NoError(t, store.Set(ctx, "checkout:draft:c1", draft))

	got, ok, err := store.Get(ctx, "checkout:draft:c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.TierVIP, got.Tier)
	assert.True(t, got.Items[0].Quantity.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, got.DeliveryDateTime.Equal(slot))
	assert.Equal(t, time.Hour, srv.TTL("f2f:checkout:draft:c1"))

	srv.FastForward(2 * time.Hour)
	_, ok, err = store.Get(ctx, "checkout:draft:c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "checkout:draft:c1", draft))
	require.NoError(t, store.Clear(ctx, "checkout:draft:c1"))
	assert.False(t, srv.Exists("f2f:checkout:draft:c1"))
}

func TestDraftStoreCorruptValue(t *testing.T) {
	srv, client := newTestClient(t)
	require.NoError(t, srv.Set("checkout:draft:c1", "{not json"))
	_, _, err := NewDraftStore(client, "", 0).Get(context.Background(), "checkout:draft:c1")
	require.Error(t, err)
}
