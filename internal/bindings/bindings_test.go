package bindings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", ttl, nil)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func sample() Binding {
	return Binding{
		Token:            "meet-1",
		CallConnectionID: "cc-1",
		MeetingID:        "meet-1",
		Mode:             ModeMeeting,
		CallerName:       "Alice",
		CallerRawID:      "8:acs:alice",
	}
}

func TestRedisStorePutGet(t *testing.T) {
	_, store := setupRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sample()))

	got, err := store.Get(ctx, "meet-1")
	require.NoError(t, err)
	assert.Equal(t, sample(), got)
	assert.True(t, got.MeetingMode())

	byCall, err := store.ByCallConnection(ctx, "cc-1")
	require.NoError(t, err)
	assert.Equal(t, "meet-1", byCall.Token)
}

func TestRedisStoreMissesAndExpiry(t *testing.T) {
	mr, store := setupRedisStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ByCallConnection(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, sample()))
	assert.Equal(t, time.Minute, mr.TTL(defaultRedisPrefix+"meet-1"))
	assert.Equal(t, time.Minute, mr.TTL(defaultRedisPrefix+"cc:cc-1"))

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "meet-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreRejectsEmptyToken(t *testing.T) {
	_, store := setupRedisStore(t, time.Minute)
	assert.Error(t, store.Put(context.Background(), Binding{CallConnectionID: "cc"}))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sample()))
	got, err := store.ByCallConnection(ctx, "cc-1")
	require.NoError(t, err)
	assert.Equal(t, sample(), got)

	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "meet-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, Binding{Token: "other", Mode: ModeDirect}))
	assert.NotContains(t, store.byToken, "meet-1", "expired entries are swept on write")
	assert.NotContains(t, store.byCall, "cc-1")
}

func TestMemoryStoreDirectBindingWithoutCallID(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Binding{Token: "tok", Mode: ModeDirect}))
	got, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, got.MeetingMode())
	_, err = store.ByCallConnection(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
