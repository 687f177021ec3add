package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, nil), mr
}

func TestRedisStore_Take(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i := 1; i <= 3; i++ {
		w, err := store.Take(ctx, "ip:1.2.3.4", base.Add(time.Duration(i)*time.Second), time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, w.Admitted)
		assert.Equal(t, i, w.Count)
		assert.Equal(t, base.Add(time.Second).UnixMilli(), w.Oldest.UnixMilli())
	}

	w, err := store.Take(ctx, "ip:1.2.3.4", base.Add(4*time.Second), time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, w.Admitted)
	assert.Equal(t, 3, w.Count)

	assert.True(t, mr.Exists("rl:ip:1.2.3.4"))
	assert.Equal(t, 2*time.Minute, mr.TTL("rl:ip:1.2.3.4"))

	// the first request leaves the window after a full period
	w, err = store.Take(ctx, "ip:1.2.3.4", base.Add(61*time.Second), time.Minute, 3)
	require.NoError(t, err)
	assert.True(t, w.Admitted)
	assert.Equal(t, 3, w.Count)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), w.Oldest.UnixMilli())
}

func TestRedisStore_SameInstantRequestsAreDistinct(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	for i := 1; i <= 5; i++ {
		w, err := store.Take(ctx, "user:1", now, time.Minute, 10)
		require.NoError(t, err)
		assert.Equal(t, i, w.Count)
	}
}

func TestRedisStore_SweepAndSize(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	_, _ = store.Take(ctx, "old", base, time.Minute, 10)
	_, _ = store.Take(ctx, "fresh", base.Add(90*time.Second), time.Minute, 10)
	require.NoError(t, mr.Set("unrelated", "x"))

	size, err := store.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	removed, err := store.Sweep(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, mr.Exists("rl:old"))
	assert.True(t, mr.Exists("rl:fresh"))
	assert.True(t, mr.Exists("unrelated"))
}

func TestRedisStore_FallsBackWhenRedisDown(t *testing.T) {
	store, mr := newRedisStore(t)
	store.Timeout = 200 * time.Millisecond
	mr.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 1; i <= 2; i++ {
		w, err := store.Take(ctx, "user:1", now, time.Minute, 2)
		require.NoError(t, err)
		assert.True(t, w.Admitted)
	}
	w, err := store.Take(ctx, "user:1", now, time.Minute, 2)
	require.NoError(t, err)
	assert.False(t, w.Admitted)
}

func TestRedisStore_NoClientNoFallback(t *testing.T) {
	store := &RedisStore{}
	_, err := store.Take(context.Background(), "k", time.Now(), time.Minute, 1)
	assert.Error(t, err)
}

func TestLimiter_WithRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	base := time.UnixMilli(1_700_000_000_000)
	l := NewLimiter(Config{Calls: 3, Period: 60 * time.Second}, store, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Admit(ctx, "ip:1.2.3.4", base)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Admit(ctx, "ip:1.2.3.4", base)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 60*time.Second, d.RetryAfter)
	assert.Equal(t, base.Add(time.Minute).Unix(), d.ResetAt.Unix())
}
