package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestLRUCache_ExpiresAfterTTL(t *testing.T) {
	clk := newClock()
	c := NewLRUCache[int](10, time.Minute).WithClock(clk.Now)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(time.Minute + time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[string](2, time.Hour)
	c.Set("a", "A")
	c.Set("b", "B")
	_, _ = c.Get("a")
	c.Set("c", "C")

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB, "b was least recently used")
	assert.True(t, okC)
}

func TestLRUCache_CleanExpired(t *testing.T) {
	clk := newClock()
	c := NewLRUCache[int](10, time.Minute).WithClock(clk.Now)
	c.Set("old", 1)
	clk.Advance(30 * time.Second)
	c.Set("new", 2)
	clk.Advance(45 * time.Second)

	assert.Equal(t, 1, c.CleanExpired())
	assert.Equal(t, 1, c.Size())
}

func TestLRUCache_GetOrLoadCollapsesConcurrentMisses(t *testing.T) {
	c := NewLRUCache[int](10, time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	load := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "stats:1", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
	for _, v := range results {
		assert.Equal(t, 42, v)
	}

	v, err := c.GetOrLoad(context.Background(), "stats:1", func(context.Context) (int, error) {
		t.Fatal("value should be cached")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestLRUCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := NewLRUCache[int](10, time.Minute)
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Size())
}

func TestLRUCache_DeleteDuringLoadSkipsStaleValue(t *testing.T) {
	c := NewLRUCache[int](10, time.Minute)

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) {
		c.Delete("k")
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestManager_CleansRegisteredCaches(t *testing.T) {
	clk := newClock()
	a := NewLRUCache[int](10, time.Minute).WithClock(clk.Now)
	b := NewLRUCache[string](10, time.Minute).WithClock(clk.Now)
	a.Set("x", 1)
	b.Set("y", "z")
	clk.Advance(2 * time.Minute)

	m := NewManager(nil)
	m.Register(a)
	m.Register(b)
	assert.Equal(t, 2, m.CleanAll())

	m.StartCleanup(time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := NewManager(nil)
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running cleanup loop")
	}
}
