package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLimiter_AdmitUpToCalls(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{Calls: 3, Period: 60 * time.Second}, NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Admit(ctx, "ip:1.2.3.4", clock.Now())
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3-i, d.Remaining, "request %d", i)
		assert.Equal(t, clock.Now().Add(60*time.Second), d.ResetAt)
		clock.Advance(time.Second)
	}

	d, err := l.Admit(ctx, "ip:1.2.3.4", clock.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 60*time.Second, d.RetryAfter)
	assert.Equal(t, 0, d.Remaining)
	// the window frees up when the first request falls out
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(60*time.Second), d.ResetAt)
}

func TestLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{Calls: 2, Period: 10 * time.Second}, NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, _ := l.Admit(ctx, "user:1", clock.Now())
		require.True(t, d.Allowed)
	}
	d, _ := l.Admit(ctx, "user:1", clock.Now())
	require.False(t, d.Allowed)

	clock.Advance(10 * time.Second)
	for i := 0; i < 2; i++ {
		d, err := l.Admit(ctx, "user:1", clock.Now())
		require.NoError(t, err)
		assert.True(t, d.Allowed, "fresh window request %d", i+1)
	}
	d, _ = l.Admit(ctx, "user:1", clock.Now())
	assert.False(t, d.Allowed)
}

func TestLimiter_RejectionsDoNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{Calls: 1, Period: 10 * time.Second}, NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	d, _ := l.Admit(ctx, "k", clock.Now())
	require.True(t, d.Allowed)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		d, _ = l.Admit(ctx, "k", clock.Now())
		require.False(t, d.Allowed)
	}

	clock.Advance(5 * time.Second)
	d, _ = l.Admit(ctx, "k", clock.Now())
	assert.True(t, d.Allowed)
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	l := NewLimiter(Config{Calls: 50, Period: time.Minute}, NewMemoryStore())
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	results := make(map[string][]bool)
	var mu sync.Mutex
	for _, key := range []string{"user:1", "user:2"} {
		for i := 0; i < 60; i++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				d, err := l.Admit(ctx, key, now)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				results[key] = append(results[key], d.Allowed)
				mu.Unlock()
			}(key)
		}
	}
	wg.Wait()

	for key, res := range results {
		allowed := 0
		for _, ok := range res {
			if ok {
				allowed++
			}
		}
		assert.Equal(t, 50, allowed, "key %s", key)
	}
}

func TestLimiter_OpportunisticSweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := NewLimiter(Config{Calls: 5, Period: 10 * time.Second, CleanupInterval: time.Minute}, store,
		WithClock(clock.Now), WithMetrics(m))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Admit(ctx, fmt.Sprintf("ip:10.0.0.%d", i), clock.Now())
		require.NoError(t, err)
	}
	size, _ := store.Size(ctx)
	require.Equal(t, 10, size)

	// before the interval elapses nothing is swept even though windows are stale
	clock.Advance(30 * time.Second)
	_, _ = l.Admit(ctx, "ip:10.0.0.99", clock.Now())
	size, _ = store.Size(ctx)
	assert.Equal(t, 11, size)

	clock.Advance(31 * time.Second)
	_, _ = l.Admit(ctx, "ip:10.0.0.100", clock.Now())
	size, _ = store.Size(ctx)
	assert.Equal(t, 1, size, "only the identity seen in the last two periods survives")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tracked))
}

func TestMemoryStore_ClampsClockSkew(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	_, err := s.Take(ctx, "k", base, time.Minute, 10)
	require.NoError(t, err)
	w, err := s.Take(ctx, "k", base.Add(-time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.True(t, w.Admitted)
	assert.Equal(t, 2, w.Count, "a backwards clock must not trim the window")
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	_, _ = s.Take(ctx, "old", base, time.Minute, 10)
	_, _ = s.Take(ctx, "mixed", base, time.Minute, 10)
	_, _ = s.Take(ctx, "mixed", base.Add(50*time.Second), time.Minute, 10)

	removed, err := s.Sweep(ctx, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	size, _ := s.Size(ctx)
	assert.Equal(t, 1, size)
}

func newTestHandler(l *Limiter, key string) http.Handler {
	keyFunc := func(*http.Request) string { return key }
	onLimit := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
	}
	return l.Middleware(keyFunc, onLimit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddleware_RejectsWithHeadersAndBody(t *testing.T) {
	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := NewLimiter(Config{Calls: 3, Period: 60 * time.Second}, NewMemoryStore(), WithClock(clock.Now), WithMetrics(m))
	h := newTestHandler(l, "ip:1.2.3.4")

	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(3-i), rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 60, body.RetryAfter)
	assert.Equal(t, "Too many requests. Please try again later.", body.Error)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.decisions.WithLabelValues(outcomeAllowed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decisions.WithLabelValues(outcomeRejected)))
}

func TestMiddleware_ExcludedPathsBypass(t *testing.T) {
	store := NewMemoryStore()
	l := NewLimiter(Config{Calls: 1, Period: time.Minute, ExcludePaths: []string{"/health", "/docs"}}, store)
	h := newTestHandler(l, "ip:1.2.3.4")

	for i := 0; i < 20; i++ {
		for _, path := range []string{"/health", "/healthz", "/docs/index.html"} {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusOK, rec.Code, path)
			assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	size, _ := store.Size(context.Background())
	assert.Zero(t, size, "excluded paths must not create windows")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingStore struct{ MemoryStore }

func (failingStore) Take(context.Context, string, time.Time, time.Duration, int) (Window, error) {
	return Window{}, fmt.Errorf("boom")
}

func TestMiddleware_StoreErrorAdmits(t *testing.T) {
	l := NewLimiter(Config{Calls: 1, Period: time.Minute}, &failingStore{})
	h := newTestHandler(l, "k")

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIdentityKey(t *testing.T) {
	verified := func(r *http.Request) (string, bool) {
		if r.Header.Get("X-Test-User") == "" {
			return "", false
		}
		return "user:" + r.Header.Get("X-Test-User"), true
	}
	clientIP := func(r *http.Request) string { return r.Header.Get("X-Test-IP") }
	keyFunc := IdentityKey(verified, clientIP)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "ip:unknown", keyFunc(r))

	r.Header.Set("X-Test-IP", "1.2.3.4")
	assert.Equal(t, "ip:1.2.3.4", keyFunc(r))

	r.Header.Set("X-Test-User", "42")
	assert.Equal(t, "user:42", keyFunc(r))
}
