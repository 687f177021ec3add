package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budgetbuddy/internal/middleware"
	"budgetbuddy/internal/middleware/ratelimit"
	"budgetbuddy/internal/middleware/security"
	"budgetbuddy/internal/middleware/trace"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) middleware.Func {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+" in")
				next.ServeHTTP(w, r)
				order = append(order, name+" out")
			})
		}
	}

	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mark("a"), nil, mark("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a in", "b in", "handler", "b out", "a out"}, order)
}

func governed(t *testing.T, calls int, handler http.Handler) http.Handler {
	t.Helper()
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Calls:        calls,
		Period:       60 * time.Second,
		ExcludePaths: []string{"/health"},
	}, ratelimit.NewMemoryStore())
	tracer := trace.NewMiddleware(trace.Config{}, nil)

	keyFunc := func(r *http.Request) string { return "ip:1.2.3.4" }
	onLimit := func(w http.ResponseWriter, r *http.Request) {
		headers.Apply(w.Header())
		w.Header().Set(trace.HeaderRequestID, trace.NewRequestID())
	}

	return middleware.Chain(handler,
		limiter.Middleware(keyFunc, onLimit),
		tracer.Middleware,
		headers.Middleware,
	)
}

func TestChain_EveryResponseIsDecorated(t *testing.T) {
	h := governed(t, 3, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	ids := map[string]bool{}
	statuses := []int{}
	for _, path := range []string{"/api/me", "/missing", "/api/me", "/api/me", "/health"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		statuses = append(statuses, rec.Code)

		id := rec.Header().Get(trace.HeaderRequestID)
		require.NotEmpty(t, id, path)
		assert.False(t, ids[id], "request id reused")
		ids[id] = true

		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"), path)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"), path)
		assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"), path)
		assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"), path)
	}

	assert.Equal(t, []int{
		http.StatusOK,
		http.StatusNotFound,
		http.StatusOK,
		http.StatusTooManyRequests,
		http.StatusOK,
	}, statuses)
}

func TestChain_RejectedRequestsSkipHandler(t *testing.T) {
	hits := 0
	h := governed(t, 1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))

	for i := 0; i < 5; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	}
	assert.Equal(t, 1, hits)
}
