package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budgetbuddy/internal/log"
)

type logLine struct {
	Msg        string `json:"msg"`
	Level      string `json:"level"`
	RequestID  string `json:"request_id"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Suspicious bool   `json:"suspicious"`
	Body       string `json:"body"`
}

func newJSONLogger(buf *bytes.Buffer) *log.Logger {
	cfg := log.DefaultConfig()
	cfg.Format = "json"
	cfg.Output = buf
	cfg.Level = log.ParseLevel("DEBUG")
	return log.New(cfg)
}

func parseLines(t *testing.T, buf *bytes.Buffer) []logLine {
	t.Helper()
	var lines []logLine
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var l logLine
		require.NoError(t, json.Unmarshal([]byte(raw), &l), raw)
		lines = append(lines, l)
	}
	return lines
}

func TestMiddleware_LogsLifecycleAndSetsRequestID(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := NewMiddleware(Config{Metrics: metrics}, newJSONLogger(&buf))

	var seen string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		log.FromContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/transactions?x=1", nil))

	id := rec.Header().Get(HeaderRequestID)
	require.NotEmpty(t, id)
	assert.Equal(t, id, seen)

	lines := parseLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "HTTP request started", lines[0].Msg)
	assert.Equal(t, "inside handler", lines[1].Msg)
	assert.Equal(t, id, lines[1].RequestID)
	assert.Equal(t, "HTTP request completed", lines[2].Msg)
	assert.Equal(t, http.StatusCreated, lines[2].StatusCode)
	assert.Equal(t, "INFO", lines[2].Level)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requests.WithLabelValues(http.MethodPost, "201")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.inFlight))
}

func TestMiddleware_UniqueRequestIDs(t *testing.T) {
	m := NewMiddleware(Config{}, nil)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		id := rec.Header().Get(HeaderRequestID)
		require.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}

func TestMiddleware_StatusLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusServiceUnavailable, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			m := NewMiddleware(Config{}, newJSONLogger(&buf))
			h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			lines := parseLines(t, &buf)
			require.Len(t, lines, 2)
			assert.Equal(t, tt.level, lines[1].Level)
		})
	}
}

func TestMiddleware_PanicIsLoggedAndReraised(t *testing.T) {
	var buf bytes.Buffer
	m := NewMiddleware(Config{}, newJSONLogger(&buf))
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("database exploded")
	}))

	rec := httptest.NewRecorder()
	assert.PanicsWithValue(t, "database exploded", func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	})
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	lines := parseLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "HTTP request failed", lines[1].Msg)
	assert.Equal(t, "database exploded", lines[1].Error)
	assert.Equal(t, "ERROR", lines[1].Level)
}

func TestMiddleware_AbortedRequest(t *testing.T) {
	var buf bytes.Buffer
	m := NewMiddleware(Config{}, newJSONLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/transactions", nil).WithContext(ctx)
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := parseLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "HTTP request aborted", lines[1].Msg)
	assert.Equal(t, "context canceled", lines[1].Error)
}

func TestMiddleware_BodyLogging(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		max    int64
		logged bool
	}{
		{"small post", http.MethodPost, `{"amount":50000}`, 1024, true},
		{"large post", http.MethodPost, strings.Repeat("x", 64), 16, false},
		{"get is never logged", http.MethodGet, "abc", 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			m := NewMiddleware(Config{LogRequestBody: true, MaxBodyLog: tt.max}, newJSONLogger(&buf))

			var got string
			h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				got = string(b)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, "/api/transactions", strings.NewReader(tt.body)))

			assert.Equal(t, tt.body, got, "handler must see the whole body")

			logged := false
			for _, l := range parseLines(t, &buf) {
				if l.Msg == "Request body" {
					logged = true
					assert.Equal(t, tt.body, l.Body)
				}
			}
			assert.Equal(t, tt.logged, logged)
		})
	}
}

func TestMiddleware_SuspiciousFlag(t *testing.T) {
	var buf bytes.Buffer
	m := NewMiddleware(Config{
		Suspicious: func(r *http.Request) bool { return strings.Contains(r.URL.Path, ".env") },
	}, newJSONLogger(&buf))
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/.env", nil))

	lines := parseLines(t, &buf)
	require.NotEmpty(t, lines)
	assert.True(t, lines[0].Suspicious)
}

func TestResponseWriter_KeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, _ = rw.Write([]byte("ok"))
	rw.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, rw.statusCode)
	assert.Equal(t, rec, rw.Unwrap())
}
