package trace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"budgetbuddy/internal/log"
)

// ContextKey type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"

	// HeaderRequestID carries the correlation id on every response.
	HeaderRequestID = "X-Request-ID"

	DefaultMaxBodyLog = 1024
)

// Config controls what the middleware records.
type Config struct {
	ExtractIP  func(*http.Request) string
	Suspicious func(*http.Request) bool

	// LogRequestBody logs POST, PUT and PATCH bodies smaller than MaxBodyLog at debug level.
	LogRequestBody bool
	MaxBodyLog     int64

	Metrics *Metrics
}

// Middleware handles request tracing and logging
type Middleware struct {
	cfg    Config
	logger *log.Logger
	events *log.StructuredLogger
}

// NewMiddleware creates a new trace middleware
func NewMiddleware(cfg Config, logger *log.Logger) *Middleware {
	if cfg.MaxBodyLog <= 0 {
		cfg.MaxBodyLog = DefaultMaxBodyLog
	}
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)
	return &Middleware{
		cfg:    cfg,
		logger: logger,
		events: log.NewStructuredLogger(logger),
	}
}

// Middleware returns HTTP middleware for request tracing. A panic in the inner
// handler is logged and then re-raised.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP := ""
		if m.cfg.ExtractIP != nil {
			clientIP = m.cfg.ExtractIP(r)
		}

		requestID := NewRequestID()
		ctx := WithRequestID(r.Context(), requestID)
		ctx = log.WithLogger(ctx, m.logger.With(log.FieldRequestID, requestID))
		r = r.WithContext(ctx)

		w.Header().Set(HeaderRequestID, requestID)

		extra := log.NewFields()
		if m.cfg.Suspicious != nil && m.cfg.Suspicious(r) {
			extra[log.FieldSuspicious] = true
		}
		m.events.LogHTTPStart(ctx, r, requestID, clientIP, extra)

		if m.cfg.LogRequestBody {
			m.logBody(r, requestID)
		}

		m.cfg.Metrics.start()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		defer func() {
			if v := recover(); v != nil {
				duration := time.Since(start)
				err, ok := v.(error)
				if !ok {
					err = fmt.Errorf("%v", v)
				}
				m.events.LogHTTPFailed(ctx, r, requestID, duration, err)
				m.cfg.Metrics.finish(r.Method, "panic", duration)
				panic(v)
			}
		}()

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			m.events.LogHTTPAborted(ctx, r, requestID, duration, err)
			m.cfg.Metrics.finish(r.Method, "aborted", duration)
			return
		}

		m.events.LogHTTPEnd(ctx, r, requestID, rw.statusCode, duration)
		m.cfg.Metrics.finish(r.Method, strconv.Itoa(rw.statusCode), duration)
	})
}

// logBody reads at most MaxBodyLog bytes and puts them back in front of the
// unread remainder so the handler sees the full body.
func (m *Middleware) logBody(r *http.Request, requestID string) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return
	}
	if r.Body == nil || r.Body == http.NoBody {
		return
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, m.cfg.MaxBodyLog))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		m.logger.WarnContext(r.Context(), "Failed to log request body",
			log.FieldRequestID, requestID,
			log.FieldError, err.Error())
		return
	}
	if int64(len(buf)) < m.cfg.MaxBodyLog {
		m.logger.DebugContext(r.Context(), "Request body",
			log.FieldRequestID, requestID,
			"body", string(buf))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// NewRequestID creates a unique request ID for tracing
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
