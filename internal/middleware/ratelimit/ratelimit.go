package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"budgetbuddy/internal/log"
)

// Config holds rate limiter configuration
type Config struct {
	// Calls is the number of requests allowed per Period.
	Calls  int
	Period time.Duration
	// ExcludePaths are path prefixes that bypass limiting.
	ExcludePaths    []string
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Calls:           100,
		Period:          60 * time.Second,
		ExcludePaths:    []string{"/health", "/metrics", "/docs", "/redoc"},
		CleanupInterval: 5 * time.Minute,
	}
}

// Decision is the result of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// KeyFunc derives the identity key for a request.
type KeyFunc func(*http.Request) string

// Limiter admits or rejects requests per identity using a sliding window.
type Limiter struct {
	cfg     Config
	store   Store
	logger  *log.Logger
	metrics *Metrics
	now     func() time.Time

	lastSweep atomic.Int64
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger.WithComponent(log.ComponentRateLimit)
		}
	}
}

// WithMetrics records decisions into m.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter creates a limiter over store. Zero config values fall back to DefaultConfig.
func NewLimiter(config Config, store Store, opts ...Option) *Limiter {
	def := DefaultConfig()
	if config.Calls <= 0 {
		config.Calls = def.Calls
	}
	if config.Period <= 0 {
		config.Period = def.Period
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if store == nil {
		store = NewMemoryStore()
	}

	l := &Limiter{
		cfg:    config,
		store:  store,
		logger: log.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep.Store(l.now().UnixNano())
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Excluded reports whether path bypasses limiting.
func (l *Limiter) Excluded(path string) bool {
	for _, prefix := range l.cfg.ExcludePaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Admit records a request for key at now if the window has room.
func (l *Limiter) Admit(ctx context.Context, key string, now time.Time) (Decision, error) {
	w, err := l.store.Take(ctx, key, now, l.cfg.Period, l.cfg.Calls)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Limit: l.cfg.Calls}
	if w.Admitted {
		d.Allowed = true
		d.Remaining = max(0, l.cfg.Calls-w.Count)
		d.ResetAt = now.Add(l.cfg.Period)
	} else {
		d.RetryAfter = l.cfg.Period
		d.ResetAt = w.Oldest.Add(l.cfg.Period)
		if w.Oldest.IsZero() {
			d.ResetAt = now.Add(l.cfg.Period)
		}
	}

	l.maybeSweep(ctx, now)
	return d, nil
}

// maybeSweep runs at most once per cleanup interval. Only the request that wins
// the compare-and-swap pays for it.
func (l *Limiter) maybeSweep(ctx context.Context, now time.Time) {
	last := l.lastSweep.Load()
	if now.UnixNano()-last < l.cfg.CleanupInterval.Nanoseconds() {
		return
	}
	if !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	l.Sweep(ctx, now)
}

// Sweep drops identities idle for more than twice the period.
func (l *Limiter) Sweep(ctx context.Context, now time.Time) {
	removed, err := l.store.Sweep(ctx, now.Add(-2*l.cfg.Period))
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit sweep failed",
			log.FieldOperation, log.OpSweep,
			log.FieldError, err.Error())
	}
	size, err := l.store.Size(ctx)
	if err == nil {
		l.metrics.setTracked(size)
	}
	l.logger.DebugContext(ctx, "rate limit sweep finished",
		log.FieldOperation, log.OpSweep,
		"removed", removed,
		"tracked", size)
}

// Middleware creates HTTP middleware for rate limiting. onLimit, when set, runs
// before the 429 response is written so callers can add their own headers.
func (l *Limiter) Middleware(keyFunc KeyFunc, onLimit func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.Excluded(r.URL.Path) {
				l.metrics.record(outcomeExcluded)
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			d, err := l.Admit(r.Context(), key, l.now())
			if err != nil {
				l.metrics.record(outcomeError)
				l.logger.ErrorContext(r.Context(), "rate limit check failed, admitting request",
					log.FieldIdentityKey, key,
					log.FieldOperation, log.OpAdmit,
					log.FieldError, err.Error())
				next.ServeHTTP(w, r)
				return
			}

			writeLimitHeaders(w.Header(), d)
			if !d.Allowed {
				l.metrics.record(outcomeRejected)
				l.logger.WarnContext(r.Context(), "Rate limit exceeded",
					log.FieldIdentityKey, key,
					log.FieldPath, r.URL.Path,
					log.FieldRequests, d.Limit)
				if onLimit != nil {
					onLimit(w, r)
				}
				writeRejection(w, d)
				return
			}

			l.metrics.record(outcomeAllowed)
			next.ServeHTTP(w, r)
		})
	}
}

func writeLimitHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

type rejection struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

func writeRejection(w http.ResponseWriter, d Decision) {
	seconds := int(d.RetryAfter / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejection{
		Error:      "Too many requests. Please try again later.",
		RetryAfter: seconds,
	})
}

// IdentityKey keys verified callers by user id and everyone else by client address.
func IdentityKey(verified func(*http.Request) (string, bool), clientIP func(*http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		if verified != nil {
			if key, ok := verified(r); ok {
				return key
			}
		}
		ip := ""
		if clientIP != nil {
			ip = clientIP(r)
		}
		if ip == "" {
			ip = "unknown"
		}
		return "ip:" + ip
	}
}
