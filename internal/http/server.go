package http

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"budgetbuddy/internal/auth"
	"budgetbuddy/internal/cache"
	"budgetbuddy/internal/core"
	"budgetbuddy/internal/log"
	"budgetbuddy/internal/middleware"
	"budgetbuddy/internal/middleware/ratelimit"
	"budgetbuddy/internal/middleware/security"
	"budgetbuddy/internal/middleware/trace"
)

// Store is the persistence the API needs.
type Store interface {
	Ping(ctx context.Context) error
	UpsertUser(ctx context.Context, profile core.User) (core.User, error)
	EnsureUser(ctx context.Context, profile core.User) (core.User, error)
	ListCategories(ctx context.Context, userID int64) ([]core.Category, error)
	CreateCategory(ctx context.Context, c core.Category) (core.Category, error)
	UpdateCategory(ctx context.Context, userID, id int64, patch core.CategoryPatch) (core.Category, error)
	DeleteCategory(ctx context.Context, userID, id int64) error
	ListTransactions(ctx context.Context, userID int64, limit int) ([]core.Transaction, error)
	CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, userID, id int64) error
	Stats(ctx context.Context, userID int64, now time.Time) (core.Stats, error)
}

// UpdateSink receives raw Telegram updates accepted by the webhook.
type UpdateSink interface {
	PublishUpdate(ctx context.Context, update []byte) error
}

// Options wires the server's collaborators. Store and Resolver are required;
// the rest fall back to defaults or are disabled when nil.
type Options struct {
	Store    Store
	Resolver *auth.Resolver
	Limiter  *ratelimit.Limiter
	Detector *security.Detector
	Headers  *security.HeadersMiddleware
	CORS     security.CORSConfig
	Trace    trace.Config

	// StatsCache caches per-user stats; nil disables caching.
	StatsCache *cache.LRUCache[core.Stats]

	Updates       UpdateSink
	WebhookSecret string

	// Gatherer backs /metrics. Nil uses the default prometheus registry.
	Gatherer prometheus.Gatherer

	Logger *log.Logger
	Now    func() time.Time
}

type Server struct {
	http.Server

	store         Store
	resolver      *auth.Resolver
	statsCache    *cache.LRUCache[core.Stats]
	updates       UpdateSink
	webhookSecret string
	now           func() time.Time
}

// NewServer configures routes and the governance chain, returning a ready-to-run server.
func NewServer(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Detector == nil {
		opts.Detector = security.NewDetector()
	}
	if opts.Headers == nil {
		opts.Headers = security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	}
	if len(opts.CORS.AllowOrigins) == 0 {
		opts.CORS = security.DefaultCORSConfig()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		store:         opts.Store,
		resolver:      opts.Resolver,
		statsCache:    opts.StatsCache,
		updates:       opts.Updates,
		webhookSecret: opts.WebhookSecret,
		now:           opts.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	mux.Handle("GET /api/me", s.authed(s.handleMe))
	mux.Handle("GET /api/categories", s.authed(s.handleListCategories))
	mux.Handle("POST /api/categories", s.authed(s.handleCreateCategory))
	mux.Handle("PATCH /api/categories/{id}", s.authed(s.handleUpdateCategory))
	mux.Handle("DELETE /api/categories/{id}", s.authed(s.handleDeleteCategory))
	mux.Handle("GET /api/transactions", s.authed(s.handleListTransactions))
	mux.Handle("POST /api/transactions", s.authed(s.handleCreateTransaction))
	mux.Handle("DELETE /api/transactions/{id}", s.authed(s.handleDeleteTransaction))
	mux.Handle("GET /api/stats", s.authed(s.handleStats))

	mux.HandleFunc("POST /telegram/webhook", s.handleWebhook)

	opts.Trace.ExtractIP = opts.Detector.ExtractClientIP
	opts.Trace.Suspicious = opts.Detector.DetectSuspiciousRequest
	tracer := trace.NewMiddleware(opts.Trace, opts.Logger)

	var limit middleware.Func
	if opts.Limiter != nil {
		keyFunc := ratelimit.IdentityKey(opts.Resolver.VerifiedKey, opts.Detector.ExtractClientIP)
		limit = opts.Limiter.Middleware(keyFunc, func(w http.ResponseWriter, r *http.Request) {
			// Rejections never reach the inner layers, so decorate them here.
			opts.Headers.Apply(w.Header())
			w.Header().Set(trace.HeaderRequestID, trace.NewRequestID())
		})
	}

	s.Server = http.Server{
		Addr: addr,
		Handler: middleware.Chain(mux,
			log.Middleware(opts.Logger),
			limit,
			tracer.Middleware,
			opts.Headers.Middleware,
			security.CORS(opts.CORS),
		),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return s.resolver.Middleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]string{"status": "ok"}).Write(w)
}

func handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports not ready while the database is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		log.FromContext(r.Context()).WarnContext(ctx, "Readiness check failed", log.FieldError, err.Error())
		ServiceUnavailableError("database unavailable").Write(w)
		return
	}
	NewJSONResponse().Body(map[string]string{"status": "ready"}).Write(w)
}
