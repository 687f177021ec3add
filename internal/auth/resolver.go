package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"budgetbuddy/internal/log"
)

const (
	DefaultInitDataHeader = "X-TG-Init-Data"
	DefaultUserIDHeader   = "X-TG-User-ID"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	InitDataHeader string
	UserIDHeader   string

	// AllowBareUserID enables the unauthenticated user id header used by the bot relay.
	AllowBareUserID bool
}

// Resolver picks the identity for a request: verified init data first, then the
// bare user id header when allowed.
type Resolver struct {
	verifier *Verifier
	cfg      ResolverConfig
	logger   *log.Logger
}

// NewResolver creates a resolver. A nil logger discards output.
func NewResolver(verifier *Verifier, cfg ResolverConfig, logger *log.Logger) *Resolver {
	if cfg.InitDataHeader == "" {
		cfg.InitDataHeader = DefaultInitDataHeader
	}
	if cfg.UserIDHeader == "" {
		cfg.UserIDHeader = DefaultUserIDHeader
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Resolver{
		verifier: verifier,
		cfg:      cfg,
		logger:   logger.WithComponent(log.ComponentAuth),
	}
}

// Resolve returns the caller identity or an error wrapping ErrUnauthorized.
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	if raw := req.Header.Get(r.cfg.InitDataHeader); raw != "" {
		id, err := r.verifier.Verify(raw)
		if err == nil {
			return id, nil
		}
		r.logger.DebugContext(req.Context(), "init data rejected",
			log.FieldError, err.Error(),
			log.FieldPath, req.URL.Path)
		if !r.cfg.AllowBareUserID {
			return Identity{}, err
		}
	}

	if r.cfg.AllowBareUserID {
		if id, ok := parseBareUserID(req.Header.Get(r.cfg.UserIDHeader)); ok {
			return Identity{
				ID:           id,
				FirstName:    "Bot User",
				LanguageCode: "en",
			}, nil
		}
	}

	return Identity{}, ErrUnauthorized
}

// VerifiedKey returns the rate limiting key for requests with valid init data.
// The bare user id header is ignored so that clients cannot pick their own bucket.
func (r *Resolver) VerifiedKey(req *http.Request) (string, bool) {
	raw := req.Header.Get(r.cfg.InitDataHeader)
	if raw == "" {
		return "", false
	}
	id, err := r.verifier.Verify(raw)
	if err != nil {
		return "", false
	}
	return id.Key(), true
}

// Middleware rejects unauthenticated requests with 401 and stores the identity
// in the request context otherwise.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id, err := r.Resolve(req)
		if err != nil {
			WriteUnauthorized(w)
			return
		}

		ctx := WithIdentity(req.Context(), id)
		logger := log.FromContext(ctx).With(log.FieldUserID, id.ID, log.FieldTrusted, id.Trusted)
		ctx = log.WithLogger(ctx, logger)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// WriteUnauthorized writes the uniform 401 body. It never says why.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func parseBareUserID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
