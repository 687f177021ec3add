package security

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSConfig holds allowed origins and preflight settings.
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int
}

// DefaultCORSConfig allows the local Mini App dev server.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"http://localhost:5173"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"*"},
		MaxAge:       600,
	}
}

// CORS answers preflight requests and decorates responses for allowed origins.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	def := DefaultCORSConfig()
	if len(config.AllowMethods) == 0 {
		config.AllowMethods = def.AllowMethods
	}
	if len(config.AllowHeaders) == 0 {
		config.AllowHeaders = def.AllowHeaders
	}
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	wildcard := slices.Contains(config.AllowOrigins, "*")
	methods := strings.Join(config.AllowMethods, ", ")
	headers := strings.Join(config.AllowHeaders, ", ")
	maxAge := strconv.Itoa(config.MaxAge)

	allowed := func(origin string) bool {
		return wildcard || (origin != "" && slices.Contains(config.AllowOrigins, origin))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			ok := allowed(origin)
			allowOrigin := origin
			if allowOrigin == "" {
				allowOrigin = "*"
			}

			if r.Method == http.MethodOptions && ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allowOrigin)
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				h.Set("Access-Control-Max-Age", maxAge)
				h.Set("Access-Control-Allow-Credentials", "true")
				w.WriteHeader(http.StatusOK)
				return
			}

			if ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allowOrigin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID")
				h.Add("Vary", "Origin")
			}
			next.ServeHTTP(w, r)
		})
	}
}
