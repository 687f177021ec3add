package security

import (
	"fmt"
	"net/http"
)

// HeadersConfig holds security headers configuration
type HeadersConfig struct {
	// Content Security Policy
	CSP string

	// HSTS settings
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	// Additional security headers
	XFrameOptions       string
	XContentTypeOptions string
	XXSSProtection      string
	ReferrerPolicy      string
	PermissionsPolicy   string
}

// DefaultHeadersConfig returns the policy for the Mini App API: scripts from
// telegram.org and API calls to api.telegram.org are allowed, framing is not.
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		CSP: "default-src 'self'; " +
			"script-src 'self' 'unsafe-inline' 'unsafe-eval' https://telegram.org; " +
			"style-src 'self' 'unsafe-inline'; " +
			"img-src 'self' data: https: blob:; " +
			"font-src 'self' data:; " +
			"connect-src 'self' https://api.telegram.org; " +
			"frame-ancestors 'none'; " +
			"base-uri 'self'; " +
			"form-action 'self';",

		HSTSMaxAge:            31536000, // 1 year
		HSTSIncludeSubdomains: true,
		HSTSPreload:           true,

		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		XXSSProtection:      "1; mode=block",
		ReferrerPolicy:      "strict-origin-when-cross-origin",
		PermissionsPolicy: "geolocation=(), microphone=(), camera=(), payment=(), " +
			"usb=(), magnetometer=(), gyroscope=(), accelerometer=()",
	}
}

// HeadersMiddleware applies security headers to responses
type HeadersMiddleware struct {
	config HeadersConfig
	hsts   string
}

// NewHeadersMiddleware creates a new security headers middleware
func NewHeadersMiddleware(config HeadersConfig) *HeadersMiddleware {
	h := &HeadersMiddleware{config: config}
	if config.HSTSMaxAge > 0 {
		h.hsts = fmt.Sprintf("max-age=%d", config.HSTSMaxAge)
		if config.HSTSIncludeSubdomains {
			h.hsts += "; includeSubDomains"
		}
		if config.HSTSPreload {
			h.hsts += "; preload"
		}
	}
	return h
}

// Middleware sets the headers before the handler runs, so every response
// carries them whatever its status.
func (h *HeadersMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Apply(w.Header())
		next.ServeHTTP(w, r)
	})
}

// Apply writes the configured headers into hdr.
func (h *HeadersMiddleware) Apply(hdr http.Header) {
	setIfNotEmpty(hdr, "Content-Security-Policy", h.config.CSP)
	setIfNotEmpty(hdr, "X-Frame-Options", h.config.XFrameOptions)
	setIfNotEmpty(hdr, "X-Content-Type-Options", h.config.XContentTypeOptions)
	setIfNotEmpty(hdr, "X-XSS-Protection", h.config.XXSSProtection)
	// TLS usually terminates at the proxy, so HSTS is sent on plain HTTP too
	setIfNotEmpty(hdr, "Strict-Transport-Security", h.hsts)
	setIfNotEmpty(hdr, "Referrer-Policy", h.config.ReferrerPolicy)
	setIfNotEmpty(hdr, "Permissions-Policy", h.config.PermissionsPolicy)
}

func setIfNotEmpty(hdr http.Header, key, value string) {
	if value != "" {
		hdr.Set(key, value)
	}
}
