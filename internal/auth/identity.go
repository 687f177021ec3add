package auth

import (
	"context"
	"strconv"
)

// Identity is the caller resolved for a request.
type Identity struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Username     string `json:"username"`
	LanguageCode string `json:"language_code"`

	// Trusted is true only when the identity came from verified init data.
	Trusted bool `json:"-"`
}

// Key is the rate limiting bucket for this identity.
func (i Identity) Key() string {
	return "user:" + strconv.FormatInt(i.ID, 10)
}

type contextKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the resolver middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
