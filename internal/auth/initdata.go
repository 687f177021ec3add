// Package auth verifies Telegram Mini App init data and resolves the caller identity
// for API requests.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge is how long signed init data stays acceptable after auth_date.
const DefaultMaxAge = 24 * time.Hour

const (
	fieldHash     = "hash"
	fieldAuthDate = "auth_date"
	fieldUser     = "user"
)

// All verification failures wrap ErrUnauthorized. The specific kinds exist for
// logging only and must never reach an HTTP client.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMalformedSession  = fmt.Errorf("%w: malformed init data", ErrUnauthorized)
	ErrSignatureMismatch = fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	ErrStaleSession      = fmt.Errorf("%w: init data expired", ErrUnauthorized)
)

// Verifier checks init data against a bot token.
type Verifier struct {
	secret          string
	maxAge          time.Duration
	requireAuthDate bool
	now             func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.maxAge = d
		}
	}
}

// WithRequiredAuthDate rejects payloads that carry no usable auth_date.
func WithRequiredAuthDate(required bool) VerifierOption {
	return func(v *Verifier) { v.requireAuthDate = required }
}

// WithClock sets the time source used for the freshness check.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier returns a Verifier bound to secret.
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret: secret,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates raw and returns the embedded identity.
func (v *Verifier) Verify(raw string) (Identity, error) {
	return verify(raw, v.secret, v.maxAge, v.requireAuthDate, v.now())
}

// VerifyInitData validates raw against secret with the given freshness window.
// A missing auth_date is accepted.
func VerifyInitData(raw, secret string, maxAge time.Duration, now time.Time) (Identity, error) {
	return verify(raw, secret, maxAge, false, now)
}

func verify(raw, secret string, maxAge time.Duration, requireAuthDate bool, now time.Time) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMalformedSession
	}

	fields, err := ParseInitData(raw)
	if err != nil {
		return Identity{}, err
	}

	received := fields[fieldHash]
	if received == "" {
		return Identity{}, ErrMalformedSession
	}
	delete(fields, fieldHash)

	expected := Sign(fields, secret)
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return Identity{}, ErrSignatureMismatch
	}

	authDate, ok := parseAuthDate(fields[fieldAuthDate])
	if ok {
		if now.Unix()-authDate > int64(maxAge/time.Second) {
			return Identity{}, ErrStaleSession
		}
	} else if requireAuthDate {
		return Identity{}, ErrStaleSession
	}

	return parseUser(fields[fieldUser])
}

// ParseInitData decodes a query-string payload. Blank values are kept and the
// last occurrence of a repeated key wins.
func ParseInitData(raw string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
		}
		val, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
		}
		fields[k] = val
	}
	return fields, nil
}

// DataCheckString builds the canonical HMAC input: every field except hash,
// sorted by key, rendered as key=value and joined with newlines.
func DataCheckString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == fieldHash {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the canonical string, keyed with SHA-256(secret).
func Sign(fields map[string]string, secret string) string {
	key := sha256.Sum256([]byte(secret))
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(DataCheckString(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignInitData produces an encoded payload with its hash, as the issuing platform would.
func SignInitData(fields map[string]string, secret string) string {
	values := url.Values{}
	for k, v := range fields {
		if k == fieldHash {
			continue
		}
		values.Set(k, v)
	}
	values.Set(fieldHash, Sign(fields, secret))
	return values.Encode()
}

// parseAuthDate accepts only unsigned base-10 integers.
func parseAuthDate(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseUser(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMalformedSession
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return Identity{}, ErrMalformedSession
	}

	id, ok := coerceID(obj["id"])
	if !ok {
		return Identity{}, ErrMalformedSession
	}

	return Identity{
		ID:           id,
		FirstName:    stringField(obj["first_name"]),
		LastName:     stringField(obj["last_name"]),
		Username:     stringField(obj["username"]),
		LanguageCode: stringField(obj["language_code"]),
		Trusted:      true,
	}, nil
}

// coerceID accepts JSON integers, integral strings and finite floats (truncated).
func coerceID(v any) (int64, bool) {
	switch id := v.(type) {
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return n, true
		}
		f, err := id.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
			return 0, false
		}
		return int64(f), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case bool:
		if id {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func stringField(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		if s == "0" {
			return ""
		}
		return s.String()
	default:
		return ""
	}
}
