package auth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(allowBare bool) *Resolver {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(testSecret, WithClock(func() time.Time { return now }))
	return NewResolver(v, ResolverConfig{AllowBareUserID: allowBare}, nil)
}

func validInitData() string {
	return SignInitData(map[string]string{
		"auth_date": strconv.FormatInt(time.Unix(1_700_000_000, 0).Unix(), 10),
		"user":      `{"id":42,"first_name":"A"}`,
	}, testSecret)
}

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name        string
		allowBare   bool
		initData    string
		userID      string
		wantID      int64
		wantTrusted bool
		wantErr     bool
	}{
		{name: "verified init data", initData: validInitData(), wantID: 42, wantTrusted: true},
		{name: "verified wins over bare header", allowBare: true, initData: validInitData(), userID: "7", wantID: 42, wantTrusted: true},
		{name: "bare header when allowed", allowBare: true, userID: "7", wantID: 7},
		{name: "bare header when disabled", userID: "7", wantErr: true},
		{name: "invalid init data falls back to bare header", allowBare: true, initData: "user=x&hash=00", userID: "9", wantID: 9},
		{name: "invalid init data without fallback", initData: "user=x&hash=00", wantErr: true},
		{name: "non numeric bare header", allowBare: true, userID: "abc", wantErr: true},
		{name: "nothing", allowBare: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(tt.allowBare)
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.initData != "" {
				req.Header.Set(DefaultInitDataHeader, tt.initData)
			}
			if tt.userID != "" {
				req.Header.Set(DefaultUserIDHeader, tt.userID)
			}

			id, err := r.Resolve(req)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsUnauthorized(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id.ID)
			assert.Equal(t, tt.wantTrusted, id.Trusted)
		})
	}
}

func TestResolver_BareIdentityPlaceholders(t *testing.T) {
	r := newTestResolver(true)
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(DefaultUserIDHeader, "123")

	id, err := r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: 123, FirstName: "Bot User", LanguageCode: "en"}, id)
}

func TestResolver_VerifiedKeyIgnoresBareHeader(t *testing.T) {
	r := newTestResolver(true)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(DefaultUserIDHeader, "7")
	_, ok := r.VerifiedKey(req)
	assert.False(t, ok)

	req.Header.Set(DefaultInitDataHeader, validInitData())
	key, ok := r.VerifiedKey(req)
	assert.True(t, ok)
	assert.Equal(t, "user:42", key)
}

func TestResolver_Middleware(t *testing.T) {
	r := newTestResolver(false)

	var got Identity
	h := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got, _ = FromContext(req.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("authorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req.Header.Set(DefaultInitDataHeader, validInitData())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, int64(42), got.ID)
	})

	t.Run("unauthorized body is opaque", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req.Header.Set(DefaultInitDataHeader, "auth_date=1&user=%7B%22id%22%3A1%7D&hash=deadbeef")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	})
}
