package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-notifier/internal/config"
)

func newManager(t *testing.T) *AuthManager {
	t.Helper()
	am := NewAuthManager(config.AuthConfig{Enabled: true, JWTSecret: "s3cret", Issuer: "campaign-notifier"})
	am.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return am
}

func protected(am *AuthManager) http.Handler {
	return am.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		if ok {
			w.Header().Set("X-Subject", c.Subject)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestIssueAndParse(t *testing.T) {
	am := newManager(t)
	tok, err := am.Issue("op-1", "ops@example.com", "admin", time.Hour)
	require.NoError(t, err)

	c, err := am.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "op-1", c.Subject)
	assert.Equal(t, "admin", c.Role)
}

func TestParse_Rejects(t *testing.T) {
	am := newManager(t)
	valid, err := am.Issue("op-1", "", "", time.Hour)
	require.NoError(t, err)

	other := newManager(t)
	other.issuer = "someone-else"
	foreign, err := other.Issue("op-1", "", "", time.Hour)
	require.NoError(t, err)

	expired, err := am.Issue("op-1", "", "", time.Minute)
	require.NoError(t, err)
	later := newManager(t)
	later.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: "campaign-notifier"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = am.Parse(valid + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = am.Parse(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = later.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = am.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireAuth(t *testing.T) {
	am := newManager(t)
	h := protected(am)
	tok, err := am.Issue("op-1", "", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + tok, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/campaigns", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "op-1", rec.Header().Get("X-Subject"))
			}
		})
	}
}

func TestRequireAuth_Disabled(t *testing.T) {
	am := NewAuthManager(config.AuthConfig{})
	rec := httptest.NewRecorder()
	protected(am).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/campaigns", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, am.Enabled())
}
