// Package auth authenticates operator API calls with HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/pkg/httputil"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims identifies the operator behind a request.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// FromContext returns the claims attached by RequireAuth.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// AuthManager issues and verifies operator tokens.
type AuthManager struct {
	secret  []byte
	issuer  string
	enabled bool
	now     func() time.Time
}

// NewAuthManager creates a manager from configuration. A manager with auth
// disabled lets every request through.
func NewAuthManager(cfg config.AuthConfig) *AuthManager {
	am := &AuthManager{
		secret:  []byte(cfg.JWTSecret),
		issuer:  cfg.Issuer,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
	if am.enabled && len(am.secret) == 0 {
		log.Printf("[Auth] Auth enabled without a JWT secret; all API calls will be rejected")
	}
	return am
}

// Enabled reports whether tokens are enforced.
func (am *AuthManager) Enabled() bool { return am.enabled }

// Issue signs a token for subject valid for ttl.
func (am *AuthManager) Issue(subject, email, role string, ttl time.Duration) (string, error) {
	if len(am.secret) == 0 {
		return "", errors.New("no JWT secret configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := am.now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    am.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(am.secret)
}

// Parse verifies a token's signature, expiry and issuer.
func (am *AuthManager) Parse(tokenStr string) (*Claims, error) {
	if len(am.secret) == 0 {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(am.now),
	}
	if am.issuer != "" {
		opts = append(opts, jwt.WithIssuer(am.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return am.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireAuth is middleware that requires a valid bearer token.
func (am *AuthManager) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		tokenStr, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenStr == "" {
			httputil.Unauthorized(w, "unauthorized")
			return
		}

		claims, err := am.Parse(tokenStr)
		if err != nil {
			log.Printf("[Auth] Rejected token from %s: %v", r.RemoteAddr, err)
			httputil.Unauthorized(w, "unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}
