// Package auth verifies bearer tokens on the search endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const SubjectContextKey ContextKey = "subject"

const cookieName = "auth_token"

type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens. A disabled verifier lets every request through.
type Verifier struct {
	secret  []byte
	issuer  string
	enabled bool
}

func NewVerifier(secret, issuer string, enabled bool) (*Verifier, error) {
	if enabled && secret == "" {
		return nil, errors.New("auth: secret is required when auth is enabled")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, enabled: enabled}, nil
}

// Enabled returns whether requests must carry a token.
func (v *Verifier) Enabled() bool {
	return v != nil && v.enabled
}

// Issue signs a token for subject, valid for ttl.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("auth: no secret configured")
	}
	now := time.Now()
	claims := Claims{
		Scope: "search",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate parses a token and checks signature, expiry and issuer.
func (v *Verifier) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid token when auth is enabled.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := bearer(r)
		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		claims, err := v.Validate(tokenString)
		if err != nil {
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectContextKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearer reads the Authorization header, falling back to the auth cookie.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// SubjectFromContext returns the authenticated subject, or "" if none.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(SubjectContextKey).(string)
	return s
}
