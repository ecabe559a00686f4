// Package auth guards the operator endpoints with HS256 JWTs.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorKey contextKey = "operator"

// ErrUnauthorized is returned for missing, malformed or invalid tokens.
var ErrUnauthorized = errors.New("unauthorized")

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey string
	now       func() time.Time
}

// NewJWTConfig creates a new JWT config. An empty secret rejects every token.
func NewJWTConfig(secretKey string) *JWTConfig {
	return &JWTConfig{SecretKey: secretKey, now: time.Now}
}

// Issue signs a token for an operator.
func (c *JWTConfig) Issue(operator string, ttl time.Duration) (string, error) {
	if c.SecretKey == "" {
		return "", ErrUnauthorized
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.SecretKey))
}

// Parse validates a token and returns the operator it was issued to.
func (c *JWTConfig) Parse(tokenString string) (string, error) {
	if c.SecretKey == "" || tokenString == "" {
		return "", ErrUnauthorized
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(c.SecretKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// TokenFromRequest reads a bearer token, falling back to the token query
// parameter used by browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid operator token
func (c *JWTConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, err := c.Parse(TokenFromRequest(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="chatflow"`)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), operator)))
	})
}

// WithOperator stores the operator on the context.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// GetOperator extracts the operator from context
func GetOperator(ctx context.Context) string {
	if operator, ok := ctx.Value(operatorKey).(string); ok {
		return operator
	}
	return ""
}
