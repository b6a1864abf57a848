// Package auth issues and parses the HS256 JWTs used by the HTTP API and as
// the registry publish credential. It is a leaf package with no domain
// dependencies.
package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultJWTExpiry is the token lifetime in hours when ENACT_JWT_EXPIRY is
// unset or invalid.
const DefaultJWTExpiry = 24

const (
	envJWTSecret = "ENACT_JWT_SECRET"
	envJWTExpiry = "ENACT_JWT_EXPIRY"
)

// Scopes carried in the "scope" claim.
const (
	ScopeExecute = "tools:execute"
	ScopePublish = "tools:publish"
	ScopeAudit   = "audit:read"
)

var ErrMissingScope = errors.New("token lacks required scope")

// getJWTSecret reads ENACT_JWT_SECRET. Panics if not set: the API cannot
// start without it.
func getJWTSecret() []byte {
	secret := os.Getenv(envJWTSecret)
	if secret == "" {
		panic(envJWTSecret + " environment variable not set, cannot initialize auth")
	}
	return []byte(secret)
}

// Configured reports whether a signing secret is present.
func Configured() bool {
	return os.Getenv(envJWTSecret) != ""
}

// parseJWTExpiry parses an expiry in hours. Empty, invalid and non-positive
// values fall back to DefaultJWTExpiry.
func parseJWTExpiry(expiryStr string) time.Duration {
	hours, err := strconv.Atoi(strings.TrimSpace(expiryStr))
	if err != nil || hours <= 0 {
		return time.Duration(DefaultJWTExpiry) * time.Hour
	}
	return time.Duration(hours) * time.Hour
}

func getJWTExpiry() time.Duration {
	return parseJWTExpiry(os.Getenv(envJWTExpiry))
}

// Claims are the enact token claims. Scope is a space-separated list.
type Claims struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes(), scope)
}

// GenerateJWT signs a token for userID granting scopes.
// Panics if ENACT_JWT_SECRET is not set.
func GenerateJWT(userID string, scopes ...string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Scope:  strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(getJWTExpiry())),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(getJWTSecret())
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signed, nil
}

// ParseJWT validates a token and returns its claims.
func ParseJWT(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Reject algorithm substitution.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return getJWTSecret(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid JWT claims or signature")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user_id")
	}
	return claims, nil
}

// PublishSubject checks a registry publish credential and returns the user it
// was issued to.
func PublishSubject(credential string) (string, error) {
	claims, err := ParseJWT(strings.TrimSpace(credential))
	if err != nil {
		return "", err
	}
	if !claims.HasScope(ScopePublish) {
		return "", fmt.Errorf("%w: %s", ErrMissingScope, ScopePublish)
	}
	return claims.UserID, nil
}
