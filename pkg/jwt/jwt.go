// Package jwt provides JWT token generation and validation utilities.
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrEmptySubject is returned when the subject is empty.
	ErrEmptySubject = errors.New("subject cannot be empty")
	// ErrEmptySecret is returned when no signing secret is configured.
	ErrEmptySecret = errors.New("secret cannot be empty")
)

// Scope limits what a token may do.
type Scope string

const (
	// ScopeRead allows listing, fetching and exporting mappings.
	ScopeRead Scope = "mappings:read"
	// ScopeWrite allows creating, importing and deleting mappings.
	ScopeWrite Scope = "mappings:write"
)

// AllScopes returns every known scope.
func AllScopes() []Scope {
	return []Scope{ScopeRead, ScopeWrite}
}

// Claims represents the JWT claims structure.
type Claims struct {
	Scopes []Scope `json:"scopes,omitempty"`

	jwt.RegisteredClaims
}

// HasScope reports whether the claims grant scope. A token without any
// scopes is treated as full access.
func (c *Claims) HasScope(scope Scope) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenConfig holds configuration for token generation.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Generator handles JWT token generation and validation.
type Generator struct {
	config TokenConfig
}

// NewGenerator creates a new token generator.
func NewGenerator(config TokenConfig) (*Generator, error) {
	if config.Secret == "" {
		return nil, ErrEmptySecret
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	return &Generator{config: config}, nil
}

// Generate creates a signed token for subject.
func (g *Generator) Generate(subject string, scopes ...Scope) (string, time.Time, error) {
	return g.GenerateWithTTL(subject, g.config.TTL, scopes...)
}

// GenerateWithTTL is Generate with an explicit lifetime.
func (g *Generator) GenerateWithTTL(subject string, ttl time.Duration, scopes ...Scope) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, ErrEmptySubject
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    g.config.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(g.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses the token and checks signature, expiry and issuer.
func (g *Generator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if g.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(g.config.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
