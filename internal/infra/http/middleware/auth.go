package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openctemio/stigmap/pkg/apierror"
	"github.com/openctemio/stigmap/pkg/jwt"
	"github.com/openctemio/stigmap/pkg/logger"
)

type claimsKey struct{}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*jwt.Claims, error)
}

// Auth requires a valid bearer token and stores its subject in the request
// context. A nil validator disables authentication.
func Auth(validator TokenValidator, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			token, ok := bearerToken(r)
			if !ok {
				RecordAuthFailure("missing")
				apierror.Unauthorized("").WriteJSONWithRequestID(w, requestID)
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				reason := "invalid"
				if errors.Is(err, jwt.ErrExpiredToken) {
					reason = "expired"
				}
				RecordAuthFailure(reason)
				log.Warn("bearer token rejected",
					"reason", reason,
					"path", r.URL.Path,
					"request_id", requestID,
				)
				apierror.SafeUnauthorized(err).WriteJSONWithRequestID(w, requestID)
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects requests whose token lacks scope. Requests that
// passed through a disabled Auth carry no claims and are let through.
func RequireScope(scope jwt.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims != nil && !claims.HasScope(scope) {
				apierror.New(http.StatusForbidden, "FORBIDDEN", "Token lacks scope "+string(scope)).
					WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetSubject returns the authenticated subject, or "" when auth is off.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}

// GetClaims returns the validated token claims, if any.
func GetClaims(ctx context.Context) *jwt.Claims {
	if c, ok := ctx.Value(claimsKey{}).(*jwt.Claims); ok {
		return c
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
