package main

import (
	"fmt"

	"github.com/openctemio/stigmap/internal/config"
	"github.com/openctemio/stigmap/internal/infra/http/handler"
	"github.com/openctemio/stigmap/internal/infra/http/routes"
	"github.com/openctemio/stigmap/internal/infra/postgres"
	"github.com/openctemio/stigmap/internal/infra/redis"
	"github.com/openctemio/stigmap/pkg/jwt"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/validator"
)

// uploadLimiterPrefix is the Redis key prefix of the upload limiter.
const uploadLimiterPrefix = "ratelimit:uploads"

// HandlerDeps contains dependencies needed to create handlers.
type HandlerDeps struct {
	Version     string
	Log         *logger.Logger
	Validator   *validator.Validator
	DB          *postgres.DB
	RedisClient *redis.Client
	Services    *Services
}

// NewHandlers creates all HTTP handlers.
func NewHandlers(deps *HandlerDeps) routes.Handlers {
	return routes.Handlers{
		Health: handler.NewHealthHandler(
			handler.WithDatabase(deps.DB),
			handler.WithRedis(deps.RedisClient),
			handler.WithVersion(deps.Version),
		),
		STIGMapping: handler.NewSTIGMappingHandler(deps.Services.STIGMapping, deps.Validator, deps.Log),
	}
}

// NewAuthConfig builds the token validator and the upload limiter. Both
// are left nil, and so disabled, when not configured.
func NewAuthConfig(cfg *config.Config, redisClient *redis.Client, log *logger.Logger) (routes.AuthConfig, error) {
	var authCfg routes.AuthConfig

	if cfg.Auth.Enabled() {
		gen, err := jwt.NewGenerator(jwt.TokenConfig{
			Secret: cfg.Auth.JWTSecret,
			Issuer: cfg.Auth.JWTIssuer,
		})
		if err != nil {
			return authCfg, fmt.Errorf("failed to create token validator: %w", err)
		}
		authCfg.Validator = gen
		log.Info("bearer token authentication enabled", "issuer", cfg.Auth.JWTIssuer)
	} else {
		log.Warn("authentication disabled, every request is trusted")
	}

	if cfg.RateLimit.UploadsPerWindow > 0 {
		limiter, err := redis.NewRateLimiter(redisClient, uploadLimiterPrefix,
			cfg.RateLimit.UploadsPerWindow, cfg.RateLimit.UploadWindow, log)
		if err != nil {
			return authCfg, fmt.Errorf("failed to create upload limiter: %w", err)
		}
		authCfg.UploadLimiter = limiter
	}

	return authCfg, nil
}
