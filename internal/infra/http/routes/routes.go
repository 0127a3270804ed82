// Package routes registers all HTTP routes for the API.
package routes

import (
	"github.com/openctemio/stigmap/internal/config"
	infrahttp "github.com/openctemio/stigmap/internal/infra/http"
	"github.com/openctemio/stigmap/internal/infra/http/handler"
	"github.com/openctemio/stigmap/internal/infra/http/middleware"
	"github.com/openctemio/stigmap/pkg/logger"
)

// Middleware is an alias to the http package's Middleware type.
type Middleware = infrahttp.Middleware

// Router is an alias to the http package's Router interface.
type Router = infrahttp.Router

// Handlers holds all HTTP handlers for route registration.
type Handlers struct {
	Health      *handler.HealthHandler
	STIGMapping *handler.STIGMappingHandler
}

// AuthConfig holds authentication configuration for route registration.
type AuthConfig struct {
	// Validator checks bearer tokens. Nil disables authentication.
	Validator middleware.TokenValidator

	// UploadLimiter bounds document uploads per client. Nil disables it.
	UploadLimiter middleware.UploadAllower
}

// Register registers all application routes.
//
// Routes are organized across files by domain:
//   - misc.go: Health, readiness and metrics
//   - stig.go: Checklist parsing and STIG mappings
func Register(router Router, h Handlers, cfg *config.Config, log *logger.Logger, authCfg AuthConfig) {
	registerHealthRoutes(router, h.Health)

	if h.STIGMapping != nil {
		authMiddleware := middleware.Auth(authCfg.Validator, log)
		uploadMiddlewares := buildUploadMiddlewares(cfg, authCfg.UploadLimiter, log)
		registerSTIGRoutes(router, h.STIGMapping, authMiddleware, uploadMiddlewares)
	}
}

// buildUploadMiddlewares limits and inflates document uploads. The limiter
// runs first so rejected clients never cost a decompression.
func buildUploadMiddlewares(cfg *config.Config, limiter middleware.UploadAllower, log *logger.Logger) []Middleware {
	return []Middleware{
		middleware.UploadLimit(limiter, log),
		middleware.Decompress(middleware.UploadDecompressConfig(cfg.Server.MaxBodySize)),
	}
}
