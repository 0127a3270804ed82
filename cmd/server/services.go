package main

import (
	"context"
	"fmt"

	"github.com/openctemio/stigmap/internal/app"
	"github.com/openctemio/stigmap/internal/config"
	"github.com/openctemio/stigmap/internal/infra/fetchers"
	"github.com/openctemio/stigmap/internal/infra/jobs"
	"github.com/openctemio/stigmap/internal/infra/redis"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// Services holds all service instances.
type Services struct {
	STIGMapping *app.STIGMappingService

	// Source is nil when no document source is configured.
	Source fetchers.Fetcher
}

// ServiceDeps contains dependencies needed to create services.
type ServiceDeps struct {
	Config      *config.Config
	Log         *logger.Logger
	Repos       *Repositories
	RedisClient *redis.Client
}

// NewServices creates all services.
func NewServices(ctx context.Context, deps *ServiceDeps) (*Services, error) {
	cfg := deps.Config
	log := deps.Log

	catalogCache, err := redis.NewCache[app.CachedCatalog](deps.RedisClient, app.CatalogCachePrefix, cfg.Catalog.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog cache: %w", err)
	}

	source, err := fetchers.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create document source: %w", err)
	}

	opts := []app.STIGMappingServiceOption{
		app.WithCatalogCache(catalogCache),
		app.WithMappingOptions(app.STIGMappingOptions{
			MergePolicy:  ckl.MetadataPolicy(cfg.Mapping.MergePolicy),
			MaxDocuments: cfg.Mapping.MaxDocuments,
			MaxParallel:  cfg.Mapping.MaxParallel,
			MaxFileSize:  cfg.Source.MaxFileSize,
			MaxTotalSize: cfg.Source.MaxTotalSize,
			CatalogKey:   cfg.Catalog.Key,

			SkipEmptyFindings: cfg.Mapping.SkipEmptyFindings,
		}),
	}
	if source != nil {
		opts = append(opts, app.WithDocumentSource(source))
	}

	return &Services{
		STIGMapping: app.NewSTIGMappingService(deps.Repos.STIGMapping, log, opts...),
		Source:      source,
	}, nil
}

// WireJobClient enables asynchronous source imports.
func (s *Services) WireJobClient(client *jobs.Client) {
	s.STIGMapping.SetImportEnqueuer(jobs.NewImportEnqueuerAdapter(client))
}

// Close releases the document source.
func (s *Services) Close(log *logger.Logger) {
	if s.Source != nil {
		closeWithLog(s.Source, "document source", log)
	}
}

// NewJobClient creates the asynq client used to enqueue background jobs.
func NewJobClient(cfg *config.Config, log *logger.Logger) (*jobs.Client, error) {
	return jobs.NewClient(jobs.ClientConfig{
		RedisAddr:     cfg.Redis.Addr(),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
	}, log)
}
