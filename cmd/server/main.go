package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/openctemio/stigmap/internal/config"
	"github.com/openctemio/stigmap/internal/infra/http"
	"github.com/openctemio/stigmap/internal/infra/http/routes"
	"github.com/openctemio/stigmap/internal/infra/postgres"
	"github.com/openctemio/stigmap/internal/infra/redis"
	"github.com/openctemio/stigmap/internal/infra/telemetry"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/validator"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Command line flags.
var (
	showRoutes  = flag.Bool("routes", false, "Print all registered routes and exit")
	routeFormat = flag.String("route-format", "table", "Route output format: table, json, yaml, csv, simple")
	routeMethod = flag.String("route-method", "", "Filter routes by HTTP method")
	routePath   = flag.String("route-path", "", "Filter routes containing this path")
	routeSort   = flag.String("route-sort", "path", "Sort routes by: path, method, handler")
	migrate     = flag.Bool("migrate", true, "Apply database migrations on startup")
	rollback    = flag.Bool("rollback", false, "Roll back the last applied migration and exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

//nolint:cyclop // Startup wiring is a long straight line.
func run() int {
	ctx := context.Background()

	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting application", "app", cfg.App.Name, "env", cfg.App.Env, "version", version)

	shutdownTracing, err := telemetry.Setup(ctx, &cfg.Telemetry, version)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		return 1
	}

	// ==========================================================================
	// Infrastructure
	// ==========================================================================
	db, err := postgres.New(&cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return 1
	}
	defer closeWithLog(db, "database", log)
	log.Info("database connected")

	if *rollback {
		version, err := db.Rollback(ctx, cfg.Database.MigrationsDir)
		if err != nil {
			log.Error("failed to roll back migration", "error", err)
			return 1
		}
		log.Info("migration rolled back", "version", valueOrNone(version))
		return 0
	}

	if *migrate {
		applied, err := db.Migrate(ctx, cfg.Database.MigrationsDir)
		if err != nil {
			log.Error("failed to apply migrations", "error", err)
			return 1
		}
		log.Info("migrations applied", "count", len(applied))
	}

	redisClient, err := redis.New(&cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer closeWithLog(redisClient, "redis", log)
	log.Info("redis connected")

	// ==========================================================================
	// Repositories & Services
	// ==========================================================================
	repos := NewRepositories(db)

	services, err := NewServices(ctx, &ServiceDeps{
		Config:      cfg,
		Log:         log,
		Repos:       repos,
		RedisClient: redisClient,
	})
	if err != nil {
		log.Error("failed to initialize services", "error", err)
		return 1
	}
	defer services.Close(log)
	log.Info("services initialized", "source", cfg.Source.Type)

	// ==========================================================================
	// Job Queue
	// ==========================================================================
	jobClient, err := NewJobClient(cfg, log)
	if err != nil {
		log.Error("failed to initialize job client", "error", err)
		return 1
	}
	defer closeWithLog(jobClient, "job client", log)
	services.WireJobClient(jobClient)

	// ==========================================================================
	// HTTP Server
	// ==========================================================================
	handlers := NewHandlers(&HandlerDeps{
		Version:     version,
		Log:         log,
		Validator:   validator.New(),
		DB:          db,
		RedisClient: redisClient,
		Services:    services,
	})

	authCfg, err := NewAuthConfig(cfg, redisClient, log)
	if err != nil {
		log.Error("failed to initialize authentication", "error", err)
		return 1
	}

	server := http.NewServer(cfg, log)
	routes.Register(server.Router(), handlers, cfg, log, authCfg)

	if *showRoutes {
		stats := http.CollectRoutes(server.Router())
		filters := http.RouteFilters{
			Method: *routeMethod,
			Path:   *routePath,
			SortBy: *routeSort,
		}
		if err := http.PrintRoutes(os.Stdout, stats, *routeFormat, filters); err != nil {
			log.Error("failed to print routes", "error", err)
			return 1
		}
		return 0
	}

	// ==========================================================================
	// Workers
	// ==========================================================================
	workers, err := NewWorkers(&WorkerDeps{
		Config:    cfg,
		Log:       log,
		Services:  services,
		JobClient: jobClient,
	})
	if err != nil {
		log.Error("failed to initialize workers", "error", err)
		return 1
	}

	if err := workers.Start(log); err != nil {
		log.Error("failed to start workers", "error", err)
		return 1
	}

	// ==========================================================================
	// Start Server
	// ==========================================================================
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()
	log.Info("application started", "http_addr", cfg.Server.Addr())

	// ==========================================================================
	// Graceful Shutdown
	// ==========================================================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	workers.Stop(log)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		exitCode = 1
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("failed to flush traces", "error", err)
	}

	log.Info("application stopped")
	return exitCode
}

// =============================================================================
// Helper Functions
// =============================================================================

func initLogger(cfg *config.Config) *logger.Logger {
	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	log.SetDefault()
	return log
}

func valueOrNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

type closer interface {
	Close() error
}

func closeWithLog(c closer, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}
