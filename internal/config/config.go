package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Document source types.
const (
	SourceNone = ""
	SourceS3   = "s3"
	SourceGit  = "git"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Auth      AuthConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Source    SourceConfig
	S3        S3Config
	Git       GitConfig
	Catalog   CatalogConfig
	Mapping   MappingConfig
	Worker    WorkerConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string
	Env   string
	Debug bool
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration // Per-request handler timeout
	ShutdownTimeout time.Duration
	MaxBodySize     int64 // Checklists for large baselines run to tens of MB
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSEnabled    bool
	TLSSkipVerify bool
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string

	// HTTP logging configuration
	SkipHealthLogs     bool // Skip logging health check endpoints
	SlowRequestSeconds int  // Log requests slower than this as warnings
}

// AuthConfig holds bearer token configuration. Auth is off when JWTSecret
// is empty, which is only allowed outside production.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

// Enabled reports whether requests must carry a token.
func (c *AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled         bool
	RequestsPerSec  float64
	Burst           int
	CleanupInterval time.Duration

	// UploadsPerWindow bounds document uploads per client across all
	// instances. Enforced in Redis; zero disables it.
	UploadsPerWindow int
	UploadWindow     time.Duration
}

// SourceConfig selects where imported checklists and the CCI list are read
// from.
type SourceConfig struct {
	Type         string // "", "s3" or "git"
	MaxFileSize  int64
	MaxTotalSize int64
}

// Enabled reports whether a remote document source is configured.
func (c *SourceConfig) Enabled() bool {
	return c.Type != SourceNone
}

// S3Config holds the S3 document source configuration.
type S3Config struct {
	Bucket     string
	Region     string
	Prefix     string
	Endpoint   string // For S3-compatible stores
	AuthType   string // "keys" or "sts_role"
	AccessKey  string
	SecretKey  string
	RoleARN    string
	ExternalID string
}

// GitConfig holds the git document source configuration.
type GitConfig struct {
	URL        string
	Branch     string
	Path       string
	AuthType   string // "none", "token" or "ssh"
	Token      string
	SSHKey     string
	SSHKeyPass string
	KnownHosts string
}

// CatalogConfig controls the CCI catalog cache and its refresh.
type CatalogConfig struct {
	// Key is the object key or repository path of the CCI list in the
	// configured source.
	Key             string
	CacheTTL        time.Duration
	RefreshSchedule string // cron expression, empty disables refresh
}

// MappingConfig holds checklist merge settings.
type MappingConfig struct {
	MergePolicy  string // keep_first or require_match
	MaxDocuments int
	MaxParallel  int

	// SkipEmptyFindings drops checklist findings that carry no Vuln_Num.
	SkipEmptyFindings bool
}

// WorkerConfig holds background job configuration.
type WorkerConfig struct {
	Enabled     bool
	Concurrency int
}

// TelemetryConfig holds OpenTelemetry trace export configuration.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string // host:port of an OTLP/HTTP collector
	Insecure    bool
	SampleRatio float64
	ServiceName string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "stigmap"),
			Env:   getEnv("APP_ENV", "development"),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodySize:     getEnvInt64("SERVER_MAX_BODY_SIZE", 64<<20),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "stigmap"),
			Password:        getEnv("DB_PASSWORD", "secret"),
			Name:            getEnv("DB_NAME", "stigmap"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:  getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			TLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
			TLSSkipVerify: getEnvBool("REDIS_TLS_SKIP_VERIFY", false),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 3),
			MinRetryDelay: getEnvDuration("REDIS_MIN_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay: getEnvDuration("REDIS_MAX_RETRY_DELAY", 3*time.Second),
		},
		Log: LogConfig{
			Level:              getEnv("LOG_LEVEL", "info"),
			Format:             getEnv("LOG_FORMAT", "json"),
			SkipHealthLogs:     getEnvBool("LOG_SKIP_HEALTH", true),
			SlowRequestSeconds: getEnvInt("LOG_SLOW_REQUEST_SECONDS", 5),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			JWTIssuer: getEnv("AUTH_JWT_ISSUER", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "Content-Encoding", "X-Request-ID"}),
			MaxAge:         getEnvInt("CORS_MAX_AGE", 86400),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerSec:  getEnvFloat("RATE_LIMIT_RPS", 20),
			Burst:           getEnvInt("RATE_LIMIT_BURST", 40),
			CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP", time.Minute),

			UploadsPerWindow: getEnvInt("RATE_LIMIT_UPLOADS", 60),
			UploadWindow:     getEnvDuration("RATE_LIMIT_UPLOAD_WINDOW", time.Minute),
		},
		Source: SourceConfig{
			Type:         strings.ToLower(getEnv("SOURCE_TYPE", SourceNone)),
			MaxFileSize:  getEnvInt64("SOURCE_MAX_FILE_SIZE", 64<<20),
			MaxTotalSize: getEnvInt64("SOURCE_MAX_TOTAL_SIZE", 512<<20),
		},
		S3: S3Config{
			Bucket:     getEnv("S3_BUCKET", ""),
			Region:     getEnv("S3_REGION", "us-east-1"),
			Prefix:     getEnv("S3_PREFIX", ""),
			Endpoint:   getEnv("S3_ENDPOINT", ""),
			AuthType:   getEnv("S3_AUTH_TYPE", "keys"),
			AccessKey:  getEnv("S3_ACCESS_KEY", ""),
			SecretKey:  getEnv("S3_SECRET_KEY", ""),
			RoleARN:    getEnv("S3_ROLE_ARN", ""),
			ExternalID: getEnv("S3_EXTERNAL_ID", ""),
		},
		Git: GitConfig{
			URL:        getEnv("GIT_URL", ""),
			Branch:     getEnv("GIT_BRANCH", "main"),
			Path:       getEnv("GIT_PATH", ""),
			AuthType:   getEnv("GIT_AUTH_TYPE", "none"),
			Token:      getEnv("GIT_TOKEN", ""),
			SSHKey:     getEnv("GIT_SSH_KEY", ""),
			SSHKeyPass: getEnv("GIT_SSH_KEY_PASS", ""),
			KnownHosts: getEnv("GIT_KNOWN_HOSTS", ""),
		},
		Catalog: CatalogConfig{
			Key:             getEnv("CATALOG_KEY", "U_CCI_List.xml"),
			CacheTTL:        getEnvDuration("CATALOG_CACHE_TTL", 24*time.Hour),
			RefreshSchedule: getEnv("CATALOG_REFRESH_SCHEDULE", ""),
		},
		Mapping: MappingConfig{
			MergePolicy:  getEnv("MAPPING_MERGE_POLICY", "keep_first"),
			MaxDocuments: getEnvInt("MAPPING_MAX_DOCUMENTS", 50),
			MaxParallel:  getEnvInt("MAPPING_MAX_PARALLEL", 4),

			SkipEmptyFindings: getEnvBool("MAPPING_SKIP_EMPTY_FINDINGS", false),
		},
		Worker: WorkerConfig{
			Enabled:     getEnvBool("WORKER_ENABLED", true),
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		},
		Telemetry: TelemetryConfig{
			Enabled:     getEnvBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "stigmap"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateBasic(); err != nil {
		return err
	}
	if c.App.Env == EnvProduction {
		return c.validateProduction()
	}
	return nil
}

// validateBasic validates basic configuration regardless of environment.
func (c *Config) validateBasic() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	if err := c.validateSource(); err != nil {
		return err
	}
	if err := c.validateCatalog(); err != nil {
		return err
	}
	if err := c.validateMapping(); err != nil {
		return err
	}
	if c.RateLimit.UploadsPerWindow > 0 && c.RateLimit.UploadWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_UPLOAD_WINDOW must be positive when RATE_LIMIT_UPLOADS is set")
	}
	if c.Telemetry.SampleRatio < 0.0 || c.Telemetry.SampleRatio > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0.0 and 1.0, got %f", c.Telemetry.SampleRatio)
	}
	return nil
}

// validateLog validates logging configuration.
func (c *Config) validateLog() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}

	if c.Log.SlowRequestSeconds < 0 {
		return fmt.Errorf("LOG_SLOW_REQUEST_SECONDS must be non-negative, got %d", c.Log.SlowRequestSeconds)
	}
	return nil
}

// validateSource validates the document source selection.
func (c *Config) validateSource() error {
	switch c.Source.Type {
	case SourceNone:
		return nil
	case SourceS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when SOURCE_TYPE is s3")
		}
		switch c.S3.AuthType {
		case "keys":
			if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
				return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
			}
		case "sts_role":
			if c.S3.RoleARN == "" {
				return fmt.Errorf("S3_ROLE_ARN is required for sts_role auth")
			}
		default:
			return fmt.Errorf("invalid S3_AUTH_TYPE: %s (must be keys or sts_role)", c.S3.AuthType)
		}
	case SourceGit:
		if c.Git.URL == "" {
			return fmt.Errorf("GIT_URL is required when SOURCE_TYPE is git")
		}
		switch c.Git.AuthType {
		case "none":
		case "token":
			if c.Git.Token == "" {
				return fmt.Errorf("GIT_TOKEN is required for token auth")
			}
		case "ssh":
			if c.Git.SSHKey == "" {
				return fmt.Errorf("GIT_SSH_KEY is required for ssh auth")
			}
		default:
			return fmt.Errorf("invalid GIT_AUTH_TYPE: %s (must be none, token or ssh)", c.Git.AuthType)
		}
	default:
		return fmt.Errorf("invalid SOURCE_TYPE: %s (must be s3 or git)", c.Source.Type)
	}

	if c.Source.MaxFileSize <= 0 || c.Source.MaxTotalSize < c.Source.MaxFileSize {
		return fmt.Errorf("source size limits are inconsistent: file %d, total %d", c.Source.MaxFileSize, c.Source.MaxTotalSize)
	}
	return nil
}

// validateCatalog validates the catalog cache and refresh schedule.
func (c *Config) validateCatalog() error {
	if c.Catalog.CacheTTL <= 0 {
		return fmt.Errorf("CATALOG_CACHE_TTL must be positive, got %v", c.Catalog.CacheTTL)
	}
	if c.Catalog.RefreshSchedule == "" {
		return nil
	}
	if !c.Source.Enabled() {
		return fmt.Errorf("CATALOG_REFRESH_SCHEDULE requires SOURCE_TYPE to be set")
	}
	if _, err := ParseSchedule(c.Catalog.RefreshSchedule); err != nil {
		return fmt.Errorf("invalid CATALOG_REFRESH_SCHEDULE: %w", err)
	}
	return nil
}

// validateMapping validates merge settings.
func (c *Config) validateMapping() error {
	switch c.Mapping.MergePolicy {
	case "keep_first", "require_match":
	default:
		return fmt.Errorf("invalid MAPPING_MERGE_POLICY: %s (must be keep_first or require_match)", c.Mapping.MergePolicy)
	}
	if c.Mapping.MaxDocuments < 1 {
		return fmt.Errorf("MAPPING_MAX_DOCUMENTS must be at least 1, got %d", c.Mapping.MaxDocuments)
	}
	if c.Mapping.MaxParallel < 1 {
		return fmt.Errorf("MAPPING_MAX_PARALLEL must be at least 1, got %d", c.Mapping.MaxParallel)
	}
	return nil
}

// validateProduction validates production-specific settings.
func (c *Config) validateProduction() error {
	if !c.Auth.Enabled() {
		return fmt.Errorf("AUTH_JWT_SECRET is required in production")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters in production")
	}
	if slices.Contains(c.CORS.AllowedOrigins, "*") {
		return fmt.Errorf("CORS wildcard origin not allowed in production")
	}
	if c.Database.SSLMode == "disable" {
		return fmt.Errorf("database SSL must be enabled in production (use 'require' or 'verify-full')")
	}
	if !c.RateLimit.Enabled {
		return fmt.Errorf("rate limiting must be enabled in production")
	}
	if c.App.Debug {
		return fmt.Errorf("debug mode must be disabled in production")
	}
	if c.Log.Level == "debug" {
		return fmt.Errorf("log level should not be 'debug' in production")
	}
	if c.Redis.Password == "" {
		return fmt.Errorf("redis password must be set in production")
	}
	return nil
}

// ParseSchedule parses a five-field cron expression or a descriptor such
// as "@daily" or "@every 6h".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the HTTP server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if result := splitAndTrim(value, ","); len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
