package internal

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/DukeRupert/agora/internal/cache"
	"github.com/DukeRupert/agora/internal/middleware"
	"github.com/DukeRupert/agora/internal/pool"
	"github.com/DukeRupert/agora/internal/storage"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// MainDomain is the apex the main site is served on. Tenants live on
	// its subdomains.
	MainDomain string

	// Main database. Tenant databases are reached with the same
	// credentials. Nothing here is required at start: missing values
	// surface as configuration errors on the first query.
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxConns        int
	DBMinConns        int
	DBMaxConnLifetime time.Duration
	DBMaxConnIdleTime time.Duration
	DBConnectTimeout  time.Duration

	// MigrateOnStart applies main database migrations at boot. A failure
	// is logged, not fatal.
	MigrateOnStart bool

	// Remote cache (REST key/value store). Empty URL disables the remote
	// tier and makes the rate limiter fail open.
	CacheRESTURL       string
	CacheRESTToken     string
	CacheTimeout       time.Duration
	CacheSweepInterval time.Duration

	// RateLimitPerMinute is the global ceiling applied over every
	// per-action limit. Empty means no ceiling.
	RateLimitPerMinute string

	// Tenant schema source. TenantSchemaPath wins over TenantSchemaKey;
	// with neither set the embedded schema is used.
	TenantSchemaPath string
	TenantSchemaKey  string

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2Endpoint        string // Optional, for other S3-compatible stores

	// DevTenantCookie names the cookie that selects a tenant on the main
	// host outside production.
	DevTenantCookie string

	// TrustedUserHeader carries the user id asserted by the upstream
	// session layer.
	TrustedUserHeader string

	// TrustedProxies limits which peers may set TrustedUserHeader. Empty
	// means any peer, so the proxy must strip the header itself.
	TrustedProxies []netip.Prefix

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:        getEnv("ENV", "development"),
		Port:       getEnvInt("PORT", 8080),
		LogLevel:   getEnv("LOG_LEVEL", "debug"),
		MainDomain: getEnv("MAIN_DOMAIN", "localhost"),

		// Main database
		DBHost:            getEnv("DB_HOST", ""),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", ""),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", ""),
		DBSSLMode:         getEnv("DB_SSLMODE", "prefer"),
		DBMaxConns:        getEnvInt("DB_MAX_CONNS", 10),
		DBMinConns:        getEnvInt("DB_MIN_CONNS", 0),
		DBMaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
		DBMaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		DBConnectTimeout:  getEnvDuration("DB_CONNECT_TIMEOUT", pool.DefaultConnectTimeout),
		MigrateOnStart:    getEnvBool("MIGRATE_ON_START", true),

		// Remote cache
		CacheRESTURL:       getEnv("CACHE_REST_URL", ""),
		CacheRESTToken:     getEnv("CACHE_REST_TOKEN", ""),
		CacheTimeout:       getEnvDuration("CACHE_TIMEOUT", cache.DefaultTimeout),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", cache.DefaultSweepInterval),

		RateLimitPerMinute: getEnv("RATE_LIMIT_PER_MINUTE", ""),

		TenantSchemaPath: getEnv("TENANT_SCHEMA_PATH", ""),
		TenantSchemaKey:  getEnv("TENANT_SCHEMA_KEY", ""),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", storage.ProviderLocal),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2Endpoint:        getEnv("R2_ENDPOINT", ""),

		DevTenantCookie:   getEnv("DEV_TENANT_COOKIE", "dev_tenant"),
		TrustedUserHeader: getEnv("TRUSTED_USER_HEADER", "X-Authenticated-User"),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Validate storage configuration
	if cfg.StorageProvider == storage.ProviderR2 {
		if cfg.R2AccountID == "" && cfg.R2Endpoint == "" {
			return nil, fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" {
			return nil, fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2SecretAccessKey == "" {
			return nil, fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return nil, fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	} else if cfg.StorageProvider != storage.ProviderLocal {
		return nil, fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	proxies, err := middleware.ParseTrustedProxies(getEnv("TRUSTED_PROXIES", ""))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES must list CIDR prefixes or addresses: %w", err)
	}
	cfg.TrustedProxies = proxies

	if cfg.RateLimitPerMinute != "" {
		if n, err := strconv.Atoi(cfg.RateLimitPerMinute); err != nil || n <= 0 {
			return nil, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be a positive integer, got: %s", cfg.RateLimitPerMinute)
		}
	}

	return cfg, nil
}

// IsProduction reports whether the process runs in production. The dev
// tenant override and plain-text logs are disabled there.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MainTarget returns the main database connection target.
func (c *Config) MainTarget() pool.Target {
	return pool.Target{
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
		SSLMode:  c.DBSSLMode,
	}
}

// PoolConfig returns the tuning applied to every pool.
func (c *Config) PoolConfig() pool.PoolConfig {
	return pool.PoolConfig{
		MaxConns:        int32(c.DBMaxConns),
		MinConns:        int32(c.DBMinConns),
		MaxConnLifetime: c.DBMaxConnLifetime,
		MaxConnIdleTime: c.DBMaxConnIdleTime,
		ConnectTimeout:  c.DBConnectTimeout,
	}
}

// CacheConfig returns the two-tier cache configuration.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Remote: cache.RemoteConfig{
			URL:     c.CacheRESTURL,
			Token:   c.CacheRESTToken,
			Timeout: c.CacheTimeout,
		},
		SweepInterval: c.CacheSweepInterval,
	}
}

// StorageConfig returns the object storage configuration.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Provider: c.StorageProvider,
		Local:    storage.LocalConfig{BasePath: c.LocalStoragePath},
		R2: storage.R2Config{
			AccountID:       c.R2AccountID,
			AccessKeyID:     c.R2AccessKeyID,
			SecretAccessKey: c.R2SecretAccessKey,
			BucketName:      c.R2BucketName,
			Endpoint:        c.R2Endpoint,
		},
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
