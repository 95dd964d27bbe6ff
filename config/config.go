// Package config loads service configuration from an optional YAML file and
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/docutag/capture"
	"github.com/docutag/capture/db"
	"github.com/docutag/capture/enrich"
	"github.com/docutag/capture/storage"
	"github.com/docutag/capture/store"
	"gopkg.in/yaml.v3"
)

const (
	StorageFS = "fs"
	StorageS3 = "s3"

	CacheKV   = "kv"
	CacheBlob = "blob"
)

// Config is the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	CORSEnabled bool   `yaml:"cors_enabled"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type StorageConfig struct {
	Backend  string   `yaml:"backend"` // fs or s3
	BasePath string   `yaml:"base_path"`
	S3       S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`
}

type ResolverConfig struct {
	FetchProxyURL      string        `yaml:"fetch_proxy_url"`
	ReadProxyURL       string        `yaml:"read_proxy_url"`
	UserAgent          string        `yaml:"user_agent"`
	FastTimeout        time.Duration `yaml:"fast_timeout"`
	DirectTimeout      time.Duration `yaml:"direct_timeout"`
	ReadProxyTimeout   time.Duration `yaml:"read_proxy_timeout"`
	QuickTimeout       time.Duration `yaml:"quick_timeout"`
	ValidationTimeout  time.Duration `yaml:"validation_timeout"`
	ProxyServerTimeout time.Duration `yaml:"proxy_server_timeout"`
	MinImageWidth      int           `yaml:"min_image_width"`
	MinImageHeight     int           `yaml:"min_image_height"`
	FastMinImageWidth  int           `yaml:"fast_min_image_width"`
	FastMinImageHeight int           `yaml:"fast_min_image_height"`
}

type EnrichmentConfig struct {
	Cache           string        `yaml:"cache"` // kv or blob
	QuickProbes     bool          `yaml:"quick_probes"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	RetryBase       time.Duration `yaml:"retry_base"`
	MaxAttempts     int           `yaml:"max_attempts"`
	FlashDuration   time.Duration `yaml:"flash_duration"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration
func Default() *Config {
	sc := capture.DefaultConfig()
	ec := enrich.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			CORSEnabled: true,
		},
		Database: DatabaseConfig{
			Driver: db.DriverSQLite,
			DSN:    "./data/capture.db",
		},
		Storage: StorageConfig{
			Backend:  StorageFS,
			BasePath: storage.DefaultConfig().BasePath,
		},
		Resolver: ResolverConfig{
			ReadProxyURL:       sc.ReadProxyURL,
			UserAgent:          sc.UserAgent,
			FastTimeout:        sc.FastTimeout,
			DirectTimeout:      sc.DirectTimeout,
			ReadProxyTimeout:   sc.ReadProxyTimeout,
			QuickTimeout:       sc.QuickTimeout,
			ValidationTimeout:  sc.ValidationTimeout,
			ProxyServerTimeout: sc.ProxyServerTimeout,
			MinImageWidth:      sc.MinImageWidth,
			MinImageHeight:     sc.MinImageHeight,
			FastMinImageWidth:  sc.FastMinImageWidth,
			FastMinImageHeight: sc.FastMinImageHeight,
		},
		Enrichment: EnrichmentConfig{
			Cache:           CacheKV,
			QuickProbes:     ec.QuickProbes,
			DuplicateWindow: store.DefaultDuplicateWindow,
			RetryBase:       ec.RetryBase,
			MaxAttempts:     ec.MaxAttempts,
			FlashDuration:   ec.FlashDuration,
			PersistInterval: 5 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "capture",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path or a missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean environment value, using default", "key", key, "provided", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getEnvInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		slog.Warn("invalid integer environment value, using default", "key", key, "provided", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		slog.Warn("invalid duration environment value, using default", "key", key, "provided", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.CORSEnabled = getEnvBool("CORS_ENABLED", c.Server.CORSEnabled)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.BasePath = getEnv("STORAGE_BASE_PATH", c.Storage.BasePath)
	c.Storage.S3.Endpoint = getEnv("S3_ENDPOINT", c.Storage.S3.Endpoint)
	c.Storage.S3.Region = getEnv("S3_REGION", c.Storage.S3.Region)
	c.Storage.S3.Bucket = getEnv("S3_BUCKET", c.Storage.S3.Bucket)
	c.Storage.S3.AccessKeyID = getEnv("S3_ACCESS_KEY_ID", c.Storage.S3.AccessKeyID)
	c.Storage.S3.SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", c.Storage.S3.SecretAccessKey)
	c.Storage.S3.UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", c.Storage.S3.UsePathStyle)
	c.Storage.S3.Prefix = getEnv("S3_PREFIX", c.Storage.S3.Prefix)

	c.Resolver.FetchProxyURL = getEnv("FETCH_PROXY_URL", c.Resolver.FetchProxyURL)
	c.Resolver.ReadProxyURL = getEnv("READ_PROXY_URL", c.Resolver.ReadProxyURL)
	c.Resolver.FastTimeout = getEnvDuration("FAST_TIMEOUT", c.Resolver.FastTimeout)
	c.Resolver.DirectTimeout = getEnvDuration("DIRECT_TIMEOUT", c.Resolver.DirectTimeout)
	c.Resolver.ReadProxyTimeout = getEnvDuration("READ_PROXY_TIMEOUT", c.Resolver.ReadProxyTimeout)
	c.Resolver.QuickTimeout = getEnvDuration("QUICK_TIMEOUT", c.Resolver.QuickTimeout)
	c.Resolver.ValidationTimeout = getEnvDuration("VALIDATION_TIMEOUT", c.Resolver.ValidationTimeout)
	c.Resolver.MinImageWidth = getEnvInt("MIN_IMAGE_WIDTH", c.Resolver.MinImageWidth)
	c.Resolver.MinImageHeight = getEnvInt("MIN_IMAGE_HEIGHT", c.Resolver.MinImageHeight)

	c.Enrichment.Cache = getEnv("CACHE_BACKEND", c.Enrichment.Cache)
	c.Enrichment.QuickProbes = getEnvBool("QUICK_PROBES", c.Enrichment.QuickProbes)
	c.Enrichment.DuplicateWindow = getEnvDuration("DUPLICATE_WINDOW", c.Enrichment.DuplicateWindow)
	c.Enrichment.RetryBase = getEnvDuration("RETRY_BASE", c.Enrichment.RetryBase)
	c.Enrichment.MaxAttempts = getEnvInt("MAX_ATTEMPTS", c.Enrichment.MaxAttempts)
	c.Enrichment.FlashDuration = getEnvDuration("FLASH_DURATION", c.Enrichment.FlashDuration)
	c.Enrichment.PersistInterval = getEnvDuration("PERSIST_INTERVAL", c.Enrichment.PersistInterval)

	c.Tracing.Enabled = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Tracing.ServiceName)
}

// Validate rejects unknown backends
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Storage.Backend {
	case StorageFS, StorageS3:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	switch c.Enrichment.Cache {
	case CacheKV, CacheBlob:
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Enrichment.Cache)
	}
	return nil
}

// ScraperConfig converts the resolver section for capture.New
func (c *Config) ScraperConfig() capture.Config {
	sc := capture.DefaultConfig()
	sc.FetchProxyURL = c.Resolver.FetchProxyURL
	sc.ReadProxyURL = c.Resolver.ReadProxyURL
	if c.Resolver.UserAgent != "" {
		sc.UserAgent = c.Resolver.UserAgent
	}
	sc.FastTimeout = c.Resolver.FastTimeout
	sc.DirectTimeout = c.Resolver.DirectTimeout
	sc.ReadProxyTimeout = c.Resolver.ReadProxyTimeout
	sc.QuickTimeout = c.Resolver.QuickTimeout
	sc.ValidationTimeout = c.Resolver.ValidationTimeout
	sc.ProxyServerTimeout = c.Resolver.ProxyServerTimeout
	sc.MinImageWidth = c.Resolver.MinImageWidth
	sc.MinImageHeight = c.Resolver.MinImageHeight
	sc.FastMinImageWidth = c.Resolver.FastMinImageWidth
	sc.FastMinImageHeight = c.Resolver.FastMinImageHeight
	return sc
}

// EnrichConfig converts the enrichment section for enrich.New
func (c *Config) EnrichConfig() enrich.Config {
	ec := enrich.DefaultConfig()
	ec.QuickProbes = c.Enrichment.QuickProbes
	ec.RetryBase = c.Enrichment.RetryBase
	ec.MaxAttempts = c.Enrichment.MaxAttempts
	ec.FlashDuration = c.Enrichment.FlashDuration
	return ec
}

// DBConfig converts the database section for db.New
func (c *Config) DBConfig() db.Config {
	return db.Config{Driver: c.Database.Driver, DSN: c.Database.DSN}
}

// S3StorageConfig converts the S3 section for storage.NewS3Storage
func (c *Config) S3StorageConfig() storage.S3Config {
	s := c.Storage.S3
	return storage.S3Config{
		Endpoint:        s.Endpoint,
		Region:          s.Region,
		Bucket:          s.Bucket,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		UsePathStyle:    s.UsePathStyle,
		Prefix:          s.Prefix,
	}
}
