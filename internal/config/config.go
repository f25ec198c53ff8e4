// Package config loads the augment service configuration from an HCL file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/hashicorp-forge/augment/pkg/database"
	"github.com/hashicorp-forge/augment/pkg/fetcher"
)

// Asset sources.
const (
	SourceHTTP = "http"
	SourceS3   = "s3"
)

// DefaultBaseURL is the public package store.
const DefaultBaseURL = "https://s3-ap-southeast-1.amazonaws.com/ar-app-objects/"

// Config is the root configuration.
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error (default: info).
	LogLevel string `hcl:"log_level,optional"`

	Assets      *Assets           `hcl:"assets,block"`
	S3          *fetcher.S3Config `hcl:"s3,block"`
	Cache       *Cache            `hcl:"cache,block"`
	Database    *Database         `hcl:"database,block"`
	Recognition *Recognition      `hcl:"recognition,block"`
	Metrics     *Metrics          `hcl:"metrics,block"`
}

// Assets configures where packages are fetched from.
type Assets struct {
	// Source is "http" (default) or "s3".
	Source string `hcl:"source,optional"`
	// BaseURL is the package store prefix for the http source.
	BaseURL string `hcl:"base_url,optional"`
	// FetchTimeout bounds one fetch, e.g. "30s" (default: 30s).
	FetchTimeout string `hcl:"fetch_timeout,optional"`
	// MaxBytes bounds the package size.
	MaxBytes int64 `hcl:"max_bytes,optional"`
}

// FetchTimeoutDuration returns the parsed fetch timeout.
func (a *Assets) FetchTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(a.FetchTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Cache configures the package cache.
type Cache struct {
	// Root is the cache directory (default: ./data/cache).
	Root string `hcl:"root,optional"`
	// InMemory keeps blobs in memory only.
	InMemory bool `hcl:"in_memory,optional"`
}

// Database configures the cache index and run tracking database.
type Database struct {
	Driver   string `hcl:"driver,optional"` // sqlite (default) or postgres
	Path     string `hcl:"path,optional"`   // SQLite file (default: ./data/augment.db)
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
	DBName   string `hcl:"dbname,optional"`
	SSLMode  string `hcl:"sslmode,optional"`

	MaxIdleConns int `hcl:"max_idle_conns,optional"`
	MaxOpenConns int `hcl:"max_open_conns,optional"`
}

// ToDatabaseConfig converts to the connection configuration.
func (d *Database) ToDatabaseConfig() database.Config {
	return database.Config{
		Driver:       d.Driver,
		Path:         d.Path,
		Host:         d.Host,
		Port:         d.Port,
		User:         d.User,
		Password:     d.Password,
		DBName:       d.DBName,
		SSLMode:      d.SSLMode,
		MaxIdleConns: d.MaxIdleConns,
		MaxOpenConns: d.MaxOpenConns,
	}
}

// Recognition configures the recognition engine bridge.
type Recognition struct {
	// Brokers are the Redpanda/Kafka seed brokers.
	Brokers       []string `hcl:"brokers,optional"`
	EventsTopic   string   `hcl:"events_topic,optional"`
	ControlTopic  string   `hcl:"control_topic,optional"`
	ConsumerGroup string   `hcl:"consumer_group,optional"`

	// ClearImmediately is passed to the engine when clearing tracked
	// anchors (default: true).
	ClearImmediately *bool `hcl:"clear_immediately,optional"`

	// Lineage is "anchor" (default) or "global".
	Lineage string `hcl:"lineage,optional"`
}

// ClearImmediatelyOrDefault returns ClearImmediately, defaulting to true.
func (r *Recognition) ClearImmediatelyOrDefault() bool {
	if r.ClearImmediately == nil {
		return true
	}
	return *r.ClearImmediately
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Address to serve /metrics on, e.g. ":9090". Empty disables it.
	Address string `hcl:"address,optional"`
}

// Load decodes the configuration file at path, applies environment
// overrides and defaults, and validates the result. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Parse decodes configuration from HCL source. filename is used in
// diagnostics and must end in ".hcl".
func Parse(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides, which take precedence over the
// file.
func (c *Config) applyEnv() {
	c.ensureBlocks()

	if v := os.Getenv("AUGMENT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AUGMENT_ASSET_SOURCE"); v != "" {
		c.Assets.Source = v
	}
	if v := os.Getenv("AUGMENT_BASE_URL"); v != "" {
		c.Assets.BaseURL = v
	}
	if v := os.Getenv("AUGMENT_FETCH_TIMEOUT"); v != "" {
		c.Assets.FetchTimeout = v
	}
	if v := os.Getenv("AUGMENT_CACHE_ROOT"); v != "" {
		c.Cache.Root = v
	}
	if v := os.Getenv("AUGMENT_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("AUGMENT_METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}
}

func (c *Config) ensureBlocks() {
	if c.Assets == nil {
		c.Assets = &Assets{}
	}
	if c.Cache == nil {
		c.Cache = &Cache{}
	}
	if c.Database == nil {
		c.Database = &Database{}
	}
	if c.Recognition == nil {
		c.Recognition = &Recognition{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
}

// SetDefaults sets default values for optional configuration fields.
func (c *Config) SetDefaults() {
	c.ensureBlocks()

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Assets.Source == "" {
		c.Assets.Source = SourceHTTP
	}
	if c.Assets.Source == SourceHTTP && c.Assets.BaseURL == "" {
		c.Assets.BaseURL = DefaultBaseURL
	}
	if c.Assets.FetchTimeout == "" {
		c.Assets.FetchTimeout = "30s"
	}
	if c.Assets.MaxBytes == 0 {
		c.Assets.MaxBytes = fetcher.DefaultMaxBytes
	}
	if c.S3 != nil {
		c.S3.SetDefaults()
	}
	if c.Cache.Root == "" {
		c.Cache.Root = "./data/cache"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = database.DriverSQLite
	}
	if c.Database.Driver == database.DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "./data/augment.db"
	}
	if c.Database.Driver == database.DriverPostgres {
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	}
	if c.Recognition.Lineage == "" {
		c.Recognition.Lineage = "anchor"
	}
}

// Validate validates the configuration and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error

	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("invalid log_level: %s", c.LogLevel))
	}

	if c.Assets != nil {
		switch c.Assets.Source {
		case SourceHTTP:
			if c.Assets.BaseURL == "" {
				result = multierror.Append(result, fmt.Errorf("assets.base_url is required for the http source"))
			}
		case SourceS3:
			if c.S3 == nil {
				result = multierror.Append(result, fmt.Errorf("s3 block is required for the s3 source"))
			} else if err := c.S3.Validate(); err != nil {
				result = multierror.Append(result, fmt.Errorf("s3: %w", err))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("invalid assets.source: %s (must be one of: http, s3)", c.Assets.Source))
		}
		if c.Assets.FetchTimeout != "" {
			if d, err := time.ParseDuration(c.Assets.FetchTimeout); err != nil {
				result = multierror.Append(result, fmt.Errorf("invalid assets.fetch_timeout: %w", err))
			} else if d <= 0 {
				result = multierror.Append(result, fmt.Errorf("assets.fetch_timeout must be positive"))
			}
		}
	}

	if c.Database != nil {
		switch c.Database.Driver {
		case database.DriverSQLite:
			if c.Database.Path == "" {
				result = multierror.Append(result, fmt.Errorf("database.path is required for sqlite"))
			}
		case database.DriverPostgres:
			if c.Database.Host == "" {
				result = multierror.Append(result, fmt.Errorf("database.host is required for postgres"))
			}
			if c.Database.DBName == "" {
				result = multierror.Append(result, fmt.Errorf("database.dbname is required for postgres"))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("invalid database.driver: %s (must be one of: sqlite, postgres)", c.Database.Driver))
		}
	}

	if c.Recognition != nil {
		switch c.Recognition.Lineage {
		case "anchor", "global":
		default:
			result = multierror.Append(result, fmt.Errorf("invalid recognition.lineage: %s (must be one of: anchor, global)", c.Recognition.Lineage))
		}
	}

	return result.ErrorOrNil()
}
