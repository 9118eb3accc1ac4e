// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Server() ServerConfig
	Origin() OriginConfig
	Rewriter() RewriterConfig
	PropertyCache() PropertyCacheConfig
	Database() DatabaseConfig

	// Rewriter Setters
	SetRewriterFlushBufferLimit(int)
	SetRewriterIdleFlushInterval(time.Duration)
	SetRewriterForwardNetworkFlushes(bool)

	// Server Setters
	SetServerAddr(string)
	SetServerWorkerConcurrency(int)
}

// Config holds the entire application configuration.
// It uses private fields to enforce access through the Interface's getter
// methods; decoding goes through fileConfig, which mapstructure can reach.
type Config struct {
	logger    LoggerConfig
	server    ServerConfig
	origin    OriginConfig
	rewriter  RewriterConfig
	propcache PropertyCacheConfig
	database  DatabaseConfig
}

// fileConfig mirrors Config with exported fields for viper/mapstructure.
type fileConfig struct {
	Logger        LoggerConfig        `mapstructure:"logger" yaml:"logger"`
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Origin        OriginConfig        `mapstructure:"origin" yaml:"origin"`
	Rewriter      RewriterConfig      `mapstructure:"rewriter" yaml:"rewriter"`
	PropertyCache PropertyCacheConfig `mapstructure:"property_cache" yaml:"property_cache"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
}

func (f fileConfig) toConfig() *Config {
	return &Config{
		logger:    f.Logger,
		server:    f.Server,
		origin:    f.Origin,
		rewriter:  f.Rewriter,
		propcache: f.PropertyCache,
		database:  f.Database,
	}
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig               { return c.logger }
func (c *Config) Server() ServerConfig               { return c.server }
func (c *Config) Origin() OriginConfig               { return c.origin }
func (c *Config) Rewriter() RewriterConfig           { return c.rewriter }
func (c *Config) PropertyCache() PropertyCacheConfig { return c.propcache }
func (c *Config) Database() DatabaseConfig           { return c.database }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetRewriterFlushBufferLimit(n int) { c.rewriter.FlushBufferLimit = n }
func (c *Config) SetRewriterIdleFlushInterval(d time.Duration) {
	c.rewriter.IdleFlushInterval = d
}
func (c *Config) SetRewriterForwardNetworkFlushes(b bool) {
	c.rewriter.ForwardNetworkFlushes = b
}
func (c *Config) SetServerAddr(addr string)        { c.server.Addr = addr }
func (c *Config) SetServerWorkerConcurrency(n int) { c.server.WorkerConcurrency = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig holds settings for the serving front end.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	CACert            string        `mapstructure:"ca_cert" yaml:"ca_cert"`
	CAKey             string        `mapstructure:"ca_key" yaml:"ca_key"`
}

// OriginConfig tunes the HTTP client used to fetch origin content.
type OriginConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	// RequestsPerSecond throttles outbound origin fetches. Zero disables
	// throttling entirely.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	RequestBurst      int     `mapstructure:"request_burst" yaml:"request_burst"`
}

// RewriterConfig controls the streaming HTML rewrite core.
type RewriterConfig struct {
	// FlushBufferLimit bounds how many queued bytes are handed to the
	// pipeline per scheduled execution. Queues larger than the limit are
	// split and the remainder re-scheduled.
	FlushBufferLimit int `mapstructure:"flush_buffer_limit" yaml:"flush_buffer_limit"`
	// IdleFlushInterval forces a flush when no new origin bytes arrive for
	// this long. Zero or negative disables the idle timer.
	IdleFlushInterval time.Duration `mapstructure:"idle_flush_interval" yaml:"idle_flush_interval"`
	// ForwardNetworkFlushes propagates origin-side flush events into the
	// pipeline instead of coalescing purely on the byte threshold.
	ForwardNetworkFlushes bool `mapstructure:"forward_network_flushes" yaml:"forward_network_flushes"`
	// RequireHTMLContentType refuses to rewrite responses whose headers do
	// not claim an HTML content type, regardless of what sniffing finds.
	RequireHTMLContentType bool `mapstructure:"require_html_content_type" yaml:"require_html_content_type"`
	// MaxSniffBytes caps how many body bytes are buffered while deciding
	// whether the response is HTML.
	MaxSniffBytes int `mapstructure:"max_sniff_bytes" yaml:"max_sniff_bytes"`
}

// CohortConfig describes one named partition of the property store.
type CohortConfig struct {
	Name string        `mapstructure:"name" yaml:"name"`
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// PropertyCacheConfig configures the persisted optimization-state store.
type PropertyCacheConfig struct {
	// Backend selects the storage backend: "memory" or "postgres".
	Backend string         `mapstructure:"backend" yaml:"backend"`
	Cohorts []CohortConfig `mapstructure:"cohorts" yaml:"cohorts"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return raw.toConfig()
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "htmlforge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.worker_concurrency", 8)

	// -- Origin --
	v.SetDefault("origin.timeout", "60s")
	v.SetDefault("origin.ignore_tls_errors", false)
	v.SetDefault("origin.max_idle_conns", 200)
	v.SetDefault("origin.idle_conn_timeout", "90s")
	v.SetDefault("origin.requests_per_second", 0)
	v.SetDefault("origin.request_burst", 1)

	// -- Rewriter --
	v.SetDefault("rewriter.flush_buffer_limit", 65536)
	v.SetDefault("rewriter.idle_flush_interval", "100ms")
	v.SetDefault("rewriter.forward_network_flushes", true)
	v.SetDefault("rewriter.require_html_content_type", true)
	v.SetDefault("rewriter.max_sniff_bytes", 512)

	// -- Property cache --
	v.SetDefault("property_cache.backend", "memory")
	v.SetDefault("property_cache.cohorts", []map[string]any{
		{"name": "page", "ttl": "5m"},
		{"name": "device", "ttl": "1h"},
		{"name": "client", "ttl": "10m"},
	})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("database.url", "HTMLFORGE_DATABASE_URL")

	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg := raw.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.server.WorkerConcurrency <= 0 {
		return fmt.Errorf("server.worker_concurrency must be a positive integer")
	}
	if c.rewriter.FlushBufferLimit <= 0 {
		return fmt.Errorf("rewriter.flush_buffer_limit must be a positive integer")
	}
	if c.rewriter.MaxSniffBytes <= 0 {
		return fmt.Errorf("rewriter.max_sniff_bytes must be a positive integer")
	}
	if err := c.propcache.Validate(); err != nil {
		return fmt.Errorf("property_cache configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the property cache configuration.
func (p *PropertyCacheConfig) Validate() error {
	switch p.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("backend must be one of 'memory' or 'postgres', got %q", p.Backend)
	}
	seen := make(map[string]struct{}, len(p.Cohorts))
	for _, cohort := range p.Cohorts {
		if cohort.Name == "" {
			return fmt.Errorf("cohort name must not be empty")
		}
		if _, dup := seen[cohort.Name]; dup {
			return fmt.Errorf("duplicate cohort %q", cohort.Name)
		}
		seen[cohort.Name] = struct{}{}
		if cohort.TTL <= 0 {
			return fmt.Errorf("cohort %q must have a positive ttl", cohort.Name)
		}
	}
	return nil
}
