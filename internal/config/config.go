// Package config loads the CLI and proxy configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Sternrassler/planet-client/pkg/client"
	"github.com/Sternrassler/planet-client/pkg/logging"
	"github.com/Sternrassler/planet-client/pkg/orders"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Config holds the complete application configuration.
type Config struct {
	APIKey       string        `env:"PL_API_KEY"`
	BasemapsURL  string        `env:"PL_BASEMAPS_URL" envDefault:"https://api.planet.com/basemaps/v1/"`
	OrdersURL    string        `env:"PL_ORDERS_URL" envDefault:"https://api.planet.com/compute/ops/orders/v2/"`
	UserAgent    string        `env:"PL_USER_AGENT" envDefault:"planet-client-go/1.0"`
	PollInterval time.Duration `env:"PL_ORDERS_POLL_INTERVAL" envDefault:"10s"`

	HTTP     HTTPConfig     `envPrefix:"HTTP_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Download DownloadConfig `envPrefix:"DOWNLOAD_"`
	Proxy    ProxyConfig    `envPrefix:"PROXY_"`
	Logging  LoggingConfig  `envPrefix:"LOG_"`
}

// HTTPConfig tunes the API session.
type HTTPConfig struct {
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"60s"`
	MaxRetries      int           `env:"MAX_RETRIES" envDefault:"5"`
	InitialBackoff  time.Duration `env:"INITIAL_BACKOFF" envDefault:"200ms"`
	MaxThrottleWait time.Duration `env:"MAX_THROTTLE_WAIT" envDefault:"2m"`
}

// RedisConfig points at the shared cache. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// DownloadConfig controls quad and order downloads.
type DownloadConfig struct {
	Workers int    `env:"WORKERS" envDefault:"16"`
	Dir     string `env:"DIR" envDefault:"."`
}

// ProxyConfig configures cmd/basemaps-proxy.
type ProxyConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"5m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load reads envFiles (default ".env", ignored when missing) into the
// process environment without overriding variables already set, then
// parses and validates the configuration.
func Load(envFiles ...string) (*Config, error) {
	cfg, err := Parse(envFiles...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse is Load without validation, for callers that apply overrides such
// as command-line flags before calling Validate.
func Parse(envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.BasemapsURL == "" {
		return fmt.Errorf("basemaps URL is required")
	}
	if c.OrdersURL == "" {
		return fmt.Errorf("orders URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("orders poll interval must be positive, got %s", c.PollInterval)
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http timeout must be positive, got %s", c.HTTP.Timeout)
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http max retries must be >= 0, got %d", c.HTTP.MaxRetries)
	}
	if c.HTTP.InitialBackoff <= 0 {
		return fmt.Errorf("http initial backoff must be positive, got %s", c.HTTP.InitialBackoff)
	}
	if c.HTTP.MaxThrottleWait < 0 {
		return fmt.Errorf("http max throttle wait must be >= 0, got %s", c.HTTP.MaxThrottleWait)
	}

	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		return fmt.Errorf("redis db must be between 0 and 15, got %d", c.Redis.DB)
	}

	if c.Download.Workers < 1 || c.Download.Workers > 128 {
		return fmt.Errorf("download workers must be between 1 and 128, got %d", c.Download.Workers)
	}

	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy port must be between 1 and 65535, got %d", c.Proxy.Port)
	}
	if c.Proxy.ReadTimeout <= 0 || c.Proxy.WriteTimeout <= 0 || c.Proxy.ShutdownTimeout <= 0 {
		return fmt.Errorf("proxy timeouts must be positive")
	}

	if !logging.IsValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Logging.Format)
	}

	return nil
}

// RedisOptions returns connection options, or nil when Redis is disabled.
func (c *Config) RedisOptions() *redis.Options {
	if c.Redis.Addr == "" {
		return nil
	}
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// ClientConfig builds the API session configuration. rdb may be nil.
func (c *Config) ClientConfig(rdb *redis.Client) client.Config {
	cfg := client.DefaultConfig(c.APIKey)
	cfg.BaseURL = c.BasemapsURL
	cfg.UserAgent = c.UserAgent
	cfg.Redis = rdb
	cfg.Timeout = c.HTTP.Timeout
	cfg.MaxRetries = c.HTTP.MaxRetries
	cfg.InitialBackoff = c.HTTP.InitialBackoff
	cfg.MaxThrottleWait = c.HTTP.MaxThrottleWait
	return cfg
}

// OrdersClient creates an orders client on api using the configured
// endpoint and poll interval.
func (c *Config) OrdersClient(api orders.API) *orders.Client {
	oc := orders.New(api, c.OrdersURL)
	oc.SetPollInterval(c.PollInterval)
	return oc
}

// LoggerConfig returns the logger setup for this configuration.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Format == "console"
	return cfg
}
