// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrMissingScope is returned when no API scope is configured.
var ErrMissingScope = errors.New("api scope is required: set B2C_API_SCOPE or scope.api_scope")

// ReservedPrefix is the path prefix served locally and never forwarded upstream.
const ReservedPrefix = "/-/"

// baseScopes are always requested ahead of the configured API scope.
const baseScopes = "openid offline_access"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/b2c-token-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file (optional).',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamHost string `kong:"help='Identity provider token host (overrides config).',env='B2C_TOKEN_HOST'"`
	APIScope     string `kong:"help='API scope URI appended to token requests (required).',env='B2C_API_SCOPE'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once by Load
// and never mutated afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Scope    ScopeConfig    `toml:"scope"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8888)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
// When RedisURL is set the buckets are shared through Redis.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	RedisURL          string  `toml:"redis_url"`
}

// UpstreamConfig holds identity provider connection settings.
type UpstreamConfig struct {
	Host            string `toml:"host"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// ScopeConfig holds the scope injected into token requests.
type ScopeConfig struct {
	APIScope string `toml:"api_scope"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load builds the configuration from defaults, an optional TOML file and CLI/env
// overrides, in that order of precedence. When no explicit path is given (via
// --config or CONFIG_PATH), it searches /etc/b2c-token-proxy/config.toml then
// configs/config.toml; a missing file is not an error.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamHost != "" {
		c.Upstream.Host = cli.UpstreamHost
	}
	if cli.APIScope != "" {
		c.Scope.APIScope = cli.APIScope
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// setDefaults fills zero-valued fields. For integer fields zero means "unset"
// because TOML cannot distinguish an explicit 0 from an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 10
	}
	if c.Upstream.Host == "" {
		c.Upstream.Host = "teamhitorib2c.b2clogin.com"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ReservedPrefix + "metrics"
	}
}

func (c *Config) validate() error {
	// The scope is injected byte for byte; blank values only count as missing.
	scope := c.Scope.APIScope
	if strings.TrimSpace(scope) == "" {
		return ErrMissingScope
	}
	if scope == "YOUR_API_SCOPE_HERE" {
		return fmt.Errorf("scope.api_scope contains placeholder value; set the real API scope URI")
	}

	// Upstream host: bare hostname, the scheme and port are fixed (https, 443).
	h := c.Upstream.Host
	if strings.Contains(h, "://") || strings.ContainsAny(h, "/?# ") {
		return fmt.Errorf("upstream.host must be a bare hostname; got %q", h)
	}
	if _, _, err := net.SplitHostPort(h); err == nil {
		return fmt.Errorf("upstream.host must not include a port; got %q", h)
	}

	// Numeric bounds.
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	rl := c.Server.RateLimit
	if rl.Enabled && rl.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", rl.RequestsPerSecond)
	}
	if rl.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be non-negative; got %d", rl.Burst)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Anything outside the reserved prefix would shadow a forwarded path.
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if !strings.HasPrefix(p, ReservedPrefix) || p == ReservedPrefix {
			return fmt.Errorf("metrics.path must live under %q; got %q", ReservedPrefix, p)
		}
		for _, reserved := range []string{HealthzPath, StatusPath} {
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// Operational endpoints under ReservedPrefix.
const (
	HealthzPath = ReservedPrefix + "healthz"
	StatusPath  = ReservedPrefix + "status"
)

// FullScope returns the scope string injected into token requests. The API
// scope is used exactly as configured.
func (c *ScopeConfig) FullScope() string {
	return baseScopes + " " + c.APIScope
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LogStartup records the effective configuration once at startup.
func (c *Config) LogStartup(logger *slog.Logger) {
	logger.Info("configuration loaded",
		"listen", c.Server.Addr(),
		"upstream", "https://"+c.Upstream.Host,
		"scope", c.Scope.FullScope(),
		"config_file", c.filePath,
		"rate_limit", c.Server.RateLimit.Enabled,
		"metrics", c.Metrics.Enabled,
	)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
