// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edgegate/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PrivateOrigin string `kong:"help='Private backend origin URL (overrides config).',env='PRIVATE_ORIGIN_URL'"`
	PublicAPIURL  string `kong:"help='Public API base URL (overrides config).',env='PUBLIC_API_URL'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Origin  OriginConfig  `toml:"origin"`
	Cache   CacheConfig   `toml:"cache"`
	Gateway GatewayConfig `toml:"gateway"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// OriginConfig determines the backend origin. PrivateURL takes
// precedence; otherwise the origin is derived from PublicAPIURL.
type OriginConfig struct {
	PrivateURL   string `toml:"private_url"`
	PublicAPIURL string `toml:"public_api_url"`

	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// CacheConfig controls the edge response cache.
type CacheConfig struct {
	Enabled      bool     `toml:"enabled"`
	FreshSeconds int      `toml:"fresh_seconds"`
	StaleSeconds int      `toml:"stale_seconds"`
	Paths        []string `toml:"paths"` // cacheable path prefixes
}

// GatewayConfig holds gateway routing settings.
type GatewayConfig struct {
	Prefix        string `toml:"prefix"`         // inbound route prefix, e.g. /api/gateway
	StreamSuffix  string `toml:"stream_suffix"`  // path under Prefix carrying the SSE job stream
	SessionCookie string `toml:"session_cookie"` // cookie resolved to a bearer token on the stream path
}

// LogConfig holds logging settings. When File is set, output is
// written through lumberjack with the given rotation caps instead of
// stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edgegate/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if cli.PrivateOrigin != "" {
		c.Origin.PrivateURL = cli.PrivateOrigin
	}
	if cli.PublicAPIURL != "" {
		c.Origin.PublicAPIURL = cli.PublicAPIURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Origin URLs, when set, must parse as absolute http(s) URLs.
	// Neither being set is not a load error: the gateway boots and
	// answers 500 on proxied paths so health and metrics stay
	// reachable on a misconfigured deployment.
	for name, raw := range map[string]string{
		"origin.private_url":    c.Origin.PrivateURL,
		"origin.public_api_url": c.Origin.PublicAPIURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https; got %q", name, raw)
		}
		if u.Host == "" {
			return fmt.Errorf("%s has no host; got %q", name, raw)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Origin.TimeoutSeconds < 0 {
		return fmt.Errorf("origin.timeout_seconds must be non-negative; got %d", c.Origin.TimeoutSeconds)
	}
	if c.Origin.IdleConnections < 0 {
		return fmt.Errorf("origin.idle_connections must be non-negative; got %d", c.Origin.IdleConnections)
	}
	if c.Cache.FreshSeconds < 0 || c.Cache.StaleSeconds < 0 {
		return fmt.Errorf("cache windows must be non-negative; got fresh=%d stale=%d",
			c.Cache.FreshSeconds, c.Cache.StaleSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Path shapes.
	for _, p := range c.Cache.Paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.paths entries must start with '/'; got %q", p)
		}
	}
	if c.Gateway.Prefix != "" && !strings.HasPrefix(c.Gateway.Prefix, "/") {
		return fmt.Errorf("gateway.prefix must start with '/'; got %q", c.Gateway.Prefix)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := []string{"/healthz", "/gateway/status"}
		if c.Gateway.Prefix != "" {
			reserved = append(reserved, c.Gateway.Prefix)
		}
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot
// distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Origin.TimeoutSeconds == 0 {
		c.Origin.TimeoutSeconds = 30
	}
	if c.Origin.IdleConnections == 0 {
		c.Origin.IdleConnections = 100
	}
	if c.Cache.FreshSeconds == 0 {
		c.Cache.FreshSeconds = 60
	}
	if c.Cache.StaleSeconds == 0 {
		c.Cache.StaleSeconds = 60
	}
	if c.Gateway.Prefix == "" {
		c.Gateway.Prefix = "/api/gateway"
	}
	if c.Gateway.StreamSuffix == "" {
		c.Gateway.StreamSuffix = "/jobs/stream"
	}
	if c.Gateway.SessionCookie == "" {
		c.Gateway.SessionCookie = "edgegate_session"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// StreamPath returns the full inbound path of the SSE job stream.
func (c *Config) StreamPath() string {
	return c.Gateway.Prefix + c.Gateway.StreamSuffix
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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
