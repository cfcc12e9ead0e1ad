// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/iot-relay/config.toml",
	"configs/config.toml",
}

const (
	defaultAPIBaseURL     = "https://api.iot.yandex.net"
	defaultAPIUserAgent   = "Mozilla/5.0 (iPhone; CPU iPhone OS 12_0 like Mac OS X) AppleWebKit/605.1.15 YaApp/3.0"
	defaultAcceptLanguage = "ru-RU,ru;q=0.9"

	// Old iOS Safari builds are the least capable HLS clients the relay serves,
	// so streams are requested as one of them.
	defaultStreamUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 9_3 like Mac OS X) AppleWebKit/601.1.46"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	StaticRoot string `kong:"help='Directory served for non-API paths (overrides config).',env='STATIC_ROOT'"`
	APIBaseURL string `kong:"name='api-base-url',help='Upstream IoT API base URL (overrides config).',env='API_BASE_URL'"`
	TLSVerify  bool   `kong:"name='tls-verify',help='Verify upstream TLS certificates.',env='TLS_VERIFY'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	API      APIConfig      `toml:"api"`
	Stream   StreamConfig   `toml:"stream"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	StaticRoot   string          `toml:"static_root"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// APIConfig describes the fixed JSON API the relay forwards /api/* calls to.
type APIConfig struct {
	BaseURL             string `toml:"base_url"`
	UserAgent           string `toml:"user_agent"`
	AcceptLanguage      string `toml:"accept_language"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
}

// StreamConfig holds settings for relaying HLS playlists and media segments.
type StreamConfig struct {
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	UserAgent        string `toml:"user_agent"`
	ChunkSizeBytes   int    `toml:"chunk_size_bytes"`
	MaxManifestBytes int64  `toml:"max_manifest_bytes"`
}

// UpstreamConfig holds outbound connection settings shared by both relays.
type UpstreamConfig struct {
	// TLSVerify enables upstream certificate validation. Off unless set.
	TLSVerify       bool `toml:"tls_verify"`
	IdleConnections int  `toml:"idle_connections"`
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

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/iot-relay/config.toml then configs/config.toml; if neither exists the
// relay runs on defaults.
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
	if cli.StaticRoot != "" {
		c.Server.StaticRoot = cli.StaticRoot
	}
	if cli.APIBaseURL != "" {
		c.API.BaseURL = cli.APIBaseURL
	}
	if cli.TLSVerify {
		c.Upstream.TLSVerify = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil {
			return fmt.Errorf("api.base_url is not a valid URL: %w", err)
		}
		if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("api.base_url must be an absolute http(s) URL; got %q", c.API.BaseURL)
		}
	}
	if c.API.AcceptLanguage != "" {
		if _, _, err := language.ParseAcceptLanguage(c.API.AcceptLanguage); err != nil {
			return fmt.Errorf("api.accept_language is not a valid Accept-Language value: %w", err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.API.ReadTimeoutSeconds < 0 || c.API.WriteTimeoutSeconds < 0 {
		return fmt.Errorf("api timeouts must be non-negative; got read=%d write=%d",
			c.API.ReadTimeoutSeconds, c.API.WriteTimeoutSeconds)
	}
	if c.Stream.TimeoutSeconds < 0 {
		return fmt.Errorf("stream.timeout_seconds must be non-negative; got %d", c.Stream.TimeoutSeconds)
	}
	if c.Stream.ChunkSizeBytes < 0 {
		return fmt.Errorf("stream.chunk_size_bytes must be non-negative; got %d", c.Stream.ChunkSizeBytes)
	}
	if c.Stream.MaxManifestBytes < 0 {
		return fmt.Errorf("stream.max_manifest_bytes must be non-negative; got %d", c.Stream.MaxManifestBytes)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
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
	if c.Server.StaticRoot == "" {
		c.Server.StaticRoot = "."
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultAPIBaseURL
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = defaultAPIUserAgent
	}
	if c.API.AcceptLanguage == "" {
		c.API.AcceptLanguage = defaultAcceptLanguage
	}
	if c.API.ReadTimeoutSeconds == 0 {
		c.API.ReadTimeoutSeconds = 30
	}
	if c.API.WriteTimeoutSeconds == 0 {
		c.API.WriteTimeoutSeconds = 60
	}
	if c.Stream.TimeoutSeconds == 0 {
		c.Stream.TimeoutSeconds = 60
	}
	if c.Stream.UserAgent == "" {
		c.Stream.UserAgent = defaultStreamUserAgent
	}
	if c.Stream.ChunkSizeBytes == 0 {
		c.Stream.ChunkSizeBytes = 64 * 1024
	}
	if c.Stream.MaxManifestBytes == 0 {
		c.Stream.MaxManifestBytes = 8 * 1024 * 1024
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
		c.Metrics.Path = "/metrics"
	}
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

// Path returns the config file that was loaded, or "" when running on
// defaults.
func (c *Config) Path() string {
	return c.filePath
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadTimeout is the deadline for GET and DELETE calls to the API.
func (c *APIConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout is the deadline for POST calls to the API.
func (c *APIConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// Timeout bounds how long a stream fetch may wait for upstream response headers.
func (c *StreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
