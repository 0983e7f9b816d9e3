package configtypes

import (
	"fmt"
	"strconv"
	"time"

	"github.com/acorn1010/render/pkg/types"
)

// Compression algorithm names accepted by cache.compression
const (
	CompressionBrotli = "brotli"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
	CompressionNone   = "none"
)

// MaxOutstandingAuto sizes the render admission cap from available memory.
const MaxOutstandingAuto = "auto"

// ProxyConfig is the root configuration of the render proxy
type ProxyConfig struct {
	ProxyID string        `yaml:"proxy_id"`
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Chrome  ChromeConfig  `yaml:"chrome"`
	Cache   CacheConfig   `yaml:"cache"`
	Refetch RefetchConfig `yaml:"refetch"`
	Lock    LockConfig    `yaml:"lock"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the bot-facing HTTP listener
type ServerConfig struct {
	Listen              string         `yaml:"listen"`
	ReadTimeout         types.Duration `yaml:"read_timeout"`
	WriteTimeout        types.Duration `yaml:"write_timeout"`
	RequestTimeout      types.Duration `yaml:"request_timeout"` // upper bound on one render request
	TokenHeader         string         `yaml:"token_header"`
	AllowPrivateTargets bool           `yaml:"allow_private_targets"` // render URLs pointing at private IP literals
}

// ChromeConfig configures the browser pool and page renders
type ChromeConfig struct {
	MaxOutstanding    string         `yaml:"max_outstanding"` // "auto" or integer
	MaxLifetime       types.Duration `yaml:"max_lifetime"`
	PageTimeout       types.Duration `yaml:"page_timeout"`
	SettleDebounce    types.Duration `yaml:"settle_debounce"`
	SettleTimeout     types.Duration `yaml:"settle_timeout"`
	ViewportWidth     int            `yaml:"viewport_width"`
	ViewportHeight    int            `yaml:"viewport_height"`
	LaunchTimeout     types.Duration `yaml:"launch_timeout"`
	ShutdownTimeout   types.Duration `yaml:"shutdown_timeout"`
	FetchTimeout      types.Duration `yaml:"fetch_timeout"`
	FetchMaxRedirects int            `yaml:"fetch_max_redirects"`
	ExecPath          string         `yaml:"exec_path,omitempty"` // empty = chromedp default lookup
}

// CacheConfig configures cached render storage
type CacheConfig struct {
	TTL                types.Duration `yaml:"ttl"`
	Compression        string         `yaml:"compression"`
	UserAgentRetention types.Duration `yaml:"user_agent_retention"`
	UserAgentLimit     int            `yaml:"user_agent_limit"`
	CounterRetention   types.Duration `yaml:"counter_retention"`
	WriteTimeout       types.Duration `yaml:"write_timeout"`
}

// RefetchConfig configures the background refresher
type RefetchConfig struct {
	Enabled       bool           `yaml:"enabled"`
	PollInterval  types.Duration `yaml:"poll_interval"`
	Buffer        types.Duration `yaml:"buffer"`
	BatchSize     int            `yaml:"batch_size"`
	Lease         types.Duration `yaml:"lease"`
	MinPopularity int64          `yaml:"min_popularity"`
	RetryDelay    types.Duration `yaml:"retry_delay"` // first backoff after a failed refresh, doubled per repeat
}

// LockConfig configures render leases
type LockConfig struct {
	StrictRelease bool `yaml:"strict_release"` // only delete a lease still holding our owner token
}

// ApplyDefaults fills every zero value with its default.
func (c *ProxyConfig) ApplyDefaults() {
	if c.ProxyID == "" {
		c.ProxyID = "render-proxy"
	}

	setDuration := func(d *types.Duration, def time.Duration) {
		if *d == 0 {
			*d = types.Duration(def)
		}
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":3000"
	}
	setDuration(&c.Server.ReadTimeout, 60*time.Second)
	setDuration(&c.Server.WriteTimeout, 60*time.Second)
	setDuration(&c.Server.RequestTimeout, 60*time.Second)
	if c.Server.TokenHeader == "" {
		c.Server.TokenHeader = "X-Prerender-Token"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Chrome.MaxOutstanding == "" {
		c.Chrome.MaxOutstanding = "10"
	}
	setDuration(&c.Chrome.MaxLifetime, 10*time.Minute)
	setDuration(&c.Chrome.PageTimeout, 30*time.Second)
	setDuration(&c.Chrome.SettleDebounce, 750*time.Millisecond)
	setDuration(&c.Chrome.SettleTimeout, 5*time.Second)
	if c.Chrome.ViewportWidth == 0 {
		c.Chrome.ViewportWidth = 1024
	}
	if c.Chrome.ViewportHeight == 0 {
		c.Chrome.ViewportHeight = 768
	}
	setDuration(&c.Chrome.LaunchTimeout, 30*time.Second)
	setDuration(&c.Chrome.ShutdownTimeout, 30*time.Second)
	setDuration(&c.Chrome.FetchTimeout, 20*time.Second)
	if c.Chrome.FetchMaxRedirects == 0 {
		c.Chrome.FetchMaxRedirects = 5
	}

	setDuration(&c.Cache.TTL, time.Hour)
	if c.Cache.Compression == "" {
		c.Cache.Compression = CompressionBrotli
	}
	setDuration(&c.Cache.UserAgentRetention, 30*24*time.Hour)
	if c.Cache.UserAgentLimit == 0 {
		c.Cache.UserAgentLimit = 100
	}
	setDuration(&c.Cache.CounterRetention, 365*24*time.Hour)
	setDuration(&c.Cache.WriteTimeout, 10*time.Second)

	setDuration(&c.Refetch.PollInterval, 100*time.Millisecond)
	setDuration(&c.Refetch.Buffer, 15*time.Minute)
	if c.Refetch.BatchSize == 0 {
		c.Refetch.BatchSize = 1000
	}
	setDuration(&c.Refetch.Lease, 35*time.Second)
	setDuration(&c.Refetch.RetryDelay, 30*time.Second)
	if c.Refetch.MinPopularity == 0 {
		c.Refetch.MinPopularity = 2
	}

	// Console output is the fallback when no sink is configured
	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}
	if c.Log.Level == "" {
		c.Log.Level = LogLevelInfo
	}
	if c.Log.Console.Format == "" {
		c.Log.Console.Format = LogFormatConsole
	}
	if c.Log.File.Format == "" {
		c.Log.File.Format = LogFormatText
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "render"
	}
}

// Validate validates the proxy configuration. Call after ApplyDefaults.
func (c *ProxyConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	serverPort, err := ValidateListenAddress(c.Server.Listen)
	if err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be specified")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", c.Redis.DB)
	}

	if c.Chrome.MaxOutstanding != MaxOutstandingAuto {
		n, err := strconv.Atoi(c.Chrome.MaxOutstanding)
		if err != nil || n <= 0 {
			return fmt.Errorf("chrome.max_outstanding must be 'auto' or a positive integer, got '%s'", c.Chrome.MaxOutstanding)
		}
	}
	if c.Chrome.PageTimeout.ToDuration() <= 0 {
		return fmt.Errorf("chrome.page_timeout must be > 0")
	}
	if c.Chrome.MaxLifetime.ToDuration() <= 0 {
		return fmt.Errorf("chrome.max_lifetime must be > 0")
	}
	if c.Chrome.SettleTimeout.ToDuration() > c.Chrome.PageTimeout.ToDuration() {
		return fmt.Errorf("chrome.settle_timeout (%v) must not exceed chrome.page_timeout (%v)",
			c.Chrome.SettleTimeout, c.Chrome.PageTimeout)
	}
	if c.Chrome.SettleDebounce.ToDuration() >= c.Chrome.SettleTimeout.ToDuration() {
		return fmt.Errorf("chrome.settle_debounce must be shorter than chrome.settle_timeout")
	}
	if c.Chrome.ViewportWidth <= 0 || c.Chrome.ViewportHeight <= 0 {
		return fmt.Errorf("chrome viewport must be positive, got %dx%d", c.Chrome.ViewportWidth, c.Chrome.ViewportHeight)
	}
	if c.Chrome.FetchMaxRedirects < 0 {
		return fmt.Errorf("chrome.fetch_max_redirects must be >= 0")
	}

	if c.Cache.TTL.ToDuration() <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	switch c.Cache.Compression {
	case CompressionBrotli, CompressionSnappy, CompressionLZ4, CompressionNone:
	default:
		return fmt.Errorf("cache.compression must be one of: brotli, snappy, lz4, none, got '%s'", c.Cache.Compression)
	}
	if c.Cache.UserAgentLimit < 0 {
		return fmt.Errorf("cache.user_agent_limit must be >= 0")
	}

	if c.Refetch.Lease.ToDuration() <= 0 {
		return fmt.Errorf("refetch.lease must be > 0")
	}
	if c.Refetch.PollInterval.ToDuration() <= 0 {
		return fmt.Errorf("refetch.poll_interval must be > 0")
	}
	if c.Refetch.BatchSize <= 0 {
		return fmt.Errorf("refetch.batch_size must be > 0, got %d", c.Refetch.BatchSize)
	}

	if c.Metrics.Enabled {
		metricsPort, err := ValidateListenAddress(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
		if metricsPort == serverPort {
			return fmt.Errorf("metrics.listen port (%d) must differ from server.listen port (%d)", metricsPort, serverPort)
		}
	}

	return c.Log.Validate()
}

// Validate checks log levels, formats and rotation parameters.
func (l *LogConfig) Validate() error {
	validLogLevels := map[string]bool{
		LogLevelDebug: true,
		LogLevelInfo:  true,
		LogLevelWarn:  true,
		LogLevelError: true,
	}
	if l.Level != "" && !validLogLevels[l.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error, got '%s'", l.Level)
	}

	if l.Console.Enabled && l.Console.Format != LogFormatJSON && l.Console.Format != LogFormatConsole {
		return fmt.Errorf("log.console.format must be 'json' or 'console', got '%s'", l.Console.Format)
	}

	if l.File.Enabled {
		if l.File.Path == "" {
			return fmt.Errorf("log.file.path must be specified when file logging is enabled")
		}
		if l.File.Format != LogFormatJSON && l.File.Format != LogFormatText {
			return fmt.Errorf("log.file.format must be 'json' or 'text', got '%s'", l.File.Format)
		}
		if l.File.Rotation.MaxSize < 0 || l.File.Rotation.MaxAge < 0 || l.File.Rotation.MaxBackups < 0 {
			return fmt.Errorf("log.file.rotation values must be >= 0")
		}
	}
	return nil
}
