package configtypes

import (
	"github.com/mediacdn/engine/pkg/types"
)

// Log level constants
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// GatewayConfig represents the media gateway main application configuration
type GatewayConfig struct {
	Server   ServerConfig    `yaml:"server"`
	Origin   OriginConfig    `yaml:"origin"`
	Storage  StorageConfig   `yaml:"storage"`
	Registry RegistryConfig  `yaml:"registry"`
	Billing  BillingConfig   `yaml:"billing"`
	Usage    UsageConfig     `yaml:"usage"`
	Log      LogConfig       `yaml:"log"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	ClientIP *ClientIPConfig `yaml:"client_ip,omitempty"`
	Debug    bool            `yaml:"debug,omitempty"`
}

type ServerConfig struct {
	Listen  string         `yaml:"listen"`
	Timeout types.Duration `yaml:"timeout"`
	Name    string         `yaml:"name,omitempty"`
}

// OriginConfig controls which origins the gateway will proxy for and how
// origin fetches behave.
type OriginConfig struct {
	Mode            string         `yaml:"mode"` // open, list, registered
	Allowed         string         `yaml:"allowed,omitempty"`
	Blocked         string         `yaml:"blocked,omitempty"`
	MaxFileSize     types.ByteSize `yaml:"max_file_size,omitempty"`
	FetchTimeout    types.Duration `yaml:"fetch_timeout,omitempty"`
	UserAgent       string         `yaml:"user_agent,omitempty"`
	ForwardClientIP bool           `yaml:"forward_client_ip,omitempty"`
}

type StorageConfig struct {
	BasePath             string         `yaml:"base_path"`
	Compression          string         `yaml:"compression,omitempty"` // none, snappy, lz4
	CompressionThreshold types.ByteSize `yaml:"compression_threshold,omitempty"`
	Cleanup              CleanupConfig  `yaml:"cleanup,omitempty"`
}

// CleanupConfig controls age-based eviction of cached objects. Objects
// whose upload time is older than MaxAge are deleted on each sweep.
type CleanupConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Interval types.Duration `yaml:"interval,omitempty"`
	MaxAge   types.Duration `yaml:"max_age,omitempty"`
}

// RegistryConfig binds the tenant/domain registry. Required when
// origin.mode is "registered".
type RegistryConfig struct {
	Enabled   bool        `yaml:"enabled"`
	Redis     RedisConfig `yaml:"redis"`
	KeyPrefix string      `yaml:"key_prefix,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BillingConfig controls the periodic usage flush to the billing database.
type BillingConfig struct {
	Enabled       bool           `yaml:"enabled"`
	DSN           string         `yaml:"dsn"`
	FlushInterval types.Duration `yaml:"flush_interval,omitempty"`
}

// UsageConfig controls the on-disk write-ahead log for unflushed usage.
type UsageConfig struct {
	WALPath string `yaml:"wal_path,omitempty"`
}

// ClientIPConfig controls how the real client IP is extracted for
// forwarding to origins.
type ClientIPConfig struct {
	Header         string   `yaml:"header,omitempty"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}
