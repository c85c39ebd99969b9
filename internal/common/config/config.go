// Package config loads and validates the media gateway YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/common/configtypes"
	"github.com/mediacdn/engine/internal/common/yamlutil"
	"github.com/mediacdn/engine/pkg/types"
)

// Type aliases so callers do not need to import configtypes directly
type (
	GatewayConfig = configtypes.GatewayConfig
	ServerConfig  = configtypes.ServerConfig
	OriginConfig  = configtypes.OriginConfig
	StorageConfig = configtypes.StorageConfig
	LogConfig     = configtypes.LogConfig
)

// Defaults applied by Manager when fields are omitted.
const (
	DefaultListen               = ":8080"
	DefaultServerTimeout        = 60 * time.Second
	DefaultMaxFileSize          = 500 * 1024 * 1024
	DefaultFetchTimeout         = 30 * time.Second
	DefaultFlushInterval        = 60 * time.Second
	DefaultCompressionThreshold = 1024 * 1024
	DefaultCleanupInterval      = 1 * time.Hour
	DefaultUserAgent            = "MediaCDN-Gateway/1.0"
	DefaultMetricsPath          = "/metrics"
)

// Manager handles configuration loading
type Manager struct {
	config     *GatewayConfig
	configPath string
	logger     *zap.Logger
}

func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		configPath: configPath,
		logger:     logger,
	}

	if err := m.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	return m, nil
}

// LoadConfig loads and validates configuration from the config file
func (m *Manager) LoadConfig() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config GatewayConfig
	if err := yamlutil.UnmarshalStrict(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	m.config = &config
	m.applyDefaults()

	if err := m.validate(); err != nil {
		return err
	}

	return nil
}

// GetConfig returns the current gateway configuration
func (m *Manager) GetConfig() *GatewayConfig {
	return m.config
}

// SetConfig sets the configuration (for testing)
func (m *Manager) SetConfig(cfg *GatewayConfig) {
	m.config = cfg
}

func (m *Manager) applyDefaults() {
	cfg := m.config

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = types.Duration(DefaultServerTimeout)
	}

	if cfg.Origin.Mode == "" {
		cfg.Origin.Mode = string(types.OriginModeOpen)
	}
	if cfg.Origin.MaxFileSize == 0 {
		cfg.Origin.MaxFileSize = types.ByteSize(DefaultMaxFileSize)
	}
	if cfg.Origin.FetchTimeout == 0 {
		cfg.Origin.FetchTimeout = types.Duration(DefaultFetchTimeout)
	}
	if cfg.Origin.UserAgent == "" {
		cfg.Origin.UserAgent = DefaultUserAgent
	}

	if cfg.Storage.Compression == "" {
		cfg.Storage.Compression = types.CompressionSnappy
	}
	if cfg.Storage.CompressionThreshold == 0 {
		cfg.Storage.CompressionThreshold = types.ByteSize(DefaultCompressionThreshold)
	}
	if cfg.Storage.Cleanup.Enabled && cfg.Storage.Cleanup.Interval == 0 {
		cfg.Storage.Cleanup.Interval = types.Duration(DefaultCleanupInterval)
	}

	if cfg.Billing.FlushInterval == 0 {
		cfg.Billing.FlushInterval = types.Duration(DefaultFlushInterval)
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	// If both log outputs are disabled (zero values), enable console by default
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}
}

func (m *Manager) validate() error {
	cfg := m.config

	switch types.OriginMode(cfg.Origin.Mode) {
	case types.OriginModeOpen, types.OriginModeList, types.OriginModeRegistered:
	default:
		return fmt.Errorf("origin.mode must be one of open, list, registered (got %q)", cfg.Origin.Mode)
	}

	if types.OriginMode(cfg.Origin.Mode) == types.OriginModeRegistered && !cfg.Registry.Enabled {
		return fmt.Errorf("origin.mode=registered requires registry.enabled=true")
	}
	if cfg.Registry.Enabled && cfg.Registry.Redis.Addr == "" {
		return fmt.Errorf("registry.redis.addr is required when registry is enabled")
	}

	switch cfg.Storage.Compression {
	case types.CompressionNone, types.CompressionSnappy, types.CompressionLZ4:
	default:
		return fmt.Errorf("storage.compression must be one of none, snappy, lz4 (got %q)", cfg.Storage.Compression)
	}
	if cfg.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path is required")
	}
	if cfg.Storage.Cleanup.Enabled && cfg.Storage.Cleanup.MaxAge <= 0 {
		return fmt.Errorf("storage.cleanup.max_age is required when cleanup is enabled")
	}

	if cfg.Billing.Enabled && cfg.Billing.DSN == "" {
		return fmt.Errorf("billing.dsn is required when billing is enabled")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}
