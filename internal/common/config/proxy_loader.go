package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
	"github.com/acorn1010/render/internal/common/yamlutil"
)

// LoadProxyConfig reads, decodes, defaults and validates the proxy configuration.
func LoadProxyConfig(path string, logger *zap.Logger) (*configtypes.ProxyConfig, error) {
	logger.Info("Loading render-proxy configuration", zap.String("path", path))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseProxyConfig(data)
	if err != nil {
		return nil, err
	}

	logger.Info("Render-proxy configuration loaded successfully",
		zap.String("proxy_id", cfg.ProxyID),
		zap.String("listen", cfg.Server.Listen),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("max_outstanding", cfg.Chrome.MaxOutstanding),
		zap.Bool("refetch_enabled", cfg.Refetch.Enabled))

	return cfg, nil
}

// ParseProxyConfig decodes raw YAML into a defaulted, validated config.
func ParseProxyConfig(data []byte) (*configtypes.ProxyConfig, error) {
	var cfg configtypes.ProxyConfig
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
