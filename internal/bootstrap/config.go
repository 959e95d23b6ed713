package bootstrap

import (
	"fmt"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/config"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
)

// DefaultConfigPath is used when neither --config nor CONFIG_PATH is set.
const DefaultConfigPath = "config.yml"

// LoadConfig loads and validates the configuration. An empty path falls back
// to CONFIG_PATH, then DefaultConfigPath. debug forces debug logging.
func LoadConfig(path string, debug bool) (*config.Config, error) {
	if path == "" {
		path = config.GetConfigPath(DefaultConfigPath)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if debug {
		cfg.Service.Debug = true
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// CreateLogger builds the service logger with the service name and version attached.
func CreateLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log.With(
		logger.String("service", cfg.Service.Name),
		logger.String("version", cfg.Service.Version),
	), nil
}
