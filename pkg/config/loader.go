package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: built-in defaults, then the optional YAML
// overlay at <configDir>/herder.yaml, then the environment (seeded from
// <configDir>/.env if present). Environment wins.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	if configDir != "" {
		envPath := filepath.Join(configDir, ".env")
		if err := godotenv.Load(envPath); err != nil {
			slog.Debug("No .env file loaded", "path", envPath)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}

		yamlPath := filepath.Join(configDir, "herder.yaml")
		if err := applyYAML(cfg, yamlPath); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyYAML overlays a YAML file onto cfg. A missing file is not an error.
func applyYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	slog.Info("Loaded configuration overlay", "path", path)
	return nil
}

// IsProduction reports whether the process runs in production mode.
func IsProduction() bool {
	env := os.Getenv("HERDER_ENV")
	return env == "production" || env == "prod"
}
