package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tracking TrackingConfig `yaml:"tracking"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"TRACKING_HOST"`
	Port int    `yaml:"port" env:"TRACKING_PORT" validate:"gt=0,lte=65535"`
	// AllowedOrigin is the single cross-origin value permitted to open a
	// socket connection. Empty means same-host and localhost only.
	AllowedOrigin string `yaml:"allowed_origin" env:"TRACKING_ALLOWED_ORIGIN" validate:"omitempty,url"`
}

type TrackingConfig struct {
	// UpdateInterval is the operator push interval hinted to rider clients
	// on refresh-location replies.
	UpdateInterval time.Duration `yaml:"update_interval" env:"TRACKING_UPDATE_INTERVAL" validate:"gt=0"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Tracking: TrackingConfig{
			UpdateInterval: 10 * time.Second,
		},
	}
}

// Load reads the yaml config at path over the built-in defaults, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return finish(cfg)
}

// LoadOrDefault behaves like Load but a missing file is not an error: the
// defaults (plus environment overrides) are used instead.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return finish(defaultConfig())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
