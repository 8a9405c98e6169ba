// Package config loads router configuration from a YAML file and the
// environment, and builds provider instances from it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/logger"
	"github.com/malorod/llmrouter/internal/provider"
	"github.com/malorod/llmrouter/internal/provider/gigachat"
	"github.com/malorod/llmrouter/internal/provider/mock"
	"github.com/malorod/llmrouter/internal/provider/ollama"
	"github.com/malorod/llmrouter/internal/provider/yandexgpt"
	"github.com/malorod/llmrouter/internal/router"
)

// Config represents the complete router configuration
type Config struct {
	Strategy  string          `mapstructure:"strategy"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Providers []ProviderSpec  `mapstructure:"providers"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Output      string `mapstructure:"output"`
	AddSource   bool   `mapstructure:"add_source"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig contains Prometheus exporter configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig contains the gRPC health service configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PricingConfig points at an optional pricing-table override file
type PricingConfig struct {
	File string `mapstructure:"file"`
}

// ProviderSpec declares one provider instance
type ProviderSpec struct {
	Kind       string        `mapstructure:"kind"`
	Name       string        `mapstructure:"name"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries *int          `mapstructure:"max_retries"`
	VerifyTLS  *bool         `mapstructure:"verify_tls"`
	Model      string        `mapstructure:"model"`
	Scope      string        `mapstructure:"scope"`
	TenantID   string        `mapstructure:"tenant_id"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	configPath := os.Getenv("LLMROUTER_CONFIG")
	if configPath == "" {
		configPath = "configs/router.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("LLMROUTER")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy", "round-robin")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.port", 50051)
}

// validate validates the configuration
func validate(config *Config) error {
	if _, err := router.ParseStrategy(config.Strategy); err != nil {
		return err
	}
	if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
	}
	if config.Health.Enabled && (config.Health.Port <= 0 || config.Health.Port > 65535) {
		return fmt.Errorf("invalid health port: %d", config.Health.Port)
	}

	seen := make(map[string]struct{}, len(config.Providers))
	for _, spec := range config.Providers {
		if spec.Name == "" {
			return fmt.Errorf("provider name cannot be empty")
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("duplicate provider name %s", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}

// providerConfig converts a spec into the provider-level config. ${VAR}
// references in the string fields are expanded from the environment.
func (s ProviderSpec) providerConfig() *provider.Config {
	cfg := provider.NewConfig(s.Name)
	cfg.APIKey = os.ExpandEnv(s.APIKey)
	cfg.BaseURL = os.ExpandEnv(s.BaseURL)
	cfg.Model = os.ExpandEnv(s.Model)
	cfg.Scope = os.ExpandEnv(s.Scope)
	cfg.TenantID = os.ExpandEnv(s.TenantID)
	if s.Timeout != 0 {
		cfg.Timeout = s.Timeout
	}
	if s.MaxRetries != nil {
		cfg.MaxRetries = *s.MaxRetries
	}
	if s.VerifyTLS != nil {
		cfg.VerifyTLS = *s.VerifyTLS
	}
	return cfg
}

// BuildProviders instantiates every declared provider. Each one gets a
// logger scoped to its identity.
func BuildProviders(specs []ProviderSpec, base *zap.Logger) ([]provider.Provider, error) {
	providers := make([]provider.Provider, 0, len(specs))

	for _, spec := range specs {
		cfg := spec.providerConfig()
		log := logger.ForProvider(base, spec.Name, spec.Kind)

		var (
			p   provider.Provider
			err error
		)
		switch spec.Kind {
		case "mock":
			p, err = mock.New(cfg, log)
		case "gigachat":
			p, err = gigachat.New(cfg, log)
		case "ollama":
			p, err = ollama.New(cfg, log)
		case "yandexgpt":
			p, err = yandexgpt.New(cfg, log)
		default:
			return nil, fmt.Errorf("unknown provider kind %q for %s", spec.Kind, spec.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("build provider %s: %w", spec.Name, err)
		}
		providers = append(providers, p)
	}

	return providers, nil
}
