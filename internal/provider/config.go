package provider

import (
	"fmt"
	"time"
)

const (
	// DefaultTimeout bounds a single request attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries caps the provider-local retry loop.
	DefaultMaxRetries = 3

	// HealthCheckTimeout bounds every health probe regardless of config.
	HealthCheckTimeout = 5 * time.Second
)

// Config is the immutable descriptor for a provider instance. Create it
// once, validate it, and hand it to the provider constructor; it is not
// mutated afterwards.
type Config struct {
	Name       string        `yaml:"name" json:"name"`
	APIKey     string        `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL    string        `yaml:"base_url" json:"base_url,omitempty"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	VerifyTLS  bool          `yaml:"verify_tls" json:"verify_tls"`
	Model      string        `yaml:"model" json:"model,omitempty"`
	Scope      string        `yaml:"scope" json:"scope,omitempty"`
	TenantID   string        `yaml:"tenant_id" json:"tenant_id,omitempty"`
}

// NewConfig returns a config with documented defaults applied.
func NewConfig(name string) *Config {
	return &Config{
		Name:       name,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		VerifyTLS:  true,
	}
}

// Validate checks field constraints and fills defaulted zero values.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < time.Second || c.Timeout > 300*time.Second {
		return fmt.Errorf("provider %s: timeout %s out of range [1s, 300s]", c.Name, c.Timeout)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("provider %s: max_retries %d out of range [0, 10]", c.Name, c.MaxRetries)
	}
	return nil
}
