// Package config defines the settings every moor connector instance owns
// and the loaders that produce them from files, maps and the environment.
package config

import (
	"time"

	"github.com/moorhq/moor/pkg/errors"
	"github.com/moorhq/moor/pkg/logger"
)

// Default values applied by New and filled in by Validate when a field is
// left at its zero value.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultBackoffFactor = 2.0
	DefaultInitialDelay  = 1 * time.Second
	DefaultMaxDelay      = 60 * time.Second
	DefaultLogLevel      = "info"
)

// RetryConfig holds the backoff parameters for connection retries. It is
// plain data; pkg/retry turns it into an executable policy.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"maxAttempts" json:"maxAttempts" mapstructure:"maxAttempts"`
	BackoffFactor float64       `yaml:"backoffFactor" json:"backoffFactor" mapstructure:"backoffFactor"`
	InitialDelay  time.Duration `yaml:"initialDelay" json:"initialDelay" mapstructure:"initialDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay" json:"maxDelay" mapstructure:"maxDelay"`
	Jitter        bool          `yaml:"jitter" json:"jitter" mapstructure:"jitter"`
}

// Config carries the framework-level settings of one connector instance.
// Every instance owns its own copy; the registry clones before handing it
// to a factory, so mutation never crosses instances.
type Config struct {
	// Name is the instance name; the registry fills it in, defaulting to
	// the type key for anonymous instances.
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	// Type is the registry type key the instance was created from.
	Type string `yaml:"type" json:"type" mapstructure:"type"`

	// Timeout bounds individual protocol operations. The lifecycle core
	// does not act on it; adapters pass it to their drivers.
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`

	Retry RetryConfig `yaml:"retry" json:"retry" mapstructure:"retry"`

	// MetricsEnabled controls whether the instance carries a metrics
	// collector at all. Defaults to true.
	MetricsEnabled bool `yaml:"metricsEnabled" json:"metricsEnabled" mapstructure:"metricsEnabled"`

	LogLevel string `yaml:"logLevel" json:"logLevel" mapstructure:"logLevel"`

	// Settings holds adapter-specific keys (DSNs, buckets, brokers,
	// tokens). Opaque to the lifecycle core.
	Settings map[string]string `yaml:"settings" json:"settings" mapstructure:"settings"`
}

// New returns a Config with framework defaults: metrics on, info logging
// and the standard connection retry policy (3 attempts, factor 2.0, 1s
// initial delay, 60s cap, jitter on).
func New() *Config {
	return &Config{
		Timeout: DefaultTimeout,
		Retry: RetryConfig{
			MaxAttempts:   DefaultMaxAttempts,
			BackoffFactor: DefaultBackoffFactor,
			InitialDelay:  DefaultInitialDelay,
			MaxDelay:      DefaultMaxDelay,
			Jitter:        true,
		},
		MetricsEnabled: true,
		LogLevel:       DefaultLogLevel,
		Settings:       map[string]string{},
	}
}

// Clone returns a deep copy. The Settings map is copied so the clone can be
// mutated independently.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Settings = make(map[string]string, len(c.Settings))
	for k, v := range c.Settings {
		clone.Settings[k] = v
	}
	return &clone
}

// Validate normalizes zero values to defaults and rejects parameter
// combinations the retry executor cannot honor.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return errors.New(errors.KindConfiguration, "timeout must not be negative")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, errors.KindConfiguration, "invalid logLevel")
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New(errors.KindConfiguration, "retry.maxAttempts must be at least 1")
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = DefaultBackoffFactor
	}
	if c.Retry.BackoffFactor < 1.0 {
		return errors.New(errors.KindConfiguration, "retry.backoffFactor must be at least 1.0")
	}
	if c.Retry.InitialDelay < 0 {
		return errors.New(errors.KindConfiguration, "retry.initialDelay must not be negative")
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultMaxDelay
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return errors.New(errors.KindConfiguration, "retry.maxDelay must not be below retry.initialDelay")
	}

	if c.Settings == nil {
		c.Settings = map[string]string{}
	}

	return nil
}

// Setting returns an adapter setting, or the empty string when unset.
func (c *Config) Setting(key string) string {
	return c.Settings[key]
}

// SettingOr returns an adapter setting, or def when unset or empty.
func (c *Config) SettingOr(key, def string) string {
	if v, ok := c.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// RequireSetting returns an adapter setting or a configuration error naming
// the missing key.
func (c *Config) RequireSetting(key string) (string, error) {
	v, ok := c.Settings[key]
	if !ok || v == "" {
		return "", errors.Newf(errors.KindConfiguration, "missing required setting %q", key).
			WithDetail("connector", c.Name)
	}
	return v, nil
}
