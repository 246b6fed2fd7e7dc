package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models showrunner.yml.
type Config struct {
	Runtime struct {
		// FanOut bounds how many independent steps run concurrently
		// within one experience.
		FanOut int `yaml:"fan_out"`
		// StepTimeoutSeconds bounds a single step attempt; a timeout is a
		// transient failure subject to the step's retry policy.
		StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
		// MaxAttempts bounds retries for retryable steps.
		MaxAttempts int `yaml:"max_attempts"`
		// RetryBaseMS is the base delay for fixed and exponential backoff.
		RetryBaseMS int `yaml:"retry_base_ms"`
	} `yaml:"runtime"`
	Billing struct {
		Enabled bool           `yaml:"enabled"`
		Credits int            `yaml:"credits"`
		Costs   map[string]int `yaml:"costs"`
	} `yaml:"billing"`
	Playbooks struct {
		Enabled []string `yaml:"enabled"`
		Event   struct {
			SupportedAddons []string `yaml:"supported_addons"`
		} `yaml:"event"`
	} `yaml:"playbooks"`
}

func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Runtime.StepTimeoutSeconds) * time.Second
}

func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Runtime.RetryBaseMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Runtime.FanOut <= 0 {
		return fmt.Errorf("config.runtime.fan_out must be positive")
	}
	if c.Runtime.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("config.runtime.step_timeout_seconds must be positive")
	}
	if c.Runtime.MaxAttempts <= 0 {
		return fmt.Errorf("config.runtime.max_attempts must be positive")
	}
	if c.Runtime.RetryBaseMS < 0 {
		return fmt.Errorf("config.runtime.retry_base_ms must not be negative")
	}
	if c.Billing.Enabled && c.Billing.Credits < 0 {
		return fmt.Errorf("config.billing.credits must not be negative")
	}
	for t, cost := range c.Billing.Costs {
		if t == "" {
			return fmt.Errorf("config.billing.costs contains empty artifact type")
		}
		if cost < 0 {
			return fmt.Errorf("config.billing.costs.%s must not be negative", t)
		}
	}
	if len(c.Playbooks.Enabled) == 0 {
		return fmt.Errorf("config.playbooks.enabled is required")
	}
	for _, id := range c.Playbooks.Enabled {
		if id == "" {
			return fmt.Errorf("config.playbooks.enabled contains empty playbook id")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "showrunner.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML for `showrunner init`.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `runtime:
  fan_out: 4
  step_timeout_seconds: 30
  max_attempts: 3
  retry_base_ms: 200

billing:
  enabled: false
  credits: 0
  costs:
    checkout: 2

playbooks:
  enabled: [event]
  event:
    supported_addons: [merch, recording]
`
