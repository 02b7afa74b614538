// Package config provides configuration types and loading for the syncwave
// controller.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
)

// Config is the root configuration structure.
type Config struct {
	// Controller configures the reconciliation loop.
	Controller ControllerConfig `yaml:"controller"`

	// Diff configures desired/actual comparison.
	Diff DiffConfig `yaml:"diff,omitempty"`

	// History configures the sync history store.
	History HistoryConfig `yaml:"history"`

	// Webhook configures the revision notification endpoint.
	Webhook WebhookConfig `yaml:"webhook,omitempty"`

	// Applications are the deployment units managed by this controller.
	Applications []v1alpha1.Application `yaml:"applications,omitempty"`
}

// ControllerConfig configures the reconciliation loop and sync executor.
type ControllerConfig struct {
	// PollInterval is the cadence of routine reconciliation per
	// Application. Default is 3 minutes.
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`

	// DriftInterval is the cadence of drift-detection ticks for
	// Applications with self-heal enabled. Default is 30 seconds.
	DriftInterval time.Duration `yaml:"driftInterval,omitempty"`

	// MaxConcurrentSyncs bounds how many Applications reconcile in
	// parallel. Default is 5.
	MaxConcurrentSyncs int `yaml:"maxConcurrentSyncs,omitempty"`

	// ApplyFanOut bounds concurrent resource applies within one wave of a
	// single sync. Default is 4.
	ApplyFanOut int `yaml:"applyFanOut,omitempty"`

	// ReadinessTimeout bounds the wait for a single resource to become
	// ready after apply. Default is 2 minutes.
	ReadinessTimeout time.Duration `yaml:"readinessTimeout,omitempty"`

	// Retry configures per-resource apply retries.
	Retry RetryConfig `yaml:"retry,omitempty"`

	// RateLimit configures the shared cluster API client.
	RateLimit RateLimitConfig `yaml:"rateLimit,omitempty"`
}

// RetryConfig configures exponential backoff for failed resource applies.
type RetryConfig struct {
	// MaxAttempts is the bound on attempts per resource per sync.
	// Default is 5.
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// InitialBackoff is the delay after the first failure. Default is 1
	// second.
	InitialBackoff time.Duration `yaml:"initialBackoff,omitempty"`

	// MaxBackoff caps the delay between attempts. Default is 1 minute.
	MaxBackoff time.Duration `yaml:"maxBackoff,omitempty"`
}

// RateLimitConfig configures request throttling against the target platform.
// Callers queue on the limiter rather than fail.
type RateLimitConfig struct {
	// QPS is the sustained request rate. Default is 20.
	QPS float64 `yaml:"qps,omitempty"`

	// Burst is the burst size. Default is 40.
	Burst int `yaml:"burst,omitempty"`
}

// DiffConfig configures desired/actual comparison.
type DiffConfig struct {
	// IgnoreRules adds per-kind ignore paths for server-populated fields,
	// merged over the built-in defaults. Which fields to ignore is policy
	// and varies by target platform version, so it is configurable rather
	// than hardcoded.
	IgnoreRules []IgnoreRule `yaml:"ignoreRules,omitempty"`
}

// IgnoreRule excludes JSON-pointer paths from comparison for matching kinds.
type IgnoreRule struct {
	// Group is the API group to match. "*" matches any group, "" the core
	// group.
	Group string `yaml:"group"`

	// Kind is the resource kind to match. "*" matches all kinds.
	Kind string `yaml:"kind"`

	// Paths are RFC 6901 JSON pointers into the resource object.
	Paths []string `yaml:"paths"`
}

// HistoryConfig configures the sync history store.
type HistoryConfig struct {
	// Dir is the directory holding per-Application history logs.
	Dir string `yaml:"dir"`

	// Limit caps retained entries per Application; 0 keeps everything.
	Limit int `yaml:"limit,omitempty"`
}

// WebhookConfig configures the revision notification endpoint.
type WebhookConfig struct {
	// Addr is the listen address, e.g. ":8090". Empty disables the
	// endpoint.
	Addr string `yaml:"addr,omitempty"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Controller.PollInterval == 0 {
		c.Controller.PollInterval = 3 * time.Minute
	}
	if c.Controller.DriftInterval == 0 {
		c.Controller.DriftInterval = 30 * time.Second
	}
	if c.Controller.MaxConcurrentSyncs == 0 {
		c.Controller.MaxConcurrentSyncs = 5
	}
	if c.Controller.ApplyFanOut == 0 {
		c.Controller.ApplyFanOut = 4
	}
	if c.Controller.ReadinessTimeout == 0 {
		c.Controller.ReadinessTimeout = 2 * time.Minute
	}
	if c.Controller.Retry.MaxAttempts == 0 {
		c.Controller.Retry.MaxAttempts = 5
	}
	if c.Controller.Retry.InitialBackoff == 0 {
		c.Controller.Retry.InitialBackoff = time.Second
	}
	if c.Controller.Retry.MaxBackoff == 0 {
		c.Controller.Retry.MaxBackoff = time.Minute
	}
	if c.Controller.RateLimit.QPS == 0 {
		c.Controller.RateLimit.QPS = 20
	}
	if c.Controller.RateLimit.Burst == 0 {
		c.Controller.RateLimit.Burst = 40
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Controller.MaxConcurrentSyncs < 1 {
		return fmt.Errorf("controller.maxConcurrentSyncs must be positive, got %d", c.Controller.MaxConcurrentSyncs)
	}
	if c.Controller.ApplyFanOut < 1 {
		return fmt.Errorf("controller.applyFanOut must be positive, got %d", c.Controller.ApplyFanOut)
	}
	if c.Controller.Retry.MaxAttempts < 1 {
		return fmt.Errorf("controller.retry.maxAttempts must be positive, got %d", c.Controller.Retry.MaxAttempts)
	}
	if c.Controller.RateLimit.QPS <= 0 {
		return fmt.Errorf("controller.rateLimit.qps must be positive, got %v", c.Controller.RateLimit.QPS)
	}

	for i, rule := range c.Diff.IgnoreRules {
		if rule.Kind == "" {
			return fmt.Errorf("diff.ignoreRules[%d]: kind must not be empty", i)
		}
		if len(rule.Paths) == 0 {
			return fmt.Errorf("diff.ignoreRules[%d]: paths must not be empty", i)
		}
		for _, p := range rule.Paths {
			if p == "" || p[0] != '/' {
				return fmt.Errorf("diff.ignoreRules[%d]: path %q is not a JSON pointer", i, p)
			}
		}
	}

	seen := make(map[string]struct{}, len(c.Applications))
	for i := range c.Applications {
		app := &c.Applications[i]
		if err := app.Validate(); err != nil {
			return fmt.Errorf("applications[%d]: %w", i, err)
		}
		if _, ok := seen[app.Name]; ok {
			return fmt.Errorf("applications[%d]: duplicate name %q", i, app.Name)
		}
		seen[app.Name] = struct{}{}
	}

	return nil
}

// Matches returns true if this rule applies to the given group and kind.
func (r *IgnoreRule) Matches(gk schema.GroupKind) bool {
	if r.Group != "*" && r.Group != gk.Group {
		return false
	}
	return r.Kind == "*" || r.Kind == gk.Kind
}

// IgnorePathsFor returns all configured ignore paths applying to the kind.
func (c *Config) IgnorePathsFor(gk schema.GroupKind) []string {
	var paths []string
	for i := range c.Diff.IgnoreRules {
		if c.Diff.IgnoreRules[i].Matches(gk) {
			paths = append(paths, c.Diff.IgnoreRules[i].Paths...)
		}
	}
	return paths
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		History: HistoryConfig{Dir: "/var/lib/syncwave/history"},
	}
	cfg.applyDefaults()
	return cfg
}
