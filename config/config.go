// Package config loads engine configuration with the precedence
// defaults, then YAML file, then environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("loom.yaml").
//	    WithEnvPrefix("LOOM").
//	    Load()
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/workflow"
)

// Config is the engine's full configuration surface.
type Config struct {
	Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
	Invoker InvokerConfig `yaml:"invoker" env:"INVOKER"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
}

// EngineConfig tunes workflow scheduling.
type EngineConfig struct {
	// MaxConcurrency bounds how many nodes run simultaneously.
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// GlobalTimeout bounds a whole run; zero disables it.
	GlobalTimeout time.Duration `yaml:"global_timeout" env:"GLOBAL_TIMEOUT"`
	// OnNodeFailure is "fail_fast" or "continue_on_error".
	OnNodeFailure string `yaml:"on_node_failure" env:"ON_NODE_FAILURE"`
	// MaxToolIterations bounds agent tool loops.
	MaxToolIterations int `yaml:"max_tool_iterations" env:"MAX_TOOL_ITERATIONS"`
}

// InvokerConfig tunes the resilience layer around providers.
type InvokerConfig struct {
	MaxRetries       int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BackoffBase      time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax       time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryInterval time.Duration `yaml:"recovery_interval" env:"RECOVERY_INTERVAL"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrency:    4,
			GlobalTimeout:     0,
			OnNodeFailure:     string(workflow.FailFast),
			MaxToolIterations: workflow.DefaultMaxToolIterations,
		},
		Invoker: InvokerConfig{
			MaxRetries:       3,
			BackoffBase:      100 * time.Millisecond,
			BackoffMax:       5 * time.Second,
			AttemptTimeout:   30 * time.Second,
			FailureThreshold: 5,
			RecoveryInterval: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxConcurrency < 1 {
		errs = append(errs, "engine.max_concurrency must be at least 1")
	}
	if c.Engine.GlobalTimeout < 0 {
		errs = append(errs, "engine.global_timeout cannot be negative")
	}
	switch workflow.FailurePolicy(c.Engine.OnNodeFailure) {
	case workflow.FailFast, workflow.ContinueOnError:
	default:
		errs = append(errs, fmt.Sprintf("engine.on_node_failure must be %q or %q",
			workflow.FailFast, workflow.ContinueOnError))
	}
	if c.Engine.MaxToolIterations < 1 {
		errs = append(errs, "engine.max_tool_iterations must be at least 1")
	}

	if c.Invoker.MaxRetries < 0 {
		errs = append(errs, "invoker.max_retries cannot be negative")
	}
	if c.Invoker.BackoffBase <= 0 {
		errs = append(errs, "invoker.backoff_base must be positive")
	}
	if c.Invoker.BackoffMax < c.Invoker.BackoffBase {
		errs = append(errs, "invoker.backoff_max must not be below backoff_base")
	}
	if c.Invoker.AttemptTimeout <= 0 {
		errs = append(errs, "invoker.attempt_timeout must be positive")
	}
	if c.Invoker.FailureThreshold < 1 {
		errs = append(errs, "invoker.failure_threshold must be at least 1")
	}
	if c.Invoker.RecoveryInterval <= 0 {
		errs = append(errs, "invoker.recovery_interval must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be debug, info, warn, or error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, "log.format must be json or console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RunConfig maps the engine section onto a workflow run configuration.
func (c *Config) RunConfig() *workflow.RunConfig {
	return &workflow.RunConfig{
		MaxConcurrency:    c.Engine.MaxConcurrency,
		GlobalTimeout:     c.Engine.GlobalTimeout,
		OnNodeFailure:     workflow.FailurePolicy(c.Engine.OnNodeFailure),
		MaxToolIterations: c.Engine.MaxToolIterations,
	}
}

// InvokerConfig maps the invoker section onto the llm package's
// configuration.
func (c *Config) InvokerConfig() *llm.InvokerConfig {
	return &llm.InvokerConfig{
		MaxRetries:       c.Invoker.MaxRetries,
		BackoffBase:      c.Invoker.BackoffBase,
		BackoffMax:       c.Invoker.BackoffMax,
		AttemptTimeout:   c.Invoker.AttemptTimeout,
		FailureThreshold: c.Invoker.FailureThreshold,
		RecoveryInterval: c.Invoker.RecoveryInterval,
	}
}
