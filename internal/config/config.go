package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kernelbridge/internal/channel"
	"kernelbridge/internal/contracts"
	"kernelbridge/internal/document"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/router"
)

// DefaultPath is where the CLI looks for a config file.
const DefaultPath = ".kernelbridge/config.yaml"

// Config holds all kernelbridge configuration.
type Config struct {
	Name string `yaml:"name"`

	// Kernel process launched per document
	Kernel KernelConfig `yaml:"kernel"`

	// Submission settings
	Execution ExecutionConfig `yaml:"execution"`

	// Which files are notebooks
	Documents DocumentsConfig `yaml:"documents"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// KernelConfig describes the kernel subprocess.
type KernelConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Empty runs the kernel in the document's directory.
	WorkingDirectory string `yaml:"working_directory"`
	// KEY=VALUE entries added to the kernel environment
	Env             []string `yaml:"env"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// DocumentsConfig selects kernel-backed documents.
type DocumentsConfig struct {
	Patterns []string `yaml:"patterns"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "kernelbridge",

		Kernel: KernelConfig{
			Command:         "dotnet",
			Args:            []string{"interactive", "stdio"},
			ShutdownTimeout: "1s",
		},

		Execution: ExecutionConfig{
			DefaultTimeout:        "0s",
			DeferredTokenPrefix:   contracts.DefaultDeferredPrefix,
			CompletedTokenHistory: router.DefaultTombstones,
			DiagnosticsDebounce:   "500ms",
		},

		Documents: DocumentsConfig{
			Patterns: append([]string(nil), document.DefaultPatterns...),
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if cmd := os.Getenv("KERNELBRIDGE_KERNEL_COMMAND"); cmd != "" {
		c.Kernel.Command = cmd
	}
	if args, ok := os.LookupEnv("KERNELBRIDGE_KERNEL_ARGS"); ok {
		c.Kernel.Args = strings.Fields(args)
	}
	if timeout := os.Getenv("KERNELBRIDGE_TIMEOUT"); timeout != "" {
		c.Execution.DefaultTimeout = timeout
	}
	if dir := os.Getenv("KERNELBRIDGE_LOG_DIR"); dir != "" {
		c.Logging.Directory = dir
	}
}

// GetExecutionTimeout returns the default submission timeout. Zero means none.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GetDiagnosticsDebounce returns the diagnostics debounce delay.
func (c *Config) GetDiagnosticsDebounce() time.Duration {
	d, err := time.ParseDuration(c.Execution.DiagnosticsDebounce)
	if err != nil || d < 0 {
		return 500 * time.Millisecond
	}
	return d
}

// GetShutdownTimeout returns how long to wait for a kernel to stop.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Kernel.ShutdownTimeout)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Kernel.Command == "" {
		return fmt.Errorf("kernel command not configured (set kernel.command or KERNELBRIDGE_KERNEL_COMMAND)")
	}
	for _, kv := range c.Kernel.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("invalid kernel env entry %q (want KEY=VALUE)", kv)
		}
	}

	durations := map[string]string{
		"execution.default_timeout":      c.Execution.DefaultTimeout,
		"execution.diagnostics_debounce": c.Execution.DiagnosticsDebounce,
		"kernel.shutdown_timeout":        c.Kernel.ShutdownTimeout,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", name)
		}
	}

	if c.Execution.CompletedTokenHistory < 0 {
		return fmt.Errorf("invalid execution.completed_token_history: %d", c.Execution.CompletedTokenHistory)
	}
	if strings.Contains(c.Execution.DeferredTokenPrefix, ".") {
		return fmt.Errorf("invalid execution.deferred_token_prefix %q: must not contain '.'", c.Execution.DeferredTokenPrefix)
	}

	if _, err := document.NewMatcher(c.Documents.Patterns); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// ClientConfig converts the execution settings for kernel.NewClient.
func (c *Config) ClientConfig() kernel.ClientConfig {
	cfg := kernel.DefaultClientConfig()
	cfg.DefaultTimeout = c.GetExecutionTimeout()
	cfg.DiagnosticsDelay = c.GetDiagnosticsDebounce()
	if c.Execution.DeferredTokenPrefix != "" {
		cfg.DeferredPrefix = c.Execution.DeferredTokenPrefix
	}
	if c.Execution.CompletedTokenHistory > 0 {
		cfg.Tombstones = c.Execution.CompletedTokenHistory
	}
	return cfg
}

// StdioOptions converts the kernel settings for channel.NewStdioFactory.
func (c *Config) StdioOptions() channel.StdioOptions {
	return channel.StdioOptions{
		Command:          c.Kernel.Command,
		Args:             append([]string(nil), c.Kernel.Args...),
		Env:              append([]string(nil), c.Kernel.Env...),
		WorkingDirectory: c.Kernel.WorkingDirectory,
		ShutdownTimeout:  c.GetShutdownTimeout(),
	}
}

// Matcher returns the notebook pattern matcher.
func (c *Config) Matcher() (*document.Matcher, error) {
	return document.NewMatcher(c.Documents.Patterns)
}
