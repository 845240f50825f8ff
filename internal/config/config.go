package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config describes the top-level application configuration loaded from YAML and ENV.
type Config struct {
	Version   string                    `mapstructure:"version"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Resolver  ResolverConfig            `mapstructure:"resolver"`
	Runner    RunnerConfig              `mapstructure:"runner"`
	Python    PythonSandboxConfig       `mapstructure:"python_sandbox"`
	R         RSandboxConfig            `mapstructure:"r_sandbox"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Server    ServerConfig              `mapstructure:"server"`
}

// ProviderConfig represents a single LLM backend such as OpenAI, Anthropic, or Ollama.
type ProviderConfig struct {
	Type    string        `mapstructure:"type"`     // openai, openrouter, deepseek, anthropic, ollama, custom
	Model   string        `mapstructure:"model"`    // effective model name
	BaseURL string        `mapstructure:"base_url"` // API base URL override
	APIKey  string        `mapstructure:"api_key"`  // optional API key
	Timeout time.Duration `mapstructure:"timeout"`  // request timeout
}

// PurposeOverride routes a named sub-task to a specific provider/model.
type PurposeOverride struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
}

// ResolverConfig controls failover ordering and purpose routing.
type ResolverConfig struct {
	Chain     []string                   `mapstructure:"chain"`     // ordered provider names; the failover chain
	Preferred string                     `mapstructure:"preferred"` // optional global-preferred provider
	Purposes  map[string]PurposeOverride `mapstructure:"purposes"`  // purpose -> override
}

// RunnerConfig describes the agent loop parameters.
type RunnerConfig struct {
	MaxIterations       int    `mapstructure:"max_iterations"`        // 0 = unbounded
	TokenBudget         int    `mapstructure:"token_budget"`          // prompt estimate threshold triggering compression
	KeepRecentMessages  int    `mapstructure:"keep_recent_messages"`  // sliding-window floor
	ToolResultMaxBytes  int    `mapstructure:"tool_result_max_bytes"` // compacted tool-result cap in prompts
	WorkspaceDir        string `mapstructure:"workspace_dir"`         // artifacts and code logs
	ArchiveDir          string `mapstructure:"archive_dir"`           // compressed-history archives
	CompressionMaxChars int    `mapstructure:"compression_max_chars"` // cap on summary length
}

// PythonSandboxConfig bounds the Python executor.
type PythonSandboxConfig struct {
	Interpreter    string `mapstructure:"interpreter"`     // python binary, default python3
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // wall-clock per execution
	MemoryLimitMB  int    `mapstructure:"memory_limit_mb"` // RLIMIT_AS in the worker
	CPUSeconds     int    `mapstructure:"cpu_seconds"`     // RLIMIT_CPU in the worker
	ScratchDir     string `mapstructure:"scratch_dir"`     // per-session working directories
}

// RSandboxConfig bounds the external-interpreter executor.
type RSandboxConfig struct {
	Interpreter           string `mapstructure:"interpreter"` // Rscript binary
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	InstallTimeoutSeconds int    `mapstructure:"install_timeout_seconds"`
	MemoryLimitMB         int    `mapstructure:"memory_limit_mb"`
	AutoInstall           bool   `mapstructure:"auto_install"` // install missing packages before running
	ScratchDir            string `mapstructure:"scratch_dir"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// ServerConfig describes daemon settings.
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

// Load reads configuration from the provided path or defaults to configs/config.yaml.
// Environment variables override file values (prefix: DATASAGE_, dots replaced with underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DATASAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && path == "" {
			v.SetConfigName("config.example")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates sensible defaults for optional fields.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("resolver.chain", []string{})
	v.SetDefault("resolver.preferred", "")

	v.SetDefault("runner.max_iterations", 25)
	v.SetDefault("runner.token_budget", 96000)
	v.SetDefault("runner.keep_recent_messages", 6)
	v.SetDefault("runner.tool_result_max_bytes", 4096)
	v.SetDefault("runner.workspace_dir", "workspace")
	v.SetDefault("runner.archive_dir", "workspace/archives")
	v.SetDefault("runner.compression_max_chars", 4000)

	v.SetDefault("python_sandbox.interpreter", "python3")
	v.SetDefault("python_sandbox.timeout_seconds", 120)
	v.SetDefault("python_sandbox.memory_limit_mb", 2048)
	v.SetDefault("python_sandbox.cpu_seconds", 120)
	v.SetDefault("python_sandbox.scratch_dir", "workspace/scratch")

	v.SetDefault("r_sandbox.interpreter", "Rscript")
	v.SetDefault("r_sandbox.timeout_seconds", 180)
	v.SetDefault("r_sandbox.install_timeout_seconds", 600)
	v.SetDefault("r_sandbox.memory_limit_mb", 2048)
	v.SetDefault("r_sandbox.auto_install", true)
	v.SetDefault("r_sandbox.scratch_dir", "workspace/rscratch")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_enabled", true)
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	for name, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("provider %q must define type", name)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %q must define model", name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider %q timeout cannot be negative", name)
		}
	}

	if len(c.Resolver.Chain) == 0 {
		return errors.New("resolver.chain must list at least one provider")
	}
	for _, name := range c.Resolver.Chain {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("resolver chain references unknown provider %q", name)
		}
	}
	if c.Resolver.Preferred != "" {
		if _, ok := c.Providers[c.Resolver.Preferred]; !ok {
			return fmt.Errorf("resolver.preferred references unknown provider %q", c.Resolver.Preferred)
		}
	}
	for purpose, ov := range c.Resolver.Purposes {
		if ov.Provider == "" {
			return fmt.Errorf("resolver purpose %q must name a provider", purpose)
		}
		if _, ok := c.Providers[ov.Provider]; !ok {
			return fmt.Errorf("resolver purpose %q references unknown provider %q", purpose, ov.Provider)
		}
	}

	if c.Runner.MaxIterations < 0 {
		return errors.New("runner.max_iterations must be >= 0")
	}
	if c.Runner.TokenBudget <= 0 {
		return errors.New("runner.token_budget must be > 0")
	}
	if c.Runner.KeepRecentMessages <= 0 {
		return errors.New("runner.keep_recent_messages must be > 0")
	}
	if c.Runner.ToolResultMaxBytes <= 0 {
		return errors.New("runner.tool_result_max_bytes must be > 0")
	}

	if c.Python.TimeoutSeconds <= 0 {
		return errors.New("python_sandbox.timeout_seconds must be > 0")
	}
	if c.Python.MemoryLimitMB <= 0 {
		return errors.New("python_sandbox.memory_limit_mb must be > 0")
	}
	if c.R.TimeoutSeconds <= 0 {
		return errors.New("r_sandbox.timeout_seconds must be > 0")
	}
	if c.R.InstallTimeoutSeconds < c.R.TimeoutSeconds {
		return errors.New("r_sandbox.install_timeout_seconds must be >= r_sandbox.timeout_seconds")
	}
	if c.R.MemoryLimitMB <= 0 {
		return errors.New("r_sandbox.memory_limit_mb must be > 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}

	return nil
}
