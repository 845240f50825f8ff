package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"openai": {Type: "openai", Model: "gpt-4o", APIKey: "sk-test", Timeout: 30 * time.Second},
			"local":  {Type: "ollama", Model: "llama3.1", BaseURL: "http://127.0.0.1:11434"},
		},
		Resolver: ResolverConfig{
			Chain: []string{"openai", "local"},
		},
		Runner: RunnerConfig{
			MaxIterations:      10,
			TokenBudget:        8000,
			KeepRecentMessages: 4,
			ToolResultMaxBytes: 2048,
		},
		Python: PythonSandboxConfig{Interpreter: "python3", TimeoutSeconds: 30, MemoryLimitMB: 512, CPUSeconds: 30},
		R:      RSandboxConfig{Interpreter: "Rscript", TimeoutSeconds: 30, InstallTimeoutSeconds: 60, MemoryLimitMB: 512},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsEmptyProviders(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = nil
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownChainEntry(t *testing.T) {
	cfg := validConfig()
	cfg.Resolver.Chain = []string{"openai", "missing"}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestValidateRejectsUnknownPreferred(t *testing.T) {
	cfg := validConfig()
	cfg.Resolver.Preferred = "nope"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsPurposeWithoutProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Resolver.Purposes = map[string]PurposeOverride{
		"title_generation": {Model: "gpt-4o-mini"},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInstallTimeoutBelowRunTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.R.InstallTimeoutSeconds = 5
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLoggingFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	require.Error(t, cfg.Validate())
}
