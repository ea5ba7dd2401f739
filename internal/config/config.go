// Package config handles configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the vaultagent configuration.
type Config struct {
	Defaults   DefaultsConfig            `toml:"defaults"`
	Vault      VaultConfig               `toml:"vault"`
	Provider   map[string]ProviderConfig `toml:"provider"`
	Generation GenerationConfig          `toml:"generation"`
	Metrics    MetricsConfig             `toml:"metrics"`
	Logging    LoggingConfig             `toml:"logging"`
}

// DefaultsConfig holds default settings.
type DefaultsConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	Agent    string `toml:"agent"`
	Thread   string `toml:"thread"`
}

// VaultConfig holds the notes vault settings.
type VaultConfig struct {
	Path string `toml:"path"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// GenerationConfig bounds agent runs that do not set their own limits.
// Zero values fall back to the built-in limits. Set max_retries to -1 to
// disable retries.
type GenerationConfig struct {
	MaxSteps   int `toml:"max_steps"`
	MaxRetries int `toml:"max_retries"`
	MaxTokens  int `toml:"max_tokens"`
}

// MetricsConfig holds the Prometheus endpoint settings. An empty address
// disables the endpoint.
type MetricsConfig struct {
	Address string `toml:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from file
	configPath := ConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.expandPaths()

	return cfg, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if p := os.Getenv("VAULTAGENT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(StateDir(), "config.toml")
}

// StateDir returns the vaultagent state directory.
func StateDir() string {
	if p := os.Getenv("VAULTAGENT_STATE_DIR"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vaultagent")
}

// VaultDir returns the vault directory, the working directory when none is
// configured.
func (c *Config) VaultDir() string {
	if c.Vault.Path != "" {
		return c.Vault.Path
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// ProviderConfig returns the settings of the named provider, the default
// provider when name is empty.
func (c *Config) ProviderConfig(name string) (string, ProviderConfig) {
	if name == "" {
		name = c.Defaults.Provider
	}
	p := c.Provider[name]
	if p.Model == "" && name == c.Defaults.Provider {
		p.Model = c.Defaults.Model
	}
	return name, p
}

// SessionsDir returns the sessions directory.
func SessionsDir() string {
	return filepath.Join(StateDir(), "sessions")
}

// AgentsDir returns the agent definitions directory.
func AgentsDir() string {
	return filepath.Join(StateDir(), "agents")
}

// LogsDir returns the logs directory.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

func defaultConfig() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			Provider: "anthropic",
			Agent:    "vault",
			Thread:   "main",
		},
		Provider: make(map[string]ProviderConfig),
		Generation: GenerationConfig{
			MaxSteps:   20,
			MaxRetries: 2,
			MaxTokens:  8000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// providerEnv maps provider names to their API key variables.
var providerEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"gemini":     "GEMINI_API_KEY",
}

func (c *Config) applyEnv() {
	if c.Provider == nil {
		c.Provider = make(map[string]ProviderConfig)
	}
	for name, env := range providerEnv {
		if key := os.Getenv(env); key != "" {
			p := c.Provider[name]
			p.APIKey = key
			c.Provider[name] = p
		}
	}

	if prov := os.Getenv("VAULTAGENT_PROVIDER"); prov != "" {
		c.Defaults.Provider = prov
	}
	if model := os.Getenv("VAULTAGENT_MODEL"); model != "" {
		c.Defaults.Model = model
	}
	if vault := os.Getenv("VAULTAGENT_VAULT"); vault != "" {
		c.Vault.Path = vault
	}
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		if strings.HasPrefix(p, "$HOME/") {
			return filepath.Join(home, p[6:])
		}
		return p
	}

	c.Vault.Path = expand(c.Vault.Path)
	c.Logging.File = expand(c.Logging.File)
}

// Save writes the config to file.
func (c *Config) Save() error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}

// EnsureDirs creates necessary directories.
func EnsureDirs() error {
	dirs := []string{
		StateDir(),
		SessionsDir(),
		AgentsDir(),
		LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}
