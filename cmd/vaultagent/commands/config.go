package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/eachlabs/vaultagent/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage vaultagent configuration.

Subcommands:
  get [key]              Show configuration value(s)
  set <key> <value>      Set a configuration value
  edit                   Open config in $EDITOR
  path                   Show config file path`,
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configPathCmd)
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show configuration",
	Long: `Show configuration values. API keys are masked.

Examples:
  vaultagent config get                    # Show all config
  vaultagent config get provider.anthropic.api_key
  vaultagent config get vault.path`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			// Show all config
			masked := maskConfig(cfg)
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(masked)
			}
			return toml.NewEncoder(os.Stdout).Encode(masked)
		}

		// Get specific key
		key := args[0]
		value := getConfigValue(cfg, key)
		if value == nil {
			return fmt.Errorf("key not found: %s", key)
		}

		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(value)
		}

		fmt.Printf("%v\n", value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Examples:
  vaultagent config set vault.path ~/notes
  vaultagent config set provider.gemini.api_key AIza...
  vaultagent config set -- generation.max_retries -1   # disable retries`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

func maskConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Provider = make(map[string]config.ProviderConfig, len(cfg.Provider))
	for name, p := range cfg.Provider {
		p.APIKey = maskToken(p.APIKey)
		out.Provider[name] = p
	}
	return &out
}

// configKey reads and writes one scalar setting.
type configKey struct {
	get func(*config.Config) any
	set func(*config.Config, string) error
}

func stringKey(field func(*config.Config) *string) configKey {
	return configKey{
		get: func(c *config.Config) any { return *field(c) },
		set: func(c *config.Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

func intKey(field func(*config.Config) *int) configKey {
	return configKey{
		get: func(c *config.Config) any { return *field(c) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("not a number: %q", v)
			}
			*field(c) = n
			return nil
		},
	}
}

var configKeys = map[string]configKey{
	"defaults.provider":      stringKey(func(c *config.Config) *string { return &c.Defaults.Provider }),
	"defaults.model":         stringKey(func(c *config.Config) *string { return &c.Defaults.Model }),
	"defaults.agent":         stringKey(func(c *config.Config) *string { return &c.Defaults.Agent }),
	"defaults.thread":        stringKey(func(c *config.Config) *string { return &c.Defaults.Thread }),
	"vault.path":             stringKey(func(c *config.Config) *string { return &c.Vault.Path }),
	"generation.max_steps":   intKey(func(c *config.Config) *int { return &c.Generation.MaxSteps }),
	"generation.max_retries": intKey(func(c *config.Config) *int { return &c.Generation.MaxRetries }),
	"generation.max_tokens":  intKey(func(c *config.Config) *int { return &c.Generation.MaxTokens }),
	"metrics.address":        stringKey(func(c *config.Config) *string { return &c.Metrics.Address }),
	"logging.level":          stringKey(func(c *config.Config) *string { return &c.Logging.Level }),
	"logging.file":           stringKey(func(c *config.Config) *string { return &c.Logging.File }),
}

var configSections = map[string]func(*config.Config) any{
	"defaults":   func(c *config.Config) any { return c.Defaults },
	"vault":      func(c *config.Config) any { return c.Vault },
	"provider":   func(c *config.Config) any { return maskConfig(c).Provider },
	"generation": func(c *config.Config) any { return c.Generation },
	"metrics":    func(c *config.Config) any { return c.Metrics },
	"logging":    func(c *config.Config) any { return c.Logging },
}

// providerField returns the field of provider.<name>.<field>.
func providerField(p *config.ProviderConfig, field string) *string {
	switch field {
	case "api_key":
		return &p.APIKey
	case "base_url":
		return &p.BaseURL
	case "model":
		return &p.Model
	}
	return nil
}

func getConfigValue(cfg *config.Config, key string) any {
	if k, ok := configKeys[key]; ok {
		return k.get(cfg)
	}
	if section, ok := configSections[key]; ok {
		return section(cfg)
	}

	parts := strings.Split(key, ".")
	if parts[0] != "provider" || len(parts) < 2 {
		return nil
	}
	p, ok := cfg.Provider[parts[1]]
	if !ok {
		return nil
	}
	p.APIKey = maskToken(p.APIKey)
	if len(parts) == 2 {
		return p
	}
	if len(parts) == 3 {
		if f := providerField(&p, parts[2]); f != nil {
			return *f
		}
	}
	return nil
}

func setConfigValue(cfg *config.Config, key, value string) error {
	if k, ok := configKeys[key]; ok {
		if err := k.set(cfg, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	parts := strings.Split(key, ".")
	if parts[0] != "provider" {
		return fmt.Errorf("unknown key: %s", key)
	}
	if len(parts) != 3 {
		return fmt.Errorf("invalid key: %s (use provider.<name>.<field>)", key)
	}
	if cfg.Provider == nil {
		cfg.Provider = make(map[string]config.ProviderConfig)
	}
	p := cfg.Provider[parts[1]]
	f := providerField(&p, parts[2])
	if f == nil {
		return fmt.Errorf("unknown field: %s", parts[2])
	}
	*f = value
	cfg.Provider[parts[1]] = p
	return nil
}

func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) < 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vim"
		}

		configPath := config.ConfigPath()

		// Ensure config exists
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
		}

		c := exec.Command(editor, configPath)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		return c.Run()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.ConfigPath())
	},
}
