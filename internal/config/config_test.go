package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("VAULTAGENT_STATE_DIR", dir)
	t.Setenv("VAULTAGENT_CONFIG", "")
	for _, env := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY", "GEMINI_API_KEY",
		"VAULTAGENT_PROVIDER", "VAULTAGENT_MODEL", "VAULTAGENT_VAULT",
	} {
		t.Setenv(env, "")
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Defaults.Provider)
	assert.Equal(t, "vault", cfg.Defaults.Agent)
	assert.Equal(t, "main", cfg.Defaults.Thread)
	assert.Equal(t, GenerationConfig{MaxSteps: 20, MaxRetries: 2, MaxTokens: 8000}, cfg.Generation)
	assert.Equal(t, filepath.Join(dir, "config.toml"), ConfigPath())
	assert.Equal(t, filepath.Join(dir, "agents"), AgentsDir())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := isolate(t)

	content := `
[defaults]
provider = "openai"
model = "gpt-4o-mini"

[vault]
path = "~/notes"

[provider.openai]
api_key = "from-file"

[generation]
max_steps = 5

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("GEMINI_API_KEY", "gem")

	cfg, err := Load()
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "notes"), cfg.Vault.Path)
	assert.Equal(t, 5, cfg.Generation.MaxSteps)
	assert.Equal(t, 2, cfg.Generation.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)

	name, p := cfg.ProviderConfig("")
	assert.Equal(t, "openai", name)
	assert.Equal(t, "from-env", p.APIKey)
	assert.Equal(t, "gpt-4o-mini", p.Model)

	_, g := cfg.ProviderConfig("gemini")
	assert.Equal(t, "gem", g.APIKey)
	assert.Empty(t, g.Model)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[defaults"), 0644))

	_, err := Load()
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestSave_RoundTrip(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	cfg.Vault.Path = "/srv/notes"
	cfg.Provider["anthropic"] = ProviderConfig{APIKey: "k"}
	require.NoError(t, cfg.Save())

	again, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/notes", again.VaultDir())
	assert.Equal(t, "k", again.Provider["anthropic"].APIKey)
}
