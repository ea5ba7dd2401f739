package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/eachlabs/vaultagent/internal/textgen"
)

// Definition is the stored form of an agent.
type Definition struct {
	Name         string    `toml:"name"`
	Description  string    `toml:"description"`
	Instructions string    `toml:"instructions"`
	Provider     string    `toml:"provider,omitempty"`
	Model        string    `toml:"model,omitempty"`
	Tools        []string  `toml:"tools"`
	SubAgents    []string  `toml:"subagents,omitempty"`
	MaxSteps     int       `toml:"max_steps,omitempty"`
	// MaxRetries of 0 keeps the default; -1 disables retries.
	MaxRetries int `toml:"max_retries,omitempty"`
	MaxTokens  int `toml:"max_tokens,omitempty"`
	// ContextSchema is a JSON schema for the context value of a run.
	ContextSchema string    `toml:"context_schema,omitempty"`
	CreatedAt     time.Time `toml:"created_at"`
}

// Settings returns the generation settings of the definition, nil when it
// sets none.
func (d *Definition) Settings() *textgen.Settings {
	if d.MaxSteps == 0 && d.MaxRetries == 0 && d.MaxTokens == 0 {
		return nil
	}
	s := textgen.DefaultSettings()
	if d.MaxSteps > 0 {
		s.MaxSteps = d.MaxSteps
	}
	if d.MaxRetries != 0 {
		s.MaxRetries = d.MaxRetries
	}
	if d.MaxTokens > 0 {
		s.MaxTokens = d.MaxTokens
	}
	return &s
}

// ValidateName rejects names that cannot be stored as a file.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name is required")
	}
	if strings.ContainsAny(name, `/\ `) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid agent name %q", name)
	}
	return nil
}

// DefinitionStore manages agent definitions, one TOML file per agent.
type DefinitionStore struct {
	dir string
}

// NewDefinitionStore creates a new definition store.
func NewDefinitionStore(dir string) *DefinitionStore {
	return &DefinitionStore{dir: dir}
}

// Dir returns the directory holding the definitions.
func (s *DefinitionStore) Dir() string {
	return s.dir
}

// Save saves an agent definition.
func (s *DefinitionStore) Save(def *Definition) error {
	if err := ValidateName(def.Name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create agents dir: %w", err)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	path := filepath.Join(s.dir, def.Name+".toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create agent file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(def)
}

// Load loads an agent definition by name.
func (s *DefinitionStore) Load(name string) (*Definition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, name+".toml")

	var def Definition
	if _, err := toml.DecodeFile(path, &def); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("agent not found: %s", name)
		}
		return nil, fmt.Errorf("failed to load agent %s: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}

	return &def, nil
}

// List returns all agent definitions sorted by name. Files that fail to
// parse are reported in the error after the readable ones are collected.
func (s *DefinitionStore) List() ([]*Definition, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var (
		defs []*Definition
		bad  []string
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}

		name := strings.TrimSuffix(e.Name(), ".toml")
		def, err := s.Load(name)
		if err != nil {
			bad = append(bad, err.Error())
			continue
		}
		defs = append(defs, def)
	}

	if len(bad) > 0 {
		return defs, fmt.Errorf("skipped agent definitions: %s", strings.Join(bad, "; "))
	}
	return defs, nil
}

// Delete deletes an agent definition.
func (s *DefinitionStore) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := filepath.Join(s.dir, name+".toml")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("agent not found: %s", name)
		}
		return err
	}
	return nil
}

// Exists checks if an agent definition exists.
func (s *DefinitionStore) Exists(name string) bool {
	path := filepath.Join(s.dir, name+".toml")
	_, err := os.Stat(path)
	return err == nil
}
