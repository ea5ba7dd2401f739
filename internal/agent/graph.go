package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/eachlabs/vaultagent/internal/provider"
	"github.com/eachlabs/vaultagent/internal/textgen"
	"github.com/eachlabs/vaultagent/internal/tool"
)

// ProviderFunc resolves the provider named by a definition. An empty name
// asks for the default provider.
type ProviderFunc func(name string) (provider.Provider, error)

// BuildOptions supply what definitions refer to by name.
type BuildOptions struct {
	Providers ProviderFunc
	Tools     *tool.Registry
	OnChunk   ChunkHandler
	Logger    *slog.Logger
	Metrics   *textgen.Metrics
}

// Build constructs the agents of defs, sub-agents first. Delegation must
// form a directed acyclic graph.
func Build(defs []*Definition, opts BuildOptions) (map[string]*Agent, error) {
	if opts.Providers == nil {
		return nil, fmt.Errorf("no provider resolver configured")
	}

	byName := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if err := ValidateName(d.Name); err != nil {
			return nil, err
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate agent definition %q", d.Name)
		}
		byName[d.Name] = d
	}

	b := &builder{
		defs:     byName,
		opts:     opts,
		built:    make(map[string]*Agent, len(defs)),
		visiting: make(map[string]bool),
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := b.build(name, nil); err != nil {
			return nil, err
		}
	}
	return b.built, nil
}

type builder struct {
	defs     map[string]*Definition
	opts     BuildOptions
	built    map[string]*Agent
	visiting map[string]bool
}

func (b *builder) build(name string, path []string) (*Agent, error) {
	if a, ok := b.built[name]; ok {
		return a, nil
	}
	path = append(path, name)
	if b.visiting[name] {
		return nil, fmt.Errorf("agent delegation cycle: %s", strings.Join(path, " -> "))
	}

	def, ok := b.defs[name]
	if !ok {
		return nil, fmt.Errorf("agent %s: unknown sub-agent %q", path[len(path)-2], name)
	}

	b.visiting[name] = true
	defer delete(b.visiting, name)

	subs := make([]*Agent, 0, len(def.SubAgents))
	for _, subName := range def.SubAgents {
		sub, err := b.build(subName, path)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	tools, missing := b.opts.Tools.Select(def.Tools)
	if len(missing) > 0 {
		return nil, fmt.Errorf("agent %s: unknown tools: %s", name, strings.Join(missing, ", "))
	}

	prov, err := b.opts.Providers(def.Provider)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}

	a, err := New(Config{
		Name:          def.Name,
		Instructions:  def.Instructions,
		Provider:      prov,
		Model:         def.Model,
		Tools:         tools,
		ContextSchema: []byte(def.ContextSchema),
		SubAgents:     subs,
		Settings:      def.Settings(),
		OnChunk:       b.opts.OnChunk,
		Logger:        b.opts.Logger,
		Metrics:       b.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	b.built[name] = a
	return a, nil
}

// VaultContextSchema requires the context of a run to name the vault.
const VaultContextSchema = `{
  "type": "object",
  "properties": {
    "vault": {"type": "string", "minLength": 1},
    "active_note": {"type": "string"},
    "thread": {"type": "string"}
  },
  "required": ["vault"]
}`

// DefaultDefinitions returns the built-in agents used when none are
// stored: a vault assistant that delegates research and editing.
func DefaultDefinitions() []*Definition {
	researcher := &Definition{
		Name:        "researcher",
		Description: "Finds and summarizes information that is already in the vault.",
		Tools:       []string{"list_notes", "read_note", "search_notes"},
	}
	editor := &Definition{
		Name:        "editor",
		Description: "Creates and edits notes in the vault.",
		Tools:       []string{"edit_note", "list_notes", "read_note", "write_note"},
	}
	vault := &Definition{
		Name:          "vault",
		Description:   "The main vault assistant. Answers questions and delegates research and editing.",
		Tools:         []string{"list_notes", "read_note"},
		SubAgents:     []string{"researcher", "editor"},
		ContextSchema: VaultContextSchema,
	}

	defs := []*Definition{vault, researcher, editor}
	for _, d := range defs {
		d.Instructions = DefaultInstructions(InstructionsConfig{
			Name:        d.Name,
			Description: d.Description,
			Tools:       d.Tools,
			SubAgents:   d.SubAgents,
		})
	}
	return defs
}
