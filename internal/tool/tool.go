// Package tool defines the tool interface, the registry and the vault tools.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/afero"

	"github.com/eachlabs/vaultagent/internal/message"
)

// Tool is any capability an agent can invoke.
type Tool interface {
	// Name returns the tool name (e.g., "read_note").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Schema returns the JSON Schema for tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args json.RawMessage, opts Options) (*Result, error)
}

// Options is the per-invocation information handed to Execute.
type Options struct {
	// ToolCallID identifies the call this execution answers.
	ToolCallID string

	// Messages is the conversation so far, as seen by the model.
	Messages []message.Message

	// Context is the application context value, set by WithContext.
	Context any
}

// Result is the outcome of tool execution.
type Result struct {
	Content string
	IsError bool
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Registry holds available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{
		tools: make(map[string]Tool),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry. A tool with the same name is
// replaced, and replaced reports whether that happened.
func (r *Registry) Register(t Tool) (replaced bool) {
	_, replaced = r.tools[t.Name()]
	r.tools[t.Name()] = t
	return replaced
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	if r == nil {
		return nil
	}
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name()
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// Clone returns a registry holding the same tools. Registering on the clone
// leaves r untouched.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	if r == nil {
		return c
	}
	for name, t := range r.tools {
		c.tools[name] = t
	}
	return c
}

// VaultRegistry returns a registry with the vault tools over the vault at
// root. A nil fs uses the operating system filesystem.
func VaultRegistry(fs afero.Fs, root string) *Registry {
	return NewRegistry(
		NewReadNote(fs, root),
		NewWriteNote(fs, root),
		NewEditNote(fs, root),
		NewListNotes(fs, root),
		NewSearchNotes(fs, root),
	)
}

// Select returns a registry holding only the named tools from r. Unknown
// names are reported in missing.
func (r *Registry) Select(names []string) (selected *Registry, missing []string) {
	selected = NewRegistry()
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		selected.Register(t)
	}
	return selected, missing
}
