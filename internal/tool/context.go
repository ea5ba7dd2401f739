package tool

import (
	"context"
	"encoding/json"
)

// WithContext returns a registry whose tools receive value as
// Options.Context on every call. A nil value returns reg itself.
func WithContext(reg *Registry, value any) *Registry {
	if value == nil {
		return reg
	}

	wrapped := NewRegistry()
	for _, t := range reg.All() {
		wrapped.Register(&contextTool{Tool: t, value: value})
	}
	return wrapped
}

// contextTool forwards to an inner tool, overriding the context value.
type contextTool struct {
	Tool
	value any
}

func (c *contextTool) Execute(ctx context.Context, args json.RawMessage, opts Options) (*Result, error) {
	opts.Context = c.value
	return c.Tool.Execute(ctx, args, opts)
}

// Unwrap returns the tool being decorated.
func (c *contextTool) Unwrap() Tool {
	return c.Tool
}
