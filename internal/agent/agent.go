// Package agent binds instructions, a model and tools into named agents
// that can delegate work to each other.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/message"
	"github.com/eachlabs/vaultagent/internal/provider"
	"github.com/eachlabs/vaultagent/internal/textgen"
	"github.com/eachlabs/vaultagent/internal/tool"
)

// SubAgentChunk is a chunk streamed by a sub-agent during a delegation.
type SubAgentChunk struct {
	AgentID    string   // the sub-agent
	ToolCallID string   // the delegation tool call of the parent
	Path       []string // delegation tool call ids from the top-level run, ending with ToolCallID
	Chunk      chunk.Chunk
	Context    any
}

// ChunkHandler receives delegated chunks in the order the sub-agent emits
// them.
type ChunkHandler func(SubAgentChunk)

// Config holds agent configuration.
type Config struct {
	Name         string
	Instructions string
	Provider     provider.Provider
	Model        string
	Tools        *tool.Registry

	// ContextSchema is a JSON schema the context value of a call must
	// satisfy. Empty means no validation.
	ContextSchema json.RawMessage

	SubAgents []*Agent

	// Settings used when a call brings none. Nil means the textgen
	// defaults.
	Settings *textgen.Settings

	// OnChunk receives the chunks of delegated sub-agent runs.
	OnChunk ChunkHandler

	Logger  *slog.Logger
	Metrics *textgen.Metrics
}

// Agent is an immutable, named bundle of instructions, model and tools.
type Agent struct {
	name         string
	instructions string
	provider     provider.Provider
	model        string
	tools        *tool.Registry
	schema       *gojsonschema.Schema
	subAgents    []*Agent
	settings     textgen.Settings
	onChunk      ChunkHandler
	log          *slog.Logger
	metrics      *textgen.Metrics
}

// New creates an agent. When sub-agents are given, the delegation tool is
// added to a copy of cfg.Tools.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agent %s: provider is required", cfg.Name)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	a := &Agent{
		name:         cfg.Name,
		instructions: cfg.Instructions,
		provider:     cfg.Provider,
		model:        cfg.Model,
		tools:        cfg.Tools.Clone(),
		settings:     textgen.DefaultSettings(),
		onChunk:      cfg.OnChunk,
		log:          log.With("agent", cfg.Name),
		metrics:      cfg.Metrics,
	}
	if cfg.Settings != nil {
		a.settings = *cfg.Settings
	}

	if len(cfg.ContextSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(cfg.ContextSchema))
		if err != nil {
			return nil, fmt.Errorf("agent %s: invalid context schema: %w", cfg.Name, err)
		}
		a.schema = schema
	}

	if len(cfg.SubAgents) > 0 {
		seen := make(map[string]bool, len(cfg.SubAgents))
		for _, sub := range cfg.SubAgents {
			if sub == nil {
				return nil, fmt.Errorf("agent %s: nil sub-agent", cfg.Name)
			}
			if seen[sub.name] {
				return nil, fmt.Errorf("agent %s: duplicate sub-agent name %q", cfg.Name, sub.name)
			}
			seen[sub.name] = true
		}
		a.subAgents = append([]*Agent(nil), cfg.SubAgents...)

		if a.tools.Register(newDelegateTool(a)) {
			a.log.Warn("delegation tool replaces a tool of the same name", "tool", DelegateToolName)
		}
	}

	return a, nil
}

// Name returns the agent name, which is also its delegation routing key.
func (a *Agent) Name() string {
	return a.name
}

// Instructions returns the system instructions.
func (a *Agent) Instructions() string {
	return a.instructions
}

// Model returns the model id, empty for the provider default.
func (a *Agent) Model() string {
	return a.model
}

// ToolNames returns the names of the agent's tools, including the
// delegation tool.
func (a *Agent) ToolNames() []string {
	return a.tools.Names()
}

// SubAgents returns the agents this agent can delegate to.
func (a *Agent) SubAgents() []*Agent {
	return append([]*Agent(nil), a.subAgents...)
}

// SubAgent returns the sub-agent with exactly the given name.
func (a *Agent) SubAgent(name string) (*Agent, bool) {
	for _, sub := range a.subAgents {
		if sub.name == name {
			return sub, true
		}
	}
	return nil, false
}

// Settings returns the settings used when a call brings none.
func (a *Agent) Settings() textgen.Settings {
	return a.settings
}

// Args are the per-call generation arguments.
type Args struct {
	// Messages is the conversation so far.
	Messages []message.Message

	// Prompt, when set, is appended as a new user message.
	Prompt string

	// Settings override the agent settings for this call.
	Settings *textgen.Settings
}

// Stream is an agent run in progress.
type Stream struct {
	*textgen.Stream
	agent string
}

// Wait blocks until the run ends. Errors are reported as *Error.
func (s *Stream) Wait() (*textgen.Result, error) {
	res, err := s.Stream.Wait()
	return res, classify(s.agent, err)
}

// GenerateText runs the agent to completion.
func (a *Agent) GenerateText(ctx context.Context, args Args, contextValue any) (*textgen.Result, error) {
	s, err := a.StreamText(ctx, args, contextValue)
	if err != nil {
		return nil, err
	}
	return s.Wait()
}

// StreamText starts a run. The context value is validated first; on
// failure no request is made.
func (a *Agent) StreamText(ctx context.Context, args Args, contextValue any) (*Stream, error) {
	if err := a.validate(contextValue); err != nil {
		return nil, err
	}

	msgs := message.CloneAll(args.Messages)
	if args.Prompt != "" {
		msgs = append(msgs, message.NewUser(uuid.New().String(), args.Prompt))
	}

	settings := a.settings
	if args.Settings != nil {
		settings = *args.Settings
	}

	req := textgen.Request{
		Provider: a.provider,
		Model:    a.model,
		System:   a.instructions,
		Messages: msgs,
		Tools:    tool.WithContext(a.tools, contextValue),
		Settings: settings,
		Logger:   a.log,
		Metrics:  a.metrics,
	}

	a.log.Debug("starting run", "messages", len(msgs), "tools", a.tools.Len())
	return &Stream{Stream: textgen.StreamText(ctx, req), agent: a.name}, nil
}

// validate checks contextValue against the context schema, if both exist.
func (a *Agent) validate(contextValue any) error {
	if a.schema == nil || contextValue == nil {
		return nil
	}

	result, err := a.schema.Validate(gojsonschema.NewGoLoader(contextValue))
	if err != nil {
		return newError(KindValidation, a.name, err, "invalid context for agent %s", a.name)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return newError(KindValidation, a.name, errors.New(strings.Join(details, "; ")),
			"invalid context for agent %s", a.name)
	}
	return nil
}

// classify turns a run error into an *Error.
func classify(agent string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindCancelled && e.Agent != agent {
			return cancelledError(agent, err)
		}
		return err
	}
	if isCancellation(err) {
		return cancelledError(agent, err)
	}
	return newError(KindTransport, agent, err, "agent %s", agent)
}
