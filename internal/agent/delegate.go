package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/eachlabs/vaultagent/internal/message"
	"github.com/eachlabs/vaultagent/internal/tool"
)

// DelegateToolName is the reserved name of the delegation tool.
const DelegateToolName = "delegate_to_agent"

type delegateInput struct {
	AgentID string `json:"agentId" jsonschema:"description=Name of the agent to hand the task to"`
	Prompt  string `json:"prompt" jsonschema:"description=Complete instructions for the agent including everything it needs to know"`
}

// delegateTool routes a task to one of an agent's sub-agents and streams
// the sub-agent's chunks to the parent's ChunkHandler.
type delegateTool struct {
	parent    string
	subAgents []*Agent
	onChunk   ChunkHandler
	log       *slog.Logger
	schema    json.RawMessage
}

func newDelegateTool(parent *Agent) *delegateTool {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	s := reflector.Reflect(&delegateInput{})
	s.Version = ""

	names := make([]any, len(parent.subAgents))
	for i, sub := range parent.subAgents {
		names[i] = sub.name
	}
	if prop, ok := s.Properties.Get("agentId"); ok {
		prop.Enum = names
	}

	schema, err := json.Marshal(s)
	if err != nil {
		// A reflected schema always marshals.
		panic(fmt.Sprintf("delegate schema: %v", err))
	}

	return &delegateTool{
		parent:    parent.name,
		subAgents: parent.subAgents,
		onChunk:   parent.onChunk,
		log:       parent.log,
		schema:    schema,
	}
}

func (d *delegateTool) Name() string {
	return DelegateToolName
}

func (d *delegateTool) Description() string {
	var sb strings.Builder
	sb.WriteString("Hand a task to another agent and get back its final answer. The agent does not see this conversation, so the prompt must be self-contained.\n\nAvailable agents:\n")
	for _, sub := range d.subAgents {
		desc := firstLine(sub.instructions)
		if desc == "" {
			sb.WriteString(fmt.Sprintf("- %s\n", sub.name))
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", sub.name, desc))
	}
	return sb.String()
}

func (d *delegateTool) Schema() json.RawMessage {
	return d.schema
}

func (d *delegateTool) find(name string) *Agent {
	for _, sub := range d.subAgents {
		if sub.name == name {
			return sub
		}
	}
	return nil
}

func (d *delegateTool) Execute(ctx context.Context, args json.RawMessage, opts tool.Options) (*tool.Result, error) {
	var in delegateInput
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Errorf("invalid input: %v", err), nil
	}

	sub := d.find(in.AgentID)
	if sub == nil {
		return nil, NotFound(in.AgentID)
	}

	d.log.Info("delegating", "to", sub.name, "tool_call_id", opts.ToolCallID)

	path := append(delegationPath(ctx), opts.ToolCallID)
	stream, err := sub.StreamText(withDelegationPath(ctx, path), Args{Prompt: in.Prompt}, opts.Context)
	if err != nil {
		d.log.Error("delegation failed", "to", sub.name, "error", err)
		return nil, err
	}

	for c := range stream.Chunks() {
		if err := ctx.Err(); err != nil {
			stream.Wait()
			return nil, cancelledError(sub.name, err)
		}
		if d.onChunk != nil {
			d.onChunk(SubAgentChunk{
				AgentID:    sub.name,
				ToolCallID: opts.ToolCallID,
				Path:       path,
				Chunk:      c,
				Context:    opts.Context,
			})
		}
	}

	res, err := stream.Wait()
	if err != nil {
		if KindOf(err) == KindCancelled {
			return nil, err
		}
		d.log.Error("delegation failed", "to", sub.name, "error", err)
		return nil, err
	}

	return &tool.Result{Content: finalText(res.Messages)}, nil
}

type pathKey struct{}

// delegationPath returns the tool call ids of the delegations that led to
// the run owning ctx, outermost first.
func delegationPath(ctx context.Context) []string {
	path, _ := ctx.Value(pathKey{}).([]string)
	return path
}

func withDelegationPath(ctx context.Context, path []string) context.Context {
	return context.WithValue(ctx, pathKey{}, path[:len(path):len(path)])
}

// finalText returns the first text part of the last message, or "" when
// the run ended without one.
func finalText(msgs []message.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	text, _ := msgs[len(msgs)-1].Text()
	return text
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
