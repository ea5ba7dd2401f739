// Package provider defines the LLM provider interface and its transports.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eachlabs/vaultagent/internal/message"
)

// Provider is any LLM backend that can stream chat completions.
type Provider interface {
	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed when the response is complete or failed.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)

	// Name returns the provider name (e.g., "anthropic", "openai").
	Name() string

	// Models returns the list of well-known model IDs.
	Models() []string
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []message.Message
	Tools     []ToolDefinition
	MaxTokens int
}

// ToolDefinition defines a tool that the model can use.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage tracks token usage.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Stream event types.
const (
	EventStart   = "start"
	EventText    = "text"
	EventToolUse = "tool_use"
	EventStop    = "stop"
	EventError   = "error"
)

// StreamEvent represents an event in a streaming response.
type StreamEvent struct {
	Type       string    // one of the Event constants
	MessageID  string    // For start events, when the backend assigns one
	Text       string    // For text events
	ToolUse    *ToolCall // For tool_use events
	StopReason string    // For stop events
	Usage      Usage     // For stop events
	Error      error     // For error events
}

const defaultMaxTokens = 8192

func maxTokens(req *ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// rawInput returns tool input that is always a JSON object.
func rawInput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 || string(input) == "null" {
		return json.RawMessage(`{}`)
	}
	return input
}

// schemaMap decodes a JSON schema into the generic map most SDKs want.
func schemaMap(schema json.RawMessage) map[string]any {
	var m map[string]any
	if len(schema) > 0 {
		_ = json.Unmarshal(schema, &m)
	}
	if m == nil {
		m = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return m
}

// Config selects and configures a provider.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}

// New builds the provider named by cfg.Name.
func New(ctx context.Context, cfg Config) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Name {
	case "anthropic", "":
		p, err = NewAnthropic(AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "openai":
		p, err = NewOpenAI(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = OpenRouterBaseURL
		}
		p, err = NewOpenAI(OpenAIConfig{Name: "openrouter", APIKey: cfg.APIKey, BaseURL: baseURL, Model: cfg.Model})
	case "gemini":
		p, err = NewGemini(ctx, GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model})
	case "replay":
		p = DemoReplay()
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
