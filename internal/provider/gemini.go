package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/eachlabs/vaultagent/internal/message"
)

// Gemini implements the Provider interface using the Google Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// NewGemini creates a new Gemini provider.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string {
	return "gemini"
}

func (g *Gemini) Models() []string {
	return []string{
		"gemini-2.0-flash",
		"gemini-2.5-flash",
		"gemini-2.5-pro",
	}
}

// Close releases resources.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// Stream sends the conversation and emits events as responses arrive.
// Gemini does not identify function calls, so ids are generated.
func (g *Gemini) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	gm := g.client.GenerativeModel(model)
	gm.SetMaxOutputTokens(int32(maxTokens(req)))
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(schemaMap(t.InputSchema)),
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	history := geminiContents(req.Messages)
	if len(history) == 0 {
		return nil, fmt.Errorf("gemini: no messages to send")
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	last := history[len(history)-1]

	slog.Debug("gemini stream", "model", model, "messages", len(req.Messages))
	iter := cs.SendMessageStream(ctx, last.Parts...)

	events := make(chan StreamEvent, 100)

	go func() {
		defer close(events)

		if !send(ctx, events, StreamEvent{Type: EventStart}) {
			return
		}

		var (
			usage      Usage
			stopReason = "end_turn"
		)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				send(ctx, events, StreamEvent{Type: EventError, Error: fmt.Errorf("gemini stream failed: %w", err)})
				return
			}

			if resp.UsageMetadata != nil {
				usage = Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}

			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					var ev StreamEvent
					switch p := part.(type) {
					case genai.Text:
						if p == "" {
							continue
						}
						ev = StreamEvent{Type: EventText, Text: string(p)}
					case genai.FunctionCall:
						input, _ := json.Marshal(p.Args)
						ev = StreamEvent{Type: EventToolUse, ToolUse: &ToolCall{
							ID:    "call-" + uuid.New().String(),
							Name:  p.Name,
							Input: rawInput(input),
						}}
						stopReason = "tool_use"
					default:
						continue
					}
					if !send(ctx, events, ev) {
						return
					}
				}
			}
		}

		send(ctx, events, StreamEvent{Type: EventStop, StopReason: stopReason, Usage: usage})
	}()

	return events, nil
}

func geminiContents(msgs []message.Message) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range msgs {
		var parts []genai.Part
		for _, part := range msg.Content {
			switch p := part.(type) {
			case message.TextPart:
				if p.Text != "" {
					parts = append(parts, genai.Text(p.Text))
				}
			case message.ToolCallPart:
				var args map[string]any
				_ = json.Unmarshal(rawInput(p.Args), &args)
				parts = append(parts, genai.FunctionCall{Name: p.ToolName, Args: args})
			case message.ToolResultPart:
				key := "result"
				if p.IsError {
					key = "error"
				}
				parts = append(parts, genai.FunctionResponse{
					Name:     p.ToolName,
					Response: map[string]any{key: p.Result},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if msg.Role == message.RoleAssistant {
			role = "model"
		}

		// Consecutive function responses go back in one turn.
		if n := len(contents); n > 0 && msg.Role == message.RoleTool && contents[n-1].Role == "user" {
			if _, ok := contents[n-1].Parts[0].(genai.FunctionResponse); ok {
				contents[n-1].Parts = append(contents[n-1].Parts, parts...)
				continue
			}
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	return contents
}

// geminiSchema converts a decoded JSON schema into the subset Gemini
// understands.
func geminiSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{}
	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = geminiSchema(pm)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if v, ok := r.(string); ok {
				s.Required = append(s.Required, v)
			}
		}
	}
	return s
}
