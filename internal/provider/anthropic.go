package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/eachlabs/vaultagent/internal/message"
)

// Anthropic implements the Provider interface for Claude models.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewAnthropic creates a new Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	return &Anthropic{
		client: client,
		model:  model,
	}, nil
}

func (a *Anthropic) Name() string {
	return "anthropic"
}

func (a *Anthropic) Models() []string {
	return []string{
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
	}
}

// Stream sends a streaming request.
func (a *Anthropic) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(model)),
		MaxTokens: anthropic.F(int64(maxTokens(req))),
		Messages:  anthropic.F(anthropicMessages(req.Messages)),
	}

	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(req.System),
		})
	}

	if tools := anthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = anthropic.F(tools)
	}

	slog.Debug("anthropic stream", "model", model, "messages", len(req.Messages), "tools", len(req.Tools))
	stream := a.client.Messages.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)

	go func() {
		defer close(events)
		defer stream.Close()

		var (
			acc             anthropic.Message
			currentToolUse  *ToolCall
			toolInputBuffer string
		)

		for stream.Next() {
			event := stream.Current()
			acc.Accumulate(event)

			switch event.Type {
			case anthropic.MessageStreamEventTypeMessageStart:
				if !send(ctx, events, StreamEvent{Type: EventStart, MessageID: acc.ID}) {
					return
				}

			case anthropic.MessageStreamEventTypeContentBlockStart:
				if cb, ok := event.ContentBlock.(anthropic.ContentBlockStartEventContentBlock); ok {
					if cb.Type == anthropic.ContentBlockStartEventContentBlockTypeToolUse {
						currentToolUse = &ToolCall{
							ID:   cb.ID,
							Name: cb.Name,
						}
						toolInputBuffer = ""
					}
				}

			case anthropic.MessageStreamEventTypeContentBlockDelta:
				if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok {
					if delta.Type == "text_delta" && delta.Text != "" {
						if !send(ctx, events, StreamEvent{Type: EventText, Text: delta.Text}) {
							return
						}
					} else if delta.Type == "input_json_delta" && delta.PartialJSON != "" {
						toolInputBuffer += delta.PartialJSON
					}
				}

			case anthropic.MessageStreamEventTypeContentBlockStop:
				if currentToolUse != nil {
					currentToolUse.Input = rawInput(json.RawMessage(toolInputBuffer))
					if !send(ctx, events, StreamEvent{Type: EventToolUse, ToolUse: currentToolUse}) {
						return
					}
					currentToolUse = nil
					toolInputBuffer = ""
				}

			case anthropic.MessageStreamEventTypeMessageStop:
				if !send(ctx, events, StreamEvent{
					Type:       EventStop,
					StopReason: string(acc.StopReason),
					Usage: Usage{
						InputTokens:  int(acc.Usage.InputTokens),
						OutputTokens: int(acc.Usage.OutputTokens),
					},
				}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, events, StreamEvent{
				Type:  EventError,
				Error: fmt.Errorf("anthropic stream failed: %w", err),
			})
		}
	}()

	return events, nil
}

// anthropicMessages converts the conversation into Anthropic turns. Tool
// results answering one assistant turn are merged into a single user turn.
func anthropicMessages(msgs []message.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	mergeable := false

	for _, msg := range msgs {
		switch msg.Role {
		case message.RoleUser:
			text, _ := msg.Text()
			result = append(result, anthropic.MessageParam{
				Role: anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(text),
				}),
			})
			mergeable = false

		case message.RoleTool:
			res, ok := msg.ToolResult()
			if !ok {
				continue
			}
			block := anthropic.ToolResultBlockParam{
				Type:      anthropic.F(anthropic.ToolResultBlockParamTypeToolResult),
				ToolUseID: anthropic.F(res.ToolCallID),
				Content: anthropic.F([]anthropic.ToolResultBlockParamContentUnion{
					anthropic.TextBlockParam{
						Type: anthropic.F(anthropic.TextBlockParamTypeText),
						Text: anthropic.F(res.Result),
					},
				}),
				IsError: anthropic.F(res.IsError),
			}
			if mergeable {
				last := &result[len(result)-1]
				last.Content = anthropic.F(append(last.Content.Value, anthropic.ContentBlockParamUnion(block)))
				continue
			}
			result = append(result, anthropic.MessageParam{
				Role:    anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{block}),
			})
			mergeable = true

		case message.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion

			if text, ok := msg.Text(); ok && text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}

			for _, tc := range msg.ToolCalls() {
				var input any
				_ = json.Unmarshal(rawInput(tc.Args), &input)
				content = append(content, anthropic.ToolUseBlockParam{
					Type:  anthropic.F(anthropic.ToolUseBlockParamTypeToolUse),
					ID:    anthropic.F(tc.ToolCallID),
					Name:  anthropic.F(tc.ToolName),
					Input: anthropic.F(input),
				})
			}

			if len(content) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.F(anthropic.MessageParamRoleAssistant),
					Content: anthropic.F(content),
				})
			}
			mergeable = false
		}
	}

	return result
}

func anthropicTools(tools []ToolDefinition) []anthropic.ToolUnionUnionParam {
	var result []anthropic.ToolUnionUnionParam

	for _, t := range tools {
		result = append(result, anthropic.ToolParam{
			Name:        anthropic.F(t.Name),
			Description: anthropic.F(t.Description),
			InputSchema: anthropic.F[interface{}](schemaMap(t.InputSchema)),
		})
	}

	return result
}
