package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/eachlabs/vaultagent/internal/message"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint of OpenRouter.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAI implements the Provider interface for OpenAI-compatible chat
// completion endpoints (OpenAI itself, OpenRouter, local gateways).
type OpenAI struct {
	client *openai.Client
	name   string
	model  string
}

// OpenAIConfig holds configuration for an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name reported by the provider, "openai" when empty.
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAI creates a new OpenAI-compatible provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key is required", name)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
		if name == "openrouter" {
			model = "anthropic/claude-sonnet-4"
		}
	}

	return &OpenAI{
		client: &client,
		name:   name,
		model:  model,
	}, nil
}

func (p *OpenAI) Name() string {
	return p.name
}

func (p *OpenAI) Models() []string {
	if p.name == "openrouter" {
		return []string{
			"anthropic/claude-sonnet-4",
			"anthropic/claude-opus-4",
			"openai/gpt-4o",
			"openai/gpt-4o-mini",
			"google/gemini-2.0-flash-exp",
			"deepseek/deepseek-chat",
			"meta-llama/llama-3.3-70b-instruct",
		}
	}
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
	}
}

// Stream sends a streaming request and emits events as chunks arrive.
// Tool calls are emitted once their arguments are complete.
func (p *OpenAI) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: openaiMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	params.MaxTokens = openai.Int(int64(maxTokens(req)))
	if tools := openaiTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	slog.Debug("openai stream", "provider", p.name, "model", model, "messages", len(req.Messages))
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)

	go func() {
		defer close(events)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		started := false
		emitted := make(map[int]bool)

		emitToolCall := func(index int, id, name, args string) bool {
			if emitted[index] {
				return true
			}
			emitted[index] = true
			return send(ctx, events, StreamEvent{
				Type: EventToolUse,
				ToolUse: &ToolCall{
					ID:    id,
					Name:  name,
					Input: rawInput(json.RawMessage(args)),
				},
			})
		}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if !started && chunk.ID != "" {
				started = true
				if !send(ctx, events, StreamEvent{Type: EventStart, MessageID: chunk.ID}) {
					return
				}
			}

			if tc, ok := acc.JustFinishedToolCall(); ok {
				if !emitToolCall(tc.Index, tc.ID, tc.Name, tc.Arguments) {
					return
				}
			}

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !send(ctx, events, StreamEvent{Type: EventText, Text: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, events, StreamEvent{
				Type:  EventError,
				Error: fmt.Errorf("%s stream failed: %w", p.name, err),
			})
			return
		}

		// The last tool call of a response is only complete once the
		// stream ends.
		stopReason := "end_turn"
		if len(acc.Choices) > 0 {
			for i, tc := range acc.Choices[0].Message.ToolCalls {
				if !emitToolCall(i, tc.ID, tc.Function.Name, tc.Function.Arguments) {
					return
				}
			}
			if acc.Choices[0].FinishReason == "tool_calls" {
				stopReason = "tool_use"
			}
		}

		send(ctx, events, StreamEvent{
			Type:       EventStop,
			StopReason: stopReason,
			Usage: Usage{
				InputTokens:  int(acc.Usage.PromptTokens),
				OutputTokens: int(acc.Usage.CompletionTokens),
			},
		})
	}()

	return events, nil
}

func openaiMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case message.RoleUser:
			text, _ := msg.Text()
			messages = append(messages, openai.UserMessage(text))

		case message.RoleTool:
			if res, ok := msg.ToolResult(); ok {
				content := res.Result
				if res.IsError {
					content = "error: " + content
				}
				messages = append(messages, openai.ToolMessage(content, res.ToolCallID))
			}

		case message.RoleAssistant:
			text, _ := msg.Text()
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}

			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
			for i, tc := range calls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ToolCallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.ToolName,
						Arguments: string(rawInput(tc.Args)),
					},
				}
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				ToolCalls: toolCalls,
			}
			if text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}

	return messages
}

func openaiTools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam

	for _, t := range tools {
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(schemaMap(t.InputSchema)),
			},
		})
	}

	return result
}
