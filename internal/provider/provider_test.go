package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/vaultagent/internal/message"
)

func drain(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func types(events []StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func conversation() []message.Message {
	return []message.Message{
		message.NewUser("u1", "tidy my notes"),
		{
			ID:   "m1",
			Role: message.RoleAssistant,
			Content: []message.Part{
				message.TextPart{Text: "Checking two notes."},
				message.ToolCallPart{ToolCallID: "t1", ToolName: "read_note", Args: json.RawMessage(`{"path":"a.md"}`)},
				message.ToolCallPart{ToolCallID: "t2", ToolName: "read_note", Args: nil},
			},
		},
		message.NewToolResult(message.ToolResultPart{ToolCallID: "t1", ToolName: "read_note", Result: "# A"}),
		message.NewToolResult(message.ToolResultPart{ToolCallID: "t2", ToolName: "read_note", Result: "boom", IsError: true}),
		{ID: "m2", Role: message.RoleAssistant, Content: []message.Part{message.TextPart{Text: "Done."}}},
	}
}

func TestReplay_Stream(t *testing.T) {
	p := NewReplay(
		Turn{MessageID: "m1", Text: []string{"a", "b"}, Usage: Usage{InputTokens: 3, OutputTokens: 2}},
		Turn{ToolCalls: []ToolCall{{ID: "t1", Name: "list_notes"}}},
	)

	events, err := p.Stream(context.Background(), &ChatRequest{Messages: []message.Message{message.NewUser("u", "hi")}})
	require.NoError(t, err)
	got := drain(t, events)
	assert.Equal(t, []string{EventStart, EventText, EventText, EventStop}, types(got))
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "end_turn", got[3].StopReason)
	assert.Equal(t, 2, got[3].Usage.OutputTokens)

	events, err = p.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	got = drain(t, events)
	assert.Equal(t, []string{EventStart, EventToolUse, EventStop}, types(got))
	assert.JSONEq(t, `{}`, string(got[1].ToolUse.Input))
	assert.Equal(t, "tool_use", got[2].StopReason)

	_, err = p.Stream(context.Background(), &ChatRequest{})
	assert.EqualError(t, err, "replay: no scripted turn left for request 3")

	reqs := p.Requests()
	require.Len(t, reqs, 3)
	text, _ := reqs[0].Messages[0].Text()
	assert.Equal(t, "hi", text)
}

func TestReplay_Errors(t *testing.T) {
	boom := errors.New("boom")
	p := NewReplay(
		Turn{StartErr: boom},
		Turn{Text: []string{"partial"}, Err: boom},
	)

	_, err := p.Stream(context.Background(), &ChatRequest{})
	assert.ErrorIs(t, err, boom)

	events, err := p.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	got := drain(t, events)
	assert.Equal(t, []string{EventStart, EventText, EventError}, types(got))
	assert.ErrorIs(t, got[2].Error, boom)
}

func TestReplay_CancelStopsStream(t *testing.T) {
	p := NewReplay(Turn{Text: []string{"a", "b", "c"}, Delay: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	events, err := p.Stream(ctx, &ChatRequest{})
	require.NoError(t, err)
	first := <-events
	assert.Equal(t, EventStart, first.Type)
	cancel()

	rest := drain(t, events)
	assert.LessOrEqual(t, len(rest), 1)
}

func TestDemoReplay(t *testing.T) {
	p := DemoReplay()
	delegateSchema := json.RawMessage(`{"type":"object","properties":{"agentId":{"type":"string","enum":["researcher","editor"]}}}`)

	turnFor := func(req *ChatRequest) []StreamEvent {
		events, err := p.Stream(context.Background(), req)
		require.NoError(t, err)
		return drain(t, events)
	}

	t.Run("delegates to first sub-agent", func(t *testing.T) {
		got := turnFor(&ChatRequest{
			Messages: []message.Message{message.NewUser("u", "find todos")},
			Tools:    []ToolDefinition{{Name: "list_notes"}, {Name: "delegate_to_agent", InputSchema: delegateSchema}},
		})
		var call *ToolCall
		for _, ev := range got {
			if ev.Type == EventToolUse {
				call = ev.ToolUse
			}
		}
		require.NotNil(t, call)
		assert.Equal(t, "delegate_to_agent", call.Name)
		assert.JSONEq(t, `{"agentId":"researcher","prompt":"find todos"}`, string(call.Input))
	})

	t.Run("lists notes", func(t *testing.T) {
		got := turnFor(&ChatRequest{
			Messages: []message.Message{message.NewUser("u", "what is here")},
			Tools:    []ToolDefinition{{Name: "list_notes"}},
		})
		assert.Contains(t, types(got), EventToolUse)
	})

	t.Run("summarizes tool result", func(t *testing.T) {
		got := turnFor(&ChatRequest{
			Messages: []message.Message{
				message.NewToolResult(message.ToolResultPart{ToolCallID: "c", ToolName: "list_notes", Result: "a.md"}),
			},
		})
		var text string
		for _, ev := range got {
			text += ev.Text
		}
		assert.Equal(t, "Here is what I found:\na.md", text)
	})

	t.Run("echoes without tools", func(t *testing.T) {
		got := turnFor(&ChatRequest{Messages: []message.Message{message.NewUser("u", "hello there")}})
		var text string
		for _, ev := range got {
			text += ev.Text
		}
		assert.Equal(t, "You said: hello there", text)
	})
}

func TestAnthropicMessages(t *testing.T) {
	got := anthropicMessages(conversation())
	require.Len(t, got, 4)

	assert.Equal(t, anthropic.MessageParamRoleUser, got[0].Role.Value)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, got[1].Role.Value)
	assert.Len(t, got[1].Content.Value, 3, "text plus two tool uses")

	// Both results answer one assistant turn and travel together.
	assert.Equal(t, anthropic.MessageParamRoleUser, got[2].Role.Value)
	require.Len(t, got[2].Content.Value, 2)
	second, ok := got[2].Content.Value[1].(anthropic.ToolResultBlockParam)
	require.True(t, ok)
	assert.Equal(t, "t2", second.ToolUseID.Value)
	assert.True(t, second.IsError.Value)

	assert.Equal(t, anthropic.MessageParamRoleAssistant, got[3].Role.Value)
}

func TestOpenAIMessages(t *testing.T) {
	got := openaiMessages(&ChatRequest{System: "be brief", Messages: conversation()})
	require.Len(t, got, 6)

	require.NotNil(t, got[0].OfSystem)
	require.NotNil(t, got[1].OfUser)
	require.NotNil(t, got[2].OfAssistant)
	require.Len(t, got[2].OfAssistant.ToolCalls, 2)
	assert.Equal(t, `{}`, got[2].OfAssistant.ToolCalls[1].Function.Arguments)

	require.NotNil(t, got[4].OfTool)
	assert.Equal(t, "t2", got[4].OfTool.ToolCallID)
	assert.Equal(t, "error: boom", got[4].OfTool.Content.OfString.Value)
	require.NotNil(t, got[5].OfAssistant)
}

func TestGeminiContents(t *testing.T) {
	got := geminiContents(conversation())
	require.Len(t, got, 4)

	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "model", got[1].Role)
	assert.Len(t, got[1].Parts, 3)

	assert.Equal(t, "user", got[2].Role)
	require.Len(t, got[2].Parts, 2)
	resp, ok := got[2].Parts[1].(genai.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"error": "boom"}, resp.Response)
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema(schemaMap(json.RawMessage(`{
		"type": "object",
		"properties": {
			"agentId": {"type": "string", "enum": ["researcher"], "description": "who"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"limit": {"type": "integer"}
		},
		"required": ["agentId"]
	}`)))

	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"agentId"}, s.Required)
	assert.Equal(t, []string{"researcher"}, s.Properties["agentId"].Enum)
	assert.Equal(t, "who", s.Properties["agentId"].Description)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, genai.TypeInteger, s.Properties["limit"].Type)
}

func TestSchemaMapDefaults(t *testing.T) {
	assert.Equal(t, "object", schemaMap(nil)["type"])
	assert.Equal(t, "object", schemaMap(json.RawMessage(`not json`))["type"])
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, Config{Name: "replay"})
	require.NoError(t, err)
	assert.Equal(t, "replay", p.Name())

	p, err = New(ctx, Config{Name: "openrouter", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Name())
	assert.Equal(t, "anthropic/claude-sonnet-4", p.(*OpenAI).model)

	_, err = New(ctx, Config{Name: "anthropic"})
	assert.EqualError(t, err, "anthropic api key is required")

	_, err = New(ctx, Config{Name: "acme"})
	assert.EqualError(t, err, `unknown provider "acme"`)
}
