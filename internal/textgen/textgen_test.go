package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/message"
	"github.com/eachlabs/vaultagent/internal/provider"
	"github.com/eachlabs/vaultagent/internal/tool"
)

type funcTool struct {
	name string
	fn   func(ctx context.Context, args json.RawMessage, opts tool.Options) (*tool.Result, error)
}

func (f *funcTool) Name() string            { return f.name }
func (f *funcTool) Description() string     { return "test tool " + f.name }
func (f *funcTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *funcTool) Execute(ctx context.Context, args json.RawMessage, opts tool.Options) (*tool.Result, error) {
	return f.fn(ctx, args, opts)
}

func echoTool() *funcTool {
	return &funcTool{name: "echo", fn: func(_ context.Context, args json.RawMessage, _ tool.Options) (*tool.Result, error) {
		return &tool.Result{Content: "echo " + string(args)}, nil
	}}
}

func noBackoff(t *testing.T) {
	t.Helper()
	prev := newBackOff
	newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	t.Cleanup(func() { newBackOff = prev })
}

func userPrompt(text string) []message.Message {
	return []message.Message{message.NewUser("u1", text)}
}

func collect(s *Stream) []chunk.Chunk {
	var out []chunk.Chunk
	for c := range s.Chunks() {
		out = append(out, c)
	}
	return out
}

func kinds(chunks []chunk.Chunk) []chunk.Kind {
	out := make([]chunk.Kind, len(chunks))
	for i, c := range chunks {
		out[i] = c.Kind()
	}
	return out
}

func TestStreamText_Text(t *testing.T) {
	p := provider.NewReplay(provider.Turn{
		MessageID: "m1",
		Text:      []string{"Hi", " there"},
		Usage:     provider.Usage{InputTokens: 3, OutputTokens: 2},
	})

	s := StreamText(context.Background(), Request{Provider: p, System: "be brief", Messages: userPrompt("hello")})
	chunks := collect(s)
	res, err := s.Wait()
	require.NoError(t, err)

	assert.Equal(t, []chunk.Chunk{
		chunk.StepStart{MessageID: "m1"},
		chunk.TextDelta{Delta: "Hi"},
		chunk.TextDelta{Delta: " there"},
		chunk.StepFinish{Reason: "end_turn", Usage: chunk.Usage{InputTokens: 3, OutputTokens: 2}},
		chunk.Finish{Reason: "end_turn", Usage: chunk.Usage{InputTokens: 3, OutputTokens: 2}},
	}, chunks)

	assert.Equal(t, "Hi there", res.Text)
	assert.Equal(t, "end_turn", res.FinishReason)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "m1", res.Messages[0].ID)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "be brief", reqs[0].System)
	assert.Equal(t, 8000, reqs[0].MaxTokens)
}

func TestStreamText_GeneratesMessageID(t *testing.T) {
	p := provider.NewReplay(provider.Turn{Text: []string{"ok"}})

	res, err := GenerateText(context.Background(), Request{Provider: p, Messages: userPrompt("hello")})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Regexp(t, `^msg-[0-9a-f-]{36}$`, res.Steps[0].MessageID)
}

func TestStreamText_ToolLoop(t *testing.T) {
	p := provider.NewReplay(
		provider.Turn{
			MessageID: "m1",
			Text:      []string{"Checking."},
			ToolCalls: []provider.ToolCall{{ID: "t1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}},
		},
		provider.Turn{MessageID: "m2", Text: []string{"Done."}},
	)

	s := StreamText(context.Background(), Request{
		Provider: p,
		Messages: userPrompt("go"),
		Tools:    tool.NewRegistry(echoTool()),
	})
	chunks := collect(s)
	res, err := s.Wait()
	require.NoError(t, err)

	assert.Equal(t, []chunk.Kind{
		chunk.KindStepStart, chunk.KindTextDelta, chunk.KindToolCall, chunk.KindToolResult, chunk.KindStepFinish,
		chunk.KindStepStart, chunk.KindTextDelta, chunk.KindStepFinish,
		chunk.KindFinish,
	}, kinds(chunks))
	assert.True(t, chunks[4].(chunk.StepFinish).Continued)
	assert.False(t, chunks[7].(chunk.StepFinish).Continued)

	assert.Equal(t, chunk.ToolResult{ToolCallID: "t1", ToolName: "echo", Result: `echo {"x":1}`}, chunks[3])
	assert.Equal(t, "Done.", res.Text)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "t1", res.Steps[0].ToolResults[0].ToolCallID)

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 1)

	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, message.RoleUser, second[0].Role)
	assert.Equal(t, "m1", second[1].ID)
	assert.Equal(t, "msg-t1", second[2].ID)
}

func TestStreamText_ToolFailures(t *testing.T) {
	failing := &funcTool{name: "fail", fn: func(context.Context, json.RawMessage, tool.Options) (*tool.Result, error) {
		return nil, errors.New("disk on fire")
	}}
	p := provider.NewReplay(
		provider.Turn{
			MessageID: "m1",
			ToolCalls: []provider.ToolCall{
				{ID: "t1", Name: "fail"},
				{ID: "t2", Name: "missing"},
			},
		},
		provider.Turn{MessageID: "m2", Text: []string{"Sorry."}},
	)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	s := StreamText(context.Background(), Request{
		Provider: p,
		Messages: userPrompt("go"),
		Tools:    tool.NewRegistry(failing),
		Metrics:  metrics,
	})
	chunks := collect(s)
	res, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Sorry.", res.Text)

	var toolErr chunk.Error
	for _, c := range chunks {
		if e, ok := c.(chunk.Error); ok {
			toolErr = e
		}
	}
	assert.Equal(t, "t1", toolErr.ToolCallID)
	assert.EqualError(t, toolErr.Err, "disk on fire")

	second := p.Requests()[1].Messages
	require.Len(t, second, 4)
	// The synthesized answer for the failed call follows the real results.
	missing, ok := second[2].ToolResult()
	require.True(t, ok)
	assert.True(t, missing.IsError)
	assert.Equal(t, "unknown tool: missing", missing.Result)
	failed, ok := second[3].ToolResult()
	require.True(t, ok)
	assert.Equal(t, "msg-t1", second[3].ID)
	assert.Equal(t, message.ToolResultPart{ToolCallID: "t1", ToolName: "fail", Result: "disk on fire", IsError: true}, failed)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.toolCalls.WithLabelValues("fail", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.toolCalls.WithLabelValues("missing", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.steps.WithLabelValues("replay", "tool_use")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.steps.WithLabelValues("replay", "end_turn")))
}

func TestStreamText_MaxSteps(t *testing.T) {
	p := provider.NewReplay(provider.Turn{
		ToolCalls: []provider.ToolCall{{ID: "t1", Name: "echo"}},
	})

	s := StreamText(context.Background(), Request{
		Provider: p,
		Messages: userPrompt("go"),
		Tools:    tool.NewRegistry(echoTool()),
		Settings: Settings{MaxSteps: 1},
	})
	chunks := collect(s)
	res, err := s.Wait()
	require.NoError(t, err)

	assert.Equal(t, ReasonMaxSteps, res.FinishReason)
	assert.Len(t, p.Requests(), 1)
	assert.False(t, chunks[len(chunks)-2].(chunk.StepFinish).Continued)
	assert.Equal(t, chunk.KindFinish, chunks[len(chunks)-1].Kind())
}

func TestStreamText_Retries(t *testing.T) {
	noBackoff(t)

	t.Run("recovers before first content", func(t *testing.T) {
		p := provider.NewReplay(
			provider.Turn{StartErr: errors.New("overloaded")},
			provider.Turn{Err: errors.New("reset by peer")},
			provider.Turn{MessageID: "m1", Text: []string{"ok"}},
		)
		metrics := NewMetrics(prometheus.NewRegistry())

		res, err := GenerateText(context.Background(), Request{Provider: p, Messages: userPrompt("go"), Metrics: metrics})
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Text)
		assert.Len(t, p.Requests(), 3)
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.retries.WithLabelValues("replay")))
	})

	t.Run("gives up", func(t *testing.T) {
		p := provider.NewReplay(
			provider.Turn{StartErr: errors.New("overloaded")},
			provider.Turn{StartErr: errors.New("still overloaded")},
		)

		s := StreamText(context.Background(), Request{
			Provider: p,
			Messages: userPrompt("go"),
			Settings: Settings{MaxRetries: 1},
		})
		chunks := collect(s)
		_, err := s.Wait()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "still overloaded")
		require.Len(t, chunks, 1)
		assert.Equal(t, chunk.KindError, chunks[0].Kind())
	})

	t.Run("disabled", func(t *testing.T) {
		p := provider.NewReplay(
			provider.Turn{StartErr: errors.New("overloaded")},
			provider.Turn{MessageID: "m1", Text: []string{"never sent"}},
		)

		_, err := GenerateText(context.Background(), Request{
			Provider: p,
			Messages: userPrompt("go"),
			Settings: Settings{MaxRetries: -1},
		})
		require.Error(t, err)
		assert.Len(t, p.Requests(), 1)
	})

	t.Run("no retry after content", func(t *testing.T) {
		p := provider.NewReplay(
			provider.Turn{MessageID: "m1", Text: []string{"partial"}, Err: errors.New("connection lost")},
			provider.Turn{MessageID: "m2", Text: []string{"never"}},
		)

		s := StreamText(context.Background(), Request{Provider: p, Messages: userPrompt("go")})
		chunks := collect(s)
		_, err := s.Wait()
		require.Error(t, err)
		assert.Len(t, p.Requests(), 1)
		assert.Equal(t, []chunk.Kind{chunk.KindStepStart, chunk.KindTextDelta, chunk.KindError}, kinds(chunks))
	})
}

func TestStreamText_CancelDuringTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocking := &funcTool{name: "slow", fn: func(ctx context.Context, _ json.RawMessage, _ tool.Options) (*tool.Result, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := provider.NewReplay(
		provider.Turn{MessageID: "m1", ToolCalls: []provider.ToolCall{{ID: "t1", Name: "slow"}}},
		provider.Turn{MessageID: "m2", Text: []string{"unreachable"}},
	)

	s := StreamText(ctx, Request{Provider: p, Messages: userPrompt("go"), Tools: tool.NewRegistry(blocking)})
	chunks := collect(s)
	_, err := s.Wait()

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, p.Requests(), 1)
	for _, c := range chunks {
		assert.NotEqual(t, chunk.KindError, c.Kind(), "cancellation is not folded into a tool error")
		assert.NotEqual(t, chunk.KindFinish, c.Kind())
	}
}

func TestStreamText_ToolSeesHistory(t *testing.T) {
	var seen tool.Options
	spy := &funcTool{name: "spy", fn: func(_ context.Context, _ json.RawMessage, opts tool.Options) (*tool.Result, error) {
		seen = opts
		return &tool.Result{Content: "ok"}, nil
	}}
	p := provider.NewReplay(
		provider.Turn{MessageID: "m1", ToolCalls: []provider.ToolCall{{ID: "t1", Name: "spy"}}},
		provider.Turn{MessageID: "m2", Text: []string{"done"}},
	)

	_, err := GenerateText(context.Background(), Request{
		Provider: p,
		Messages: userPrompt("go"),
		Tools:    tool.WithContext(tool.NewRegistry(spy), "ctx-value"),
	})
	require.NoError(t, err)

	assert.Equal(t, "t1", seen.ToolCallID)
	assert.Equal(t, "ctx-value", seen.Context)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "m1", seen.Messages[1].ID)
}

func TestStreamText_InvalidRequest(t *testing.T) {
	_, err := GenerateText(context.Background(), Request{Messages: userPrompt("go")})
	assert.EqualError(t, err, "no provider configured")

	_, err = GenerateText(context.Background(), Request{Provider: provider.NewReplay()})
	assert.EqualError(t, err, "no messages to send")
}

func TestSettings_Defaults(t *testing.T) {
	assert.Equal(t, Settings{MaxSteps: 20, MaxRetries: 2, MaxTokens: 8000}, Settings{}.withDefaults())
	assert.Equal(t, Settings{MaxSteps: 3, MaxRetries: 0, MaxTokens: 100}, Settings{MaxSteps: 3, MaxRetries: -1, MaxTokens: 100}.withDefaults())
}
