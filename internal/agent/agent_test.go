package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"

	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/provider"
	"github.com/eachlabs/vaultagent/internal/textgen"
	"github.com/eachlabs/vaultagent/internal/tool"
)

type stubTool struct {
	name   string
	result string
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return "stub" }
func (s *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(context.Context, json.RawMessage, tool.Options) (*tool.Result, error) {
	return &tool.Result{Content: s.result}, nil
}

func mustAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func delegateCall(id, agentID, prompt string) provider.ToolCall {
	args, _ := json.Marshal(map[string]string{"agentId": agentID, "prompt": prompt})
	return provider.ToolCall{ID: id, Name: DelegateToolName, Input: args}
}

// recorder collects delegated chunks.
type recorder struct {
	mu     sync.Mutex
	chunks []SubAgentChunk
}

func (r *recorder) handle(c SubAgentChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
}

func (r *recorder) all() []SubAgentChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SubAgentChunk(nil), r.chunks...)
}

func TestNew(t *testing.T) {
	p := provider.NewReplay()

	t.Run("requires name and provider", func(t *testing.T) {
		_, err := New(Config{Provider: p})
		assert.Error(t, err)
		_, err = New(Config{Name: "a"})
		assert.Error(t, err)
	})

	t.Run("adds delegate tool to a copy", func(t *testing.T) {
		user := tool.NewRegistry(&stubTool{name: "read_note"})
		sub := mustAgent(t, Config{Name: "researcher", Provider: p})
		a := mustAgent(t, Config{Name: "vault", Provider: p, Tools: user, SubAgents: []*Agent{sub}})

		assert.Equal(t, []string{DelegateToolName, "read_note"}, a.ToolNames())
		assert.Equal(t, []string{"read_note"}, user.Names())
		assert.Equal(t, []string{}, sub.ToolNames())
	})

	t.Run("delegate overwrites same-named tool and warns", func(t *testing.T) {
		var logs bytes.Buffer
		log := slog.New(slog.NewTextHandler(&logs, nil))

		user := tool.NewRegistry(&stubTool{name: DelegateToolName, result: "user tool"})
		sub := mustAgent(t, Config{Name: "researcher", Provider: p})
		a := mustAgent(t, Config{Name: "vault", Provider: p, Tools: user, SubAgents: []*Agent{sub}, Logger: log})

		got, ok := a.tools.Get(DelegateToolName)
		require.True(t, ok)
		assert.IsType(t, &delegateTool{}, got)
		assert.Contains(t, logs.String(), "delegation tool replaces a tool of the same name")
	})

	t.Run("rejects duplicate sub-agents", func(t *testing.T) {
		s1 := mustAgent(t, Config{Name: "researcher", Provider: p})
		s2 := mustAgent(t, Config{Name: "researcher", Provider: p})
		_, err := New(Config{Name: "vault", Provider: p, SubAgents: []*Agent{s1, s2}})
		assert.ErrorContains(t, err, `duplicate sub-agent name "researcher"`)
	})

	t.Run("rejects invalid context schema", func(t *testing.T) {
		_, err := New(Config{Name: "vault", Provider: p, ContextSchema: json.RawMessage(`{"type": 12}`)})
		assert.ErrorContains(t, err, "invalid context schema")
	})

	t.Run("default settings", func(t *testing.T) {
		a := mustAgent(t, Config{Name: "a", Provider: p})
		assert.Equal(t, textgen.Settings{MaxSteps: 20, MaxRetries: 2, MaxTokens: 8000}, a.Settings())
	})
}

func TestStreamText_ValidatesContextFirst(t *testing.T) {
	p := provider.NewReplay(provider.Turn{Text: []string{"ok"}})
	a := mustAgent(t, Config{Name: "vault", Provider: p, ContextSchema: json.RawMessage(VaultContextSchema)})

	_, err := a.StreamText(context.Background(), Args{Prompt: "hi"}, map[string]any{"vault": 42})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "vault")
	assert.Empty(t, p.Requests(), "no request is made for an invalid context")

	_, err = a.GenerateText(context.Background(), Args{Prompt: "hi"}, map[string]any{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, p.Requests())

	res, err := a.GenerateText(context.Background(), Args{Prompt: "hi"}, map[string]any{"vault": "/notes"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
}

func TestStreamText_NoContextSkipsValidation(t *testing.T) {
	p := provider.NewReplay(provider.Turn{Text: []string{"ok"}})
	a := mustAgent(t, Config{Name: "vault", Provider: p, ContextSchema: json.RawMessage(VaultContextSchema)})

	res, err := a.GenerateText(context.Background(), Args{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)

	req := p.Requests()[0]
	require.Len(t, req.Messages, 1)
	text, _ := req.Messages[0].Text()
	assert.Equal(t, "hi", text)
}

func TestStreamText_PerCallSettings(t *testing.T) {
	p := provider.NewReplay(provider.Turn{Text: []string{"ok"}})
	a := mustAgent(t, Config{Name: "vault", Provider: p, Settings: &textgen.Settings{MaxTokens: 1000}})

	_, err := a.GenerateText(context.Background(), Args{Prompt: "hi", Settings: &textgen.Settings{MaxTokens: 50}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, p.Requests()[0].MaxTokens)
}

func TestStreamText_TransportError(t *testing.T) {
	p := provider.NewReplay(provider.Turn{MessageID: "m1", Text: []string{"par"}, Err: errors.New("boom")})
	a := mustAgent(t, Config{Name: "vault", Provider: p})

	_, err := a.GenerateText(context.Background(), Args{Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestDelegate_StreamsSubAgent(t *testing.T) {
	subProv := provider.NewReplay(provider.Turn{MessageID: "s1", Text: []string{"found ", "3 notes"}})
	sub := mustAgent(t, Config{Name: "researcher", Provider: subProv})

	rec := &recorder{}
	parentProv := provider.NewReplay(
		provider.Turn{MessageID: "p1", ToolCalls: []provider.ToolCall{delegateCall("t1", "researcher", "count notes")}},
		provider.Turn{MessageID: "p2", Text: []string{"There are 3 notes."}},
	)
	parent := mustAgent(t, Config{Name: "vault", Provider: parentProv, SubAgents: []*Agent{sub}, OnChunk: rec.handle})

	type ctxValue struct {
		Vault string `json:"vault"`
	}
	value := ctxValue{Vault: "/notes"}

	s, err := parent.StreamText(context.Background(), Args{Prompt: "how many notes?"}, value)
	require.NoError(t, err)

	proc := chunk.NewProcessor(nil)
	for c := range s.Chunks() {
		proc.AppendChunk(c)
	}
	res, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, "There are 3 notes.", res.Text)

	delegated := rec.all()
	require.Len(t, delegated, 5)
	var kinds []chunk.Kind
	for _, c := range delegated {
		assert.Equal(t, "researcher", c.AgentID)
		assert.Equal(t, "t1", c.ToolCallID)
		assert.Equal(t, []string{"t1"}, c.Path)
		assert.Equal(t, value, c.Context)
		kinds = append(kinds, c.Chunk.Kind())
	}
	assert.Equal(t, []chunk.Kind{
		chunk.KindStepStart, chunk.KindTextDelta, chunk.KindTextDelta, chunk.KindStepFinish, chunk.KindFinish,
	}, kinds)

	// The parent sees only the delegation call and its result.
	msgs := proc.Messages()
	require.Len(t, msgs, 3)
	result, ok := msgs[1].ToolResult()
	require.True(t, ok)
	assert.Equal(t, "found 3 notes", result.Result)
	assert.False(t, result.IsError)

	subReq := subProv.Requests()[0]
	text, _ := subReq.Messages[0].Text()
	assert.Equal(t, "count notes", text)
}

func TestDelegate_NestedPath(t *testing.T) {
	archivist := mustAgent(t, Config{
		Name:     "archivist",
		Provider: provider.NewReplay(provider.Turn{MessageID: "a1", Text: []string{"archived"}}),
	})
	rec := &recorder{}
	researcher := mustAgent(t, Config{
		Name: "researcher",
		Provider: provider.NewReplay(
			provider.Turn{MessageID: "r1", ToolCalls: []provider.ToolCall{delegateCall("t2", "archivist", "archive it")}},
			provider.Turn{MessageID: "r2", Text: []string{"done"}},
		),
		SubAgents: []*Agent{archivist},
		OnChunk:   rec.handle,
	})
	parent := mustAgent(t, Config{
		Name: "vault",
		Provider: provider.NewReplay(
			provider.Turn{MessageID: "p1", ToolCalls: []provider.ToolCall{delegateCall("t1", "researcher", "research")}},
			provider.Turn{MessageID: "p2", Text: []string{"ok"}},
		),
		SubAgents: []*Agent{researcher},
		OnChunk:   rec.handle,
	})

	_, err := parent.GenerateText(context.Background(), Args{Prompt: "go"}, nil)
	require.NoError(t, err)

	paths := map[string][]string{}
	for _, c := range rec.all() {
		paths[c.AgentID] = c.Path
	}
	assert.Equal(t, []string{"t1"}, paths["researcher"])
	assert.Equal(t, []string{"t1", "t2"}, paths["archivist"])
}

func TestDelegate_AgentNotFound(t *testing.T) {
	sub := mustAgent(t, Config{Name: "researcher", Provider: provider.NewReplay()})
	parentProv := provider.NewReplay(
		provider.Turn{MessageID: "p1", ToolCalls: []provider.ToolCall{delegateCall("t1", "Researcher", "x")}},
		provider.Turn{MessageID: "p2", Text: []string{"That agent does not exist."}},
	)
	parent := mustAgent(t, Config{Name: "vault", Provider: parentProv, SubAgents: []*Agent{sub}})

	res, err := parent.GenerateText(context.Background(), Args{Prompt: "go"}, nil)
	require.NoError(t, err, "a missing agent does not end the parent run")

	require.Len(t, res.Steps, 2)
	failed := res.Steps[0].ToolResults[0]
	assert.True(t, failed.IsError)
	assert.Equal(t, "agent not found: Researcher", failed.Result)

	second := parentProv.Requests()[1].Messages
	toolMsg := second[len(second)-1]
	assert.Equal(t, "msg-t1", toolMsg.ID)

	t.Run("direct execution", func(t *testing.T) {
		d, _ := parent.tools.Get(DelegateToolName)
		_, err := d.Execute(context.Background(), json.RawMessage(`{"agentId":"ghost","prompt":"x"}`), tool.Options{ToolCallID: "t9"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAgentNotFound)
		assert.Equal(t, KindAgentNotFound, KindOf(err))
		assert.Contains(t, err.Error(), "ghost")
	})
}

func TestDelegate_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subProv := provider.NewReplay(provider.Turn{
		MessageID: "s1",
		Text:      []string{"one ", "two ", "three ", "four"},
		Delay:     5 * time.Millisecond,
	})
	sub := mustAgent(t, Config{Name: "researcher", Provider: subProv})

	var forwarded int
	onChunk := func(c SubAgentChunk) {
		forwarded++
		if c.Chunk.Kind() == chunk.KindTextDelta {
			cancel()
		}
	}
	parentProv := provider.NewReplay(
		provider.Turn{MessageID: "p1", Text: []string{"Asking."}, ToolCalls: []provider.ToolCall{delegateCall("t1", "researcher", "x")}},
		provider.Turn{MessageID: "p2", Text: []string{"unreachable"}},
	)
	parent := mustAgent(t, Config{Name: "vault", Provider: parentProv, SubAgents: []*Agent{sub}, OnChunk: onChunk})

	s, err := parent.StreamText(ctx, Args{Prompt: "go"}, nil)
	require.NoError(t, err)

	proc := chunk.NewProcessor(nil)
	for c := range s.Chunks() {
		proc.AppendChunk(c)
	}
	_, err = s.Wait()
	proc.Finalize()

	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.True(t, IsCancelled(err))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "researcher")

	assert.LessOrEqual(t, forwarded, 3, "forwarding stops promptly after cancellation")
	assert.Len(t, parentProv.Requests(), 1)
	assert.False(t, proc.Building())
	for _, c := range proc.Chunks() {
		assert.NotEqual(t, chunk.KindError, c.Kind(), "cancellation is not a tool error")
	}
}

func TestDelegate_Schema(t *testing.T) {
	p := provider.NewReplay()
	r := mustAgent(t, Config{Name: "researcher", Provider: p, Instructions: "Finds notes.\nMore detail."})
	e := mustAgent(t, Config{Name: "editor", Provider: p})
	a := mustAgent(t, Config{Name: "vault", Provider: p, SubAgents: []*Agent{r, e}})

	d, ok := a.tools.Get(DelegateToolName)
	require.True(t, ok)

	_, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.Schema()))
	require.NoError(t, err)

	var schema struct {
		Type                 string   `json:"type"`
		Required             []string `json:"required"`
		AdditionalProperties bool     `json:"additionalProperties"`
		Properties           map[string]struct {
			Type string   `json:"type"`
			Enum []string `json:"enum"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(d.Schema(), &schema))
	assert.Equal(t, "object", schema.Type)
	assert.ElementsMatch(t, []string{"agentId", "prompt"}, schema.Required)
	assert.False(t, schema.AdditionalProperties)
	assert.Equal(t, []string{"researcher", "editor"}, schema.Properties["agentId"].Enum)
	assert.Equal(t, "string", schema.Properties["prompt"].Type)

	assert.Contains(t, d.Description(), "- researcher: Finds notes.\n")
	assert.Contains(t, d.Description(), "- editor\n")
}

func TestFinalText(t *testing.T) {
	assert.Equal(t, "", finalText(nil))

	p := provider.NewReplay(provider.Turn{ToolCalls: []provider.ToolCall{{ID: "t1", Name: "stub"}}})
	a := mustAgent(t, Config{
		Name:     "a",
		Provider: p,
		Tools:    tool.NewRegistry(&stubTool{name: "stub", result: "ok"}),
		Settings: &textgen.Settings{MaxSteps: 1},
	})
	res, err := a.GenerateText(context.Background(), Args{Prompt: "go"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", finalText(res.Messages), "a run ending on a tool result has no final text")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("x"), ""},
		{"context", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindCancelled},
		{"wrapped", errors.Join(errors.New("outer"), newError(KindAgentNotFound, "a", nil, "agent not found: a")), KindAgentNotFound},
		{"validation", newError(KindValidation, "a", errors.New("bad"), "invalid"), KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}

	err := newError(KindValidation, "a", errors.New("bad"), "invalid context")
	assert.EqualError(t, err, "invalid context: bad")
	assert.NotErrorIs(t, err, ErrCancelled)
}
