package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eachlabs/vaultagent/internal/message"
)

// Turn is one scripted model response.
type Turn struct {
	MessageID  string
	Text       []string // streamed as separate deltas
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage

	// Err is emitted as an error event after the text deltas.
	Err error
	// StartErr is returned by Stream itself.
	StartErr error
	// Delay is waited before every event.
	Delay time.Duration
}

// Replay is an offline Provider that plays back scripted turns. It records
// every request it receives.
type Replay struct {
	mu       sync.Mutex
	turns    []Turn
	respond  func(req *ChatRequest) Turn
	requests []ChatRequest
}

// NewReplay creates a provider that answers successive requests with
// turns, in order.
func NewReplay(turns ...Turn) *Replay {
	return &Replay{turns: turns}
}

// NewReplayFunc creates a provider that computes each turn from the
// request.
func NewReplayFunc(respond func(req *ChatRequest) Turn) *Replay {
	return &Replay{respond: respond}
}

func (r *Replay) Name() string {
	return "replay"
}

func (r *Replay) Models() []string {
	return []string{"replay"}
}

// Requests returns copies of the requests received so far.
func (r *Replay) Requests() []ChatRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChatRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

func (r *Replay) nextTurn(req *ChatRequest) (Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recorded := *req
	recorded.Messages = message.CloneAll(req.Messages)
	r.requests = append(r.requests, recorded)

	if r.respond != nil {
		return r.respond(req), nil
	}
	if len(r.turns) == 0 {
		return Turn{}, fmt.Errorf("replay: no scripted turn left for request %d", len(r.requests))
	}
	t := r.turns[0]
	r.turns = r.turns[1:]
	return t, nil
}

// Stream plays back the next turn.
func (r *Replay) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	turn, err := r.nextTurn(req)
	if err != nil {
		return nil, err
	}
	if turn.StartErr != nil {
		return nil, turn.StartErr
	}

	events := make(chan StreamEvent)

	go func() {
		defer close(events)

		emit := func(ev StreamEvent) bool {
			if turn.Delay > 0 {
				select {
				case <-time.After(turn.Delay):
				case <-ctx.Done():
					return false
				}
			}
			return send(ctx, events, ev)
		}

		if !emit(StreamEvent{Type: EventStart, MessageID: turn.MessageID}) {
			return
		}
		for _, text := range turn.Text {
			if !emit(StreamEvent{Type: EventText, Text: text}) {
				return
			}
		}
		if turn.Err != nil {
			emit(StreamEvent{Type: EventError, Error: turn.Err})
			return
		}
		for i := range turn.ToolCalls {
			tc := turn.ToolCalls[i]
			tc.Input = rawInput(tc.Input)
			if !emit(StreamEvent{Type: EventToolUse, ToolUse: &tc}) {
				return
			}
		}

		reason := turn.StopReason
		if reason == "" {
			reason = "end_turn"
			if len(turn.ToolCalls) > 0 {
				reason = "tool_use"
			}
		}
		emit(StreamEvent{Type: EventStop, StopReason: reason, Usage: turn.Usage})
	}()

	return events, nil
}

// DemoReplay returns a scripted provider that exercises vault tools and
// delegation without network access. An agent that can delegate hands the
// prompt to its first sub-agent; an agent with vault tools lists the notes;
// every agent then answers with a summary of the last tool result.
func DemoReplay() *Replay {
	return NewReplayFunc(func(req *ChatRequest) Turn {
		last := req.Messages[len(req.Messages)-1]

		if res, ok := last.ToolResult(); ok {
			summary := res.Result
			if len(summary) > 400 {
				summary = summary[:400] + "..."
			}
			return Turn{Text: splitWords(fmt.Sprintf("Here is what I found:\n%s", summary))}
		}

		prompt, _ := last.Text()
		for _, t := range req.Tools {
			if t.Name != "delegate_to_agent" {
				continue
			}
			agentID := firstEnum(t.InputSchema, "agentId")
			if agentID == "" {
				break
			}
			args, _ := json.Marshal(map[string]string{"agentId": agentID, "prompt": prompt})
			return Turn{
				Text:      splitWords(fmt.Sprintf("Let me ask %s. ", agentID)),
				ToolCalls: []ToolCall{{ID: "call-" + shortID(req), Name: t.Name, Input: args}},
			}
		}
		for _, t := range req.Tools {
			if t.Name == "list_notes" {
				return Turn{
					Text:      splitWords("Looking through the vault. "),
					ToolCalls: []ToolCall{{ID: "call-" + shortID(req), Name: t.Name, Input: json.RawMessage(`{}`)}},
				}
			}
		}
		return Turn{Text: splitWords("You said: " + prompt)}
	})
}

func splitWords(s string) []string {
	words := strings.SplitAfter(s, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func shortID(req *ChatRequest) string {
	return fmt.Sprintf("%d", len(req.Messages))
}

// firstEnum returns the first enum value of a property in a JSON schema.
func firstEnum(schema json.RawMessage, property string) string {
	var s struct {
		Properties map[string]struct {
			Enum []string `json:"enum"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return ""
	}
	if enum := s.Properties[property].Enum; len(enum) > 0 {
		return enum[0]
	}
	return ""
}
