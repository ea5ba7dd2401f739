// Package chunk turns the ordered chunk stream of a text generation into
// the message model.
package chunk

import (
	"encoding/json"
	"fmt"
)

// Kind is the stable discriminator of a chunk.
type Kind string

const (
	KindStepStart  Kind = "step-start"
	KindTextDelta  Kind = "text-delta"
	KindToolCall   Kind = "tool-call"
	KindToolResult Kind = "tool-result"
	KindError      Kind = "error"
	KindStepFinish Kind = "step-finish"
	KindFinish     Kind = "finish"
	KindUnknown    Kind = "unknown"
)

// Chunk is one event of a streaming generation. The implementations in
// this package form a closed set.
type Chunk interface {
	Kind() Kind
	sealed()
}

// StepStart opens a new assistant message.
type StepStart struct {
	MessageID string
}

// TextDelta carries the next fragment of assistant text.
type TextDelta struct {
	Delta string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

// ToolResult is the value a tool returned.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Result     string
	IsError    bool
}

// Error reports a failure. ToolCallID is set when the failure belongs to a
// tool call.
type Error struct {
	ToolCallID string
	ToolName   string
	Err        error
}

// Usage counts tokens of a step or of a whole generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// StepFinish closes a step.
type StepFinish struct {
	Reason    string
	Usage     Usage
	Continued bool // another step follows
}

// Finish terminates the whole generation.
type Finish struct {
	Reason string
	Usage  Usage
}

// Unknown wraps a transport event the processor does not understand.
type Unknown struct {
	Type string
}

func (StepStart) Kind() Kind  { return KindStepStart }
func (TextDelta) Kind() Kind  { return KindTextDelta }
func (ToolCall) Kind() Kind   { return KindToolCall }
func (ToolResult) Kind() Kind { return KindToolResult }
func (Error) Kind() Kind      { return KindError }
func (StepFinish) Kind() Kind { return KindStepFinish }
func (Finish) Kind() Kind     { return KindFinish }
func (Unknown) Kind() Kind    { return KindUnknown }

func (StepStart) sealed()  {}
func (TextDelta) sealed()  {}
func (ToolCall) sealed()   {}
func (ToolResult) sealed() {}
func (Error) sealed()      {}
func (StepFinish) sealed() {}
func (Finish) sealed()     {}
func (Unknown) sealed()    {}

// Message returns the error text, or "unknown error" for a nil Err.
func (e Error) Message() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

// String renders a chunk for debug output.
func String(c Chunk) string {
	switch c := c.(type) {
	case StepStart:
		return fmt.Sprintf("step-start(%s)", c.MessageID)
	case TextDelta:
		return fmt.Sprintf("text-delta(%q)", c.Delta)
	case ToolCall:
		return fmt.Sprintf("tool-call(%s, %s, %s)", c.ToolCallID, c.ToolName, string(c.Args))
	case ToolResult:
		return fmt.Sprintf("tool-result(%s, %s, error=%t)", c.ToolCallID, c.ToolName, c.IsError)
	case Error:
		return fmt.Sprintf("error(%s: %s)", c.ToolCallID, c.Message())
	case StepFinish:
		return fmt.Sprintf("step-finish(%s)", c.Reason)
	case Finish:
		return fmt.Sprintf("finish(%s)", c.Reason)
	case Unknown:
		return fmt.Sprintf("unknown(%s)", c.Type)
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%s(%T)", c.Kind(), c)
	}
}
