// Package message defines the conversation model shared by the chunk
// processor, the text generation loop and the providers.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	ID      string
	Role    Role
	Content []Part
}

// Part is one piece of message content. The set of implementations is
// closed: TextPart, ToolCallPart and ToolResultPart.
type Part interface {
	partType() string
}

// TextPart holds the cumulative text of a message.
type TextPart struct {
	Text string
}

// ToolCallPart is a request from the model to invoke a tool.
type ToolCallPart struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

// ToolResultPart is the outcome of a tool call.
type ToolResultPart struct {
	ToolCallID string
	ToolName   string
	Result     string
	IsError    bool
}

func (TextPart) partType() string       { return "text" }
func (ToolCallPart) partType() string   { return "tool-call" }
func (ToolResultPart) partType() string { return "tool-result" }

// ToolMessageID returns the id of the tool message that carries the result
// of toolCallID.
func ToolMessageID(toolCallID string) string {
	return "msg-" + toolCallID
}

// NewUser creates a user message with a single text part.
func NewUser(id, text string) Message {
	return Message{
		ID:      id,
		Role:    RoleUser,
		Content: []Part{TextPart{Text: text}},
	}
}

// NewToolResult creates the tool message for a finished tool call.
func NewToolResult(result ToolResultPart) Message {
	return Message{
		ID:      ToolMessageID(result.ToolCallID),
		Role:    RoleTool,
		Content: []Part{result},
	}
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := Message{ID: m.ID, Role: m.Role}
	if m.Content == nil {
		return out
	}
	out.Content = make([]Part, len(m.Content))
	for i, p := range m.Content {
		out.Content[i] = clonePart(p)
	}
	return out
}

func clonePart(p Part) Part {
	switch p := p.(type) {
	case ToolCallPart:
		p.Args = bytes.Clone(p.Args)
		return p
	default:
		// TextPart and ToolResultPart hold only values.
		return p
	}
}

// CloneAll deep copies a message slice. The result is never nil.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Text returns the first text part of the message and whether one exists.
func (m Message) Text() (string, bool) {
	for _, p := range m.Content {
		if t, ok := p.(TextPart); ok {
			return t.Text, true
		}
	}
	return "", false
}

// ToolCalls returns the tool call parts of the message in order.
func (m Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range m.Content {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolResult returns the tool result part of a tool message.
func (m Message) ToolResult() (ToolResultPart, bool) {
	for _, p := range m.Content {
		if tr, ok := p.(ToolResultPart); ok {
			return tr, true
		}
	}
	return ToolResultPart{}, false
}

// wirePart is the JSON shape of a Part.
type wirePart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

type wireMessage struct {
	ID      string     `json:"id"`
	Role    Role       `json:"role"`
	Content []wirePart `json:"content"`
}

// MarshalJSON encodes parts as objects tagged by "type".
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{ID: m.ID, Role: m.Role, Content: make([]wirePart, 0, len(m.Content))}
	for _, p := range m.Content {
		wp := wirePart{Type: p.partType()}
		switch p := p.(type) {
		case TextPart:
			wp.Text = p.Text
		case ToolCallPart:
			wp.ToolCallID = p.ToolCallID
			wp.ToolName = p.ToolName
			wp.Args = p.Args
		case ToolResultPart:
			wp.ToolCallID = p.ToolCallID
			wp.ToolName = p.ToolName
			wp.Result = p.Result
			wp.IsError = p.IsError
		}
		w.Content = append(w.Content, wp)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch w.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("unknown message role: %q", w.Role)
	}

	m.ID = w.ID
	m.Role = w.Role
	m.Content = make([]Part, 0, len(w.Content))
	for _, wp := range w.Content {
		switch wp.Type {
		case "text":
			m.Content = append(m.Content, TextPart{Text: wp.Text})
		case "tool-call":
			m.Content = append(m.Content, ToolCallPart{
				ToolCallID: wp.ToolCallID,
				ToolName:   wp.ToolName,
				Args:       wp.Args,
			})
		case "tool-result":
			m.Content = append(m.Content, ToolResultPart{
				ToolCallID: wp.ToolCallID,
				ToolName:   wp.ToolName,
				Result:     wp.Result,
				IsError:    wp.IsError,
			})
		default:
			return fmt.Errorf("unknown content part type: %q", wp.Type)
		}
	}
	return nil
}
