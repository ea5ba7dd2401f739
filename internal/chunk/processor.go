package chunk

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"

	"github.com/eachlabs/vaultagent/internal/message"
)

// Processor rebuilds messages from an ordered chunk stream.
//
// The message list is a live projection: an assistant message is appended
// as soon as its step starts and keeps growing until the step is finalized.
// Messages returns deep copies, so callers may snapshot at any time,
// including mid-stream.
type Processor struct {
	mu     sync.Mutex
	log    *slog.Logger
	chunks []Chunk
	msgs   []message.Message

	// Building state. current is an index into msgs, -1 when idle.
	current int
	text    strings.Builder
}

// NewProcessor creates an idle processor. A nil logger uses slog.Default.
func NewProcessor(log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{log: log, current: -1}
}

// AppendChunk applies c. It never fails: chunks that make no sense in the
// current state are dropped.
func (p *Processor) AppendChunk(c Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c == nil {
		p.log.Warn("dropping nil chunk")
		return
	}
	p.chunks = append(p.chunks, c)

	switch c := c.(type) {
	case StepStart:
		p.finalize()
		p.msgs = append(p.msgs, message.Message{
			ID:      c.MessageID,
			Role:    message.RoleAssistant,
			Content: []message.Part{},
		})
		p.current = len(p.msgs) - 1

	case TextDelta:
		if p.current < 0 {
			p.log.Debug("dropping text delta outside of a step")
			return
		}
		p.text.WriteString(c.Delta)
		p.setText(p.text.String())

	case ToolCall:
		if p.current < 0 {
			p.log.Debug("dropping tool call outside of a step", "tool_call_id", c.ToolCallID)
			return
		}
		msg := &p.msgs[p.current]
		msg.Content = append(msg.Content, message.ToolCallPart{
			ToolCallID: c.ToolCallID,
			ToolName:   c.ToolName,
			Args:       bytes.Clone(c.Args),
		})

	case ToolResult:
		p.finalize()
		p.msgs = append(p.msgs, message.NewToolResult(message.ToolResultPart{
			ToolCallID: c.ToolCallID,
			ToolName:   c.ToolName,
			Result:     c.Result,
			IsError:    c.IsError,
		}))

	case Error:
		// Kept in the chunk log only; see Resolve.
		p.finalize()

	case StepFinish:
		p.finalize()

	case Finish:

	default:
		p.log.Warn("ignoring unrecognized chunk", "kind", c.Kind(), "chunk", String(c))
	}
}

// setText puts text at position 0 of the current message. Caller must hold
// the lock.
func (p *Processor) setText(text string) {
	msg := &p.msgs[p.current]
	if len(msg.Content) > 0 {
		if _, ok := msg.Content[0].(message.TextPart); ok {
			msg.Content[0] = message.TextPart{Text: text}
			return
		}
	}
	content := make([]message.Part, 0, len(msg.Content)+1)
	content = append(content, message.TextPart{Text: text})
	msg.Content = append(content, msg.Content...)
}

// finalize closes the message under construction. Caller must hold the
// lock. It is a no-op when idle.
func (p *Processor) finalize() {
	if p.current < 0 {
		return
	}
	p.current = -1
	p.text.Reset()
}

// Finalize closes the message under construction, if any. The message stays
// in the list.
func (p *Processor) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalize()
}

// Building reports whether a message is under construction.
func (p *Processor) Building() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current >= 0
}

// AppendMessage appends a complete message, such as user input. A message
// under construction keeps receiving its step's chunks.
func (p *Processor) AppendMessage(m message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m.Clone())
}

// Messages returns a deep copy of every message so far.
func (p *Processor) Messages() []message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return message.CloneAll(p.msgs)
}

// Chunks returns a copy of the raw chunk log.
func (p *Processor) Chunks() []Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Chunk, len(p.chunks))
	copy(out, p.chunks)
	return out
}

// Transcript returns Messages with failed tool calls resolved into tool
// messages. See Resolve.
func (p *Processor) Transcript() []message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Resolve(p.msgs, p.chunks)
}

// ToolOutcome scans the chunk log for the result or error of a tool call.
func (p *Processor) ToolOutcome(toolCallID string) (message.ToolResultPart, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return outcome(p.chunks, toolCallID)
}

// Reset drops all chunks and messages.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = nil
	p.msgs = nil
	p.finalize()
}
