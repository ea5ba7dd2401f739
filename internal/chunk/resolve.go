package chunk

import (
	"github.com/eachlabs/vaultagent/internal/message"
)

// Resolve returns a deep copy of msgs in which every tool call that failed
// is answered by a tool message. A call failed when the chunk log holds an
// Error chunk for it and no ToolResult. The synthesized message uses the
// usual tool message id and is placed after the message holding the call,
// behind any tool messages already answering that message's other calls.
func Resolve(msgs []message.Message, chunks []Chunk) []message.Message {
	failed := make(map[string]Error)
	answered := make(map[string]bool)
	for _, c := range chunks {
		switch c := c.(type) {
		case ToolResult:
			answered[c.ToolCallID] = true
		case Error:
			if c.ToolCallID != "" {
				failed[c.ToolCallID] = c
			}
		}
	}
	for id := range answered {
		delete(failed, id)
	}

	out := make([]message.Message, 0, len(msgs))
	if len(failed) == 0 {
		return append(out, message.CloneAll(msgs)...)
	}

	var pending []message.Message
	flush := func() {
		out = append(out, pending...)
		pending = nil
	}
	for _, m := range msgs {
		if m.Role != message.RoleTool {
			flush()
		}
		out = append(out, m.Clone())
		for _, tc := range m.ToolCalls() {
			if e, ok := failed[tc.ToolCallID]; ok {
				pending = append(pending, message.NewToolResult(message.ToolResultPart{
					ToolCallID: tc.ToolCallID,
					ToolName:   tc.ToolName,
					Result:     e.Message(),
					IsError:    true,
				}))
			}
		}
	}
	flush()
	return out
}

// outcome finds the result of a tool call in the chunk log. The last
// matching result or error wins.
func outcome(chunks []Chunk, toolCallID string) (message.ToolResultPart, bool) {
	var (
		res   message.ToolResultPart
		found bool
	)
	for _, c := range chunks {
		switch c := c.(type) {
		case ToolResult:
			if c.ToolCallID == toolCallID {
				res = message.ToolResultPart{
					ToolCallID: c.ToolCallID,
					ToolName:   c.ToolName,
					Result:     c.Result,
					IsError:    c.IsError,
				}
				found = true
			}
		case Error:
			if c.ToolCallID == toolCallID {
				res = message.ToolResultPart{
					ToolCallID: c.ToolCallID,
					ToolName:   c.ToolName,
					Result:     c.Message(),
					IsError:    true,
				}
				found = true
			}
		}
	}
	return res, found
}
