package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/eachlabs/vaultagent/internal/agent"
	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/message"
)

const maxToolOutputLines = 8

// Renderer turns the processors of a registry into chat transcript text.
// Delegations are rendered inline, indented under the tool call that made
// them.
type Renderer struct {
	reg *chunk.Registry
	md  *glamour.TermRenderer
}

// NewRenderer creates a renderer wrapping Markdown at width. With plain
// set, assistant text is shown as is.
func NewRenderer(reg *chunk.Registry, width int, plain bool) *Renderer {
	r := &Renderer{reg: reg}
	if !plain && width > 0 {
		md, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"), // avoid OSC background queries
			glamour.WithWordWrap(width),
		)
		if err == nil {
			r.md = md
		}
	}
	return r
}

// Render returns the transcript of key, including nested delegations.
func (r *Renderer) Render(key chunk.Key) string {
	var b strings.Builder
	r.render(&b, key)
	return b.String()
}

func (r *Renderer) render(b *strings.Builder, key chunk.Key) {
	proc, ok := r.reg.Lookup(key)
	if !ok {
		return
	}
	building := proc.Building()
	msgs := proc.Transcript()

	for i, msg := range msgs {
		switch msg.Role {
		case message.RoleUser:
			text, _ := msg.Text()
			b.WriteString(chatUserLabelStyle.Render("You") + "\n")
			b.WriteString(chatUserMsgStyle.Render(text) + "\n\n")

		case message.RoleAssistant:
			live := building && i == len(msgs)-1
			r.renderAssistant(b, key, msg, live)

		case message.RoleTool:
			res, ok := msg.ToolResult()
			if !ok || (res.ToolName == agent.DelegateToolName && !res.IsError) {
				continue
			}
			r.renderToolResult(b, res)
		}
	}
}

func (r *Renderer) renderAssistant(b *strings.Builder, key chunk.Key, msg message.Message, live bool) {
	text, _ := msg.Text()
	calls := msg.ToolCalls()
	if text == "" && len(calls) == 0 && !live {
		return
	}

	b.WriteString(chatAssistantLabelStyle.Render(key.Agent) + "\n")
	if text != "" {
		b.WriteString(r.markdown(text, live) + "\n")
	}

	for _, tc := range calls {
		if tc.ToolName != agent.DelegateToolName {
			b.WriteString(chatToolStyle.Render("⚡ "+tc.ToolName) + " " + chatHelpStyle.Render(compactArgs(tc.Args)) + "\n")
			continue
		}

		sub := delegateTarget(tc.Args)
		b.WriteString(chatToolStyle.Render("↳ "+sub) + "\n")

		var nested strings.Builder
		r.render(&nested, chunk.Key{Agent: sub, Thread: chunk.NestedThread(key.Thread, tc.ToolCallID)})
		if nested.Len() > 0 {
			b.WriteString(chatNestedStyle.Render(strings.TrimRight(nested.String(), "\n")) + "\n")
		}
	}
	b.WriteString("\n")
}

func (r *Renderer) renderToolResult(b *strings.Builder, res message.ToolResultPart) {
	if res.IsError {
		b.WriteString(chatErrorMsgStyle.Render(fmt.Sprintf("✗ %s: %s", res.ToolName, res.Result)) + "\n\n")
		return
	}
	if res.Result == "" {
		return
	}
	lines := strings.Split(strings.TrimRight(res.Result, "\n"), "\n")
	if len(lines) > maxToolOutputLines {
		more := len(lines) - maxToolOutputLines
		lines = append(lines[:maxToolOutputLines], fmt.Sprintf("… %d more lines", more))
	}
	for _, line := range lines {
		b.WriteString(chatToolOutputStyle.Render(line) + "\n")
	}
	b.WriteString("\n")
}

// markdown renders finished text through glamour. Text still streaming is
// shown plain so half-written Markdown does not jump around.
func (r *Renderer) markdown(text string, live bool) string {
	if r.md == nil || live {
		return chatAssistantMsgStyle.Render(text)
	}
	out, err := r.md.Render(text)
	if err != nil {
		return chatAssistantMsgStyle.Render(text)
	}
	return strings.Trim(out, "\n")
}

func delegateTarget(args json.RawMessage) string {
	var in struct {
		AgentID string `json:"agentId"`
	}
	_ = json.Unmarshal(args, &in)
	if in.AgentID == "" {
		return "unknown agent"
	}
	return in.AgentID
}

func compactArgs(args json.RawMessage) string {
	s := strings.TrimSpace(string(args))
	if s == "" || s == "{}" || s == "null" {
		return ""
	}
	return truncate(s, 60)
}

func truncate(s string, max int) string {
	if lipgloss.Width(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
