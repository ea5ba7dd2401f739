package commands

import (
	"fmt"
	"io"
	"sync"

	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/message"
)

// textPrinter writes the assistant text of one conversation to w as it
// streams in. Delegated conversations are announced once each.
type textPrinter struct {
	w   io.Writer
	reg *chunk.Registry

	mu      sync.Mutex
	key     chunk.Key
	msgID   string
	printed int
	seen    map[chunk.Key]bool
}

func newTextPrinter(w io.Writer, reg *chunk.Registry) *textPrinter {
	return &textPrinter{w: w, reg: reg, seen: make(map[chunk.Key]bool)}
}

// Watch starts printing the conversation of key. Text already in its
// transcript is skipped.
func (p *textPrinter) Watch(key chunk.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.msgID, p.printed = "", 0
	if proc, ok := p.reg.Lookup(key); ok {
		if msgs := proc.Transcript(); len(msgs) > 0 && msgs[len(msgs)-1].Role == message.RoleAssistant {
			last := msgs[len(msgs)-1]
			text, _ := last.Text()
			p.msgID, p.printed = last.ID, len(text)
		}
	}
}

// Notify has the signature of chat.Config.OnUpdate.
func (p *textPrinter) Notify(key chunk.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key != p.key {
		if key.Agent != p.key.Agent && !p.seen[key] {
			p.seen[key] = true
			fmt.Fprintf(p.w, "\n  ↳ %s is working...\n", key.Agent)
		}
		return
	}

	proc, ok := p.reg.Lookup(key)
	if !ok {
		return
	}
	msgs := proc.Transcript()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != message.RoleAssistant {
		return
	}

	text, _ := last.Text()
	if last.ID != p.msgID {
		if p.msgID != "" && p.printed > 0 {
			fmt.Fprintln(p.w)
		}
		p.msgID, p.printed = last.ID, 0
	}
	if len(text) > p.printed {
		fmt.Fprint(p.w, text[p.printed:])
		p.printed = len(text)
	}
}
