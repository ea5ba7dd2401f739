package chunk

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Key identifies a conversation: which agent is talking on which thread.
type Key struct {
	Agent  string
	Thread string
}

func (k Key) String() string {
	return k.Agent + "@" + k.Thread
}

// NestedThread returns the thread key used for a delegation made from
// parent by tool call toolCallID.
func NestedThread(parent, toolCallID string) string {
	return parent + "/" + toolCallID
}

// Registry owns the processors of every conversation. Processors are
// created on first use and live until the registry is dropped.
type Registry struct {
	mu         sync.Mutex
	log        *slog.Logger
	processors map[Key]*Processor
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log,
		processors: make(map[Key]*Processor),
	}
}

// Get returns the processor for key, creating it if needed.
func (r *Registry) Get(key Key) *Processor {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processors[key]
	if !ok {
		p = NewProcessor(r.log.With("agent", key.Agent, "thread", key.Thread))
		r.processors[key] = p
	}
	return p
}

// Lookup returns the processor for key without creating one.
func (r *Registry) Lookup(key Key) (*Processor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processors[key]
	return p, ok
}

// Keys returns every known key, sorted by thread then agent.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]Key, 0, len(r.processors))
	for k := range r.processors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Thread != keys[j].Thread {
			return keys[i].Thread < keys[j].Thread
		}
		return keys[i].Agent < keys[j].Agent
	})
	return keys
}

// Nested returns the keys of delegations made on thread, at any depth.
func (r *Registry) Nested(thread string) []Key {
	prefix := thread + "/"
	var nested []Key
	for _, k := range r.Keys() {
		if strings.HasPrefix(k.Thread, prefix) {
			nested = append(nested, k)
		}
	}
	return nested
}

// ResetThread resets every processor of thread, including the processors
// of nested delegations.
func (r *Registry) ResetThread(thread string) {
	prefix := thread + "/"

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, p := range r.processors {
		if k.Thread == thread || strings.HasPrefix(k.Thread, prefix) {
			p.Reset()
		}
	}
}

// FinalizeThread closes any message under construction on thread and its
// nested delegations.
func (r *Registry) FinalizeThread(thread string) {
	prefix := thread + "/"

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, p := range r.processors {
		if k.Thread == thread || strings.HasPrefix(k.Thread, prefix) {
			p.Finalize()
		}
	}
}
