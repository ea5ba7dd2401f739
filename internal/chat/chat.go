// Package chat drives conversations between the user and a set of agents.
//
// A Controller owns the chunk registry. Every top-level request streams into
// the processor of (agent, thread); chunks of delegated sub-agent runs land
// in processors keyed by the sub-agent and a nested thread derived from the
// delegation tool call ids, so a front end can render them separately.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/eachlabs/vaultagent/internal/agent"
	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/message"
	"github.com/eachlabs/vaultagent/internal/session"
	"github.com/eachlabs/vaultagent/internal/textgen"
)

// DefaultThread is used when a request names no thread.
const DefaultThread = "main"

// Context is the context value handed to agents and their tools.
type Context struct {
	Vault      string `json:"vault"`
	ActiveNote string `json:"active_note,omitempty"`
	Thread     string `json:"thread,omitempty"`
}

// VaultRoot lets the vault tools operate on the vault of the request.
func (c Context) VaultRoot() string {
	return c.Vault
}

// Config holds controller configuration.
type Config struct {
	// DefaultAgent handles messages that do not address an agent.
	DefaultAgent string
	Vault        string

	// Registry defaults to a fresh registry.
	Registry *chunk.Registry

	// Sessions, when set, receives every transcript after a request.
	Sessions *session.Manager

	// OnUpdate is called after a chunk was applied to the processor of
	// key. It runs on the streaming goroutine and must not block.
	OnUpdate func(key chunk.Key)

	Logger *slog.Logger
}

// Request is one user turn.
type Request struct {
	Text       string
	Thread     string
	ActiveNote string
}

// Reply describes a finished request.
type Reply struct {
	Key    chunk.Key
	Result *textgen.Result
}

// Controller routes user messages to agents and keeps their
// conversations. Only one request runs at a time: Send cancels the request
// in flight before starting a new one.
type Controller struct {
	cfg Config
	reg *chunk.Registry
	log *slog.Logger

	mu     sync.Mutex
	agents map[string]*agent.Agent
	active *activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a controller without agents. Agents are built with
// HandleSubAgentChunk as their chunk handler and attached with SetAgents.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = chunk.NewRegistry(log)
	}
	return &Controller{
		cfg:    cfg,
		reg:    reg,
		log:    log.With("component", "chat"),
		agents: make(map[string]*agent.Agent),
	}
}

// SetAgents replaces the agents messages can be routed to.
func (c *Controller) SetAgents(agents map[string]*agent.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = make(map[string]*agent.Agent, len(agents))
	for name, a := range agents {
		c.agents[name] = a
	}
}

// Agents returns the names of the known agents, sorted.
func (c *Controller) Agents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultAgent returns the agent that handles unaddressed messages.
func (c *Controller) DefaultAgent() string {
	return c.cfg.DefaultAgent
}

// Registry returns the processors of every conversation.
func (c *Controller) Registry() *chunk.Registry {
	return c.reg
}

func (c *Controller) agent(name string) (*agent.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[name]
	return a, ok
}

// Send routes req to the addressed agent, or the default agent, and
// streams the run into the processor of (agent, thread). It blocks until
// the run ends. A run cut short by Cancel or a newer Send returns an error
// for which agent.IsCancelled reports true.
func (c *Controller) Send(ctx context.Context, req Request) (*Reply, error) {
	parsed := ParseMessage(req.Text)
	if parsed.TargetAll {
		return nil, fmt.Errorf("addressing all agents at once is not supported")
	}
	name := parsed.TargetAgent
	if name == "" {
		name = c.cfg.DefaultAgent
	}
	a, ok := c.agent(name)
	if !ok {
		return nil, agent.NotFound(name)
	}

	thread := req.Thread
	if thread == "" {
		thread = DefaultThread
	}
	key := chunk.Key{Agent: a.Name(), Thread: thread}

	runCtx, run := c.begin(ctx)
	defer c.end(run)

	// A newer request may have replaced this one while it waited.
	if err := runCtx.Err(); err != nil {
		return nil, agent.Cancelled(a.Name(), err)
	}

	proc := c.reg.Get(key)
	prompt := message.NewUser(uuid.New().String(), parsed.Content)
	history := append(proc.Transcript(), prompt)

	stream, err := a.StreamText(runCtx, agent.Args{Messages: history}, Context{
		Vault:      c.cfg.Vault,
		ActiveNote: req.ActiveNote,
		Thread:     thread,
	})
	if err != nil {
		return nil, err
	}

	proc.AppendMessage(prompt)
	c.notify(key)

	for ch := range stream.Chunks() {
		proc.AppendChunk(ch)
		c.notify(key)
	}

	res, err := stream.Wait()
	if err != nil {
		c.reg.FinalizeThread(thread)
		c.notify(key)
		if agent.IsCancelled(err) {
			c.log.Info("request cancelled", "agent", key.Agent, "thread", thread)
		} else {
			c.log.Error("request failed", "agent", key.Agent, "thread", thread, "error", err)
		}
		c.persist(thread)
		return nil, err
	}

	c.persist(thread)
	return &Reply{Key: key, Result: res}, nil
}

// begin registers a new run, cancelling and awaiting the one in flight.
func (c *Controller) begin(ctx context.Context) (context.Context, *activeRun) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.active
	c.active = run
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	return runCtx, run
}

func (c *Controller) end(run *activeRun) {
	run.cancel()
	c.mu.Lock()
	if c.active == run {
		c.active = nil
	}
	c.mu.Unlock()
	close(run.done)
}

// Cancel stops the request in flight, if any, and waits for it to wind
// down. It reports whether there was one.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	run := c.active
	c.mu.Unlock()

	if run == nil {
		return false
	}
	run.cancel()
	<-run.done
	return true
}

// Busy reports whether a request is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// HandleSubAgentChunk applies a delegated chunk to the processor of the
// sub-agent on the nested thread of its delegation path.
func (c *Controller) HandleSubAgentChunk(sc agent.SubAgentChunk) {
	key := chunk.Key{Agent: sc.AgentID, Thread: c.subThread(sc)}
	c.reg.Get(key).AppendChunk(sc.Chunk)
	c.notify(key)
}

func (c *Controller) subThread(sc agent.SubAgentChunk) string {
	thread := DefaultThread
	switch v := sc.Context.(type) {
	case Context:
		if v.Thread != "" {
			thread = v.Thread
		}
	case *Context:
		if v != nil && v.Thread != "" {
			thread = v.Thread
		}
	}

	path := sc.Path
	if len(path) == 0 {
		path = []string{sc.ToolCallID}
	}
	for _, id := range path {
		thread = chunk.NestedThread(thread, id)
	}
	return thread
}

// Clear cancels the request in flight and resets every conversation on
// thread, including nested delegations.
func (c *Controller) Clear(thread string) {
	if thread == "" {
		thread = DefaultThread
	}
	c.Cancel()
	c.reg.ResetThread(thread)

	if c.cfg.Sessions != nil {
		for _, k := range c.reg.Keys() {
			if k.Thread == thread || isNested(k.Thread, thread) {
				c.cfg.Sessions.SetThread(k.Agent, k.Thread, nil)
			}
		}
		if err := c.cfg.Sessions.ForceSave(); err != nil {
			c.log.Warn("failed to save session", "error", err)
		}
	}
	c.notify(chunk.Key{Agent: c.cfg.DefaultAgent, Thread: thread})
}

// Restore loads the transcripts of sess into the registry, replacing what
// the affected processors held.
func (c *Controller) Restore(sess *session.Session) {
	if sess == nil {
		return
	}
	for _, t := range sess.Threads {
		proc := c.reg.Get(chunk.Key{Agent: t.Agent, Thread: t.Thread})
		proc.Reset()
		for _, m := range t.Messages {
			proc.AppendMessage(m)
		}
	}
}

// persist copies the transcripts of thread into the session.
func (c *Controller) persist(thread string) {
	if c.cfg.Sessions == nil {
		return
	}
	for _, k := range c.reg.Keys() {
		if k.Thread != thread && !isNested(k.Thread, thread) {
			continue
		}
		proc, ok := c.reg.Lookup(k)
		if !ok {
			continue
		}
		c.cfg.Sessions.SetThread(k.Agent, k.Thread, proc.Transcript())
	}
	if err := c.cfg.Sessions.Save(); err != nil {
		c.log.Warn("failed to save session", "error", err)
	}
}

func (c *Controller) notify(key chunk.Key) {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(key)
	}
}

func isNested(thread, parent string) bool {
	return len(thread) > len(parent) && thread[:len(parent)+1] == parent+"/"
}

// Describe renders err the way the chat shows it to the user.
func Describe(err error) string {
	switch agent.KindOf(err) {
	case agent.KindCancelled:
		return "request cancelled"
	case agent.KindValidation:
		return "invalid request: " + err.Error()
	case agent.KindAgentNotFound:
		var e *agent.Error
		if errors.As(err, &e) {
			return fmt.Sprintf("unknown agent %q", e.Agent)
		}
	}
	return "error: " + err.Error()
}
