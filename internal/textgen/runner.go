package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/message"
	"github.com/eachlabs/vaultagent/internal/provider"
	"github.com/eachlabs/vaultagent/internal/tool"
)

// ReasonMaxSteps finishes a generation that still had tool calls to answer
// when it ran out of steps.
const ReasonMaxSteps = "max_steps"

// newBackOff is replaced in tests.
var newBackOff = func() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

type runner struct {
	req      Request
	settings Settings
	log      *slog.Logger
	out      chan<- chunk.Chunk

	// proc mirrors the emitted chunks and yields the response messages.
	proc *chunk.Processor
	defs []provider.ToolDefinition
}

func newRunner(req Request, out chan<- chunk.Chunk) *runner {
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}

	tools := req.Tools.All()
	defs := make([]provider.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		}
	}

	return &runner{
		req:      req,
		settings: req.Settings.withDefaults(),
		log:      log,
		out:      out,
		proc:     chunk.NewProcessor(log),
		defs:     defs,
	}
}

// emit records c and hands it to the consumer. It reports false when ctx
// ends first.
func (r *runner) emit(ctx context.Context, c chunk.Chunk) bool {
	r.proc.AppendChunk(c)
	select {
	case r.out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// cancelled returns the error to report when ctx has ended, wrapping cause
// if it already describes the cancellation.
func cancelled(ctx context.Context, cause error) error {
	if cause != nil && (errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)) {
		return cause
	}
	return fmt.Errorf("generation cancelled: %w", ctx.Err())
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	if r.req.Provider == nil {
		return nil, fmt.Errorf("no provider configured")
	}
	if len(r.req.Messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	result := &Result{}

	for n := 1; ; n++ {
		step, err := r.step(ctx, n)
		if step != nil {
			result.Steps = append(result.Steps, *step)
			result.Usage = result.Usage.Add(step.Usage)
		}
		if err != nil {
			result.Messages = r.proc.Transcript()
			return result, err
		}

		if len(step.ToolCalls) == 0 {
			result.FinishReason = step.Reason
			break
		}
		if n >= r.settings.MaxSteps {
			result.FinishReason = ReasonMaxSteps
			break
		}
	}

	last := result.Steps[len(result.Steps)-1]
	result.Text = last.Text
	result.Messages = r.proc.Transcript()

	if !r.emit(ctx, chunk.Finish{Reason: result.FinishReason, Usage: result.Usage}) {
		return result, cancelled(ctx, nil)
	}
	return result, nil
}

// step runs one model round trip plus the tool calls it requested.
func (r *runner) step(ctx context.Context, n int) (*Step, error) {
	history := append(message.CloneAll(r.req.Messages), r.proc.Transcript()...)
	preq := &provider.ChatRequest{
		Model:     r.req.Model,
		System:    r.req.System,
		Messages:  history,
		Tools:     r.defs,
		MaxTokens: r.settings.MaxTokens,
	}

	st, err := r.open(ctx, preq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx, err)
		}
		r.emit(ctx, chunk.Error{Err: err})
		return nil, fmt.Errorf("step %d: %w", n, err)
	}

	step := &Step{MessageID: st.messageID}
	if step.MessageID == "" {
		step.MessageID = "msg-" + uuid.New().String()
	}
	if !r.emit(ctx, chunk.StepStart{MessageID: step.MessageID}) {
		return nil, cancelled(ctx, nil)
	}

	var (
		text      strings.Builder
		calls     []provider.ToolCall
		streamErr error
	)
	for ev, ok := st.next(); ok; ev, ok = st.next() {
		var c chunk.Chunk
		switch ev.Type {
		case provider.EventStart:
			continue
		case provider.EventText:
			text.WriteString(ev.Text)
			c = chunk.TextDelta{Delta: ev.Text}
		case provider.EventToolUse:
			calls = append(calls, *ev.ToolUse)
			c = chunk.ToolCall{
				ToolCallID: ev.ToolUse.ID,
				ToolName:   ev.ToolUse.Name,
				Args:       ev.ToolUse.Input,
			}
		case provider.EventStop:
			step.Reason = ev.StopReason
			step.Usage = chunk.Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
			continue
		case provider.EventError:
			streamErr = ev.Error
			continue
		default:
			c = chunk.Unknown{Type: ev.Type}
		}
		if !r.emit(ctx, c) {
			return step, cancelled(ctx, nil)
		}
	}
	step.Text = text.String()

	if ctx.Err() != nil {
		r.proc.Finalize()
		return step, cancelled(ctx, streamErr)
	}
	if streamErr != nil {
		r.emit(ctx, chunk.Error{Err: streamErr})
		return step, fmt.Errorf("step %d: %w", n, streamErr)
	}

	providerName := r.req.Provider.Name()
	r.req.Metrics.step(providerName, step.Reason)
	r.req.Metrics.usage(providerName, step.Usage.InputTokens, step.Usage.OutputTokens)

	for _, tc := range calls {
		step.ToolCalls = append(step.ToolCalls, message.ToolCallPart{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Args:       tc.Input,
		})
	}

	// The assistant message is complete once its tool calls run.
	r.proc.Finalize()
	for _, tc := range calls {
		c, err := r.execute(ctx, tc)
		if err != nil {
			return step, err
		}
		if !r.emit(ctx, c) {
			return step, cancelled(ctx, nil)
		}
		switch c := c.(type) {
		case chunk.ToolResult:
			step.ToolResults = append(step.ToolResults, message.ToolResultPart{
				ToolCallID: c.ToolCallID, ToolName: c.ToolName, Result: c.Result, IsError: c.IsError,
			})
		case chunk.Error:
			step.ToolResults = append(step.ToolResults, message.ToolResultPart{
				ToolCallID: c.ToolCallID, ToolName: c.ToolName, Result: c.Message(), IsError: true,
			})
		}
	}

	continued := len(calls) > 0 && n < r.settings.MaxSteps
	if !r.emit(ctx, chunk.StepFinish{Reason: step.Reason, Usage: step.Usage, Continued: continued}) {
		return step, cancelled(ctx, nil)
	}
	return step, nil
}

// execute runs one tool call. Tool failures become an error chunk for the
// call; only cancellation is returned as an error.
func (r *runner) execute(ctx context.Context, tc provider.ToolCall) (chunk.Chunk, error) {
	t, ok := r.req.Tools.Get(tc.Name)
	if !ok {
		r.req.Metrics.toolCall(tc.Name, "unknown")
		return chunk.ToolResult{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Result:     fmt.Sprintf("unknown tool: %s", tc.Name),
			IsError:    true,
		}, nil
	}

	opts := tool.Options{
		ToolCallID: tc.ID,
		Messages:   append(message.CloneAll(r.req.Messages), r.proc.Transcript()...),
	}

	r.log.Debug("executing tool", "tool", tc.Name, "tool_call_id", tc.ID)
	res, err := t.Execute(ctx, tc.Input, opts)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			r.req.Metrics.toolCall(tc.Name, "cancelled")
			return nil, cancelled(ctx, err)
		}
		r.log.Warn("tool execution failed", "tool", tc.Name, "tool_call_id", tc.ID, "error", err)
		r.req.Metrics.toolCall(tc.Name, "error")
		return chunk.Error{ToolCallID: tc.ID, ToolName: tc.Name, Err: err}, nil
	}
	if res == nil {
		res = &tool.Result{}
	}

	outcome := "ok"
	if res.IsError {
		outcome = "error_result"
	}
	r.req.Metrics.toolCall(tc.Name, outcome)

	return chunk.ToolResult{
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Result:     res.Content,
		IsError:    res.IsError,
	}, nil
}

// openStep is a provider response whose first content event has arrived.
type openStep struct {
	messageID string
	head      []provider.StreamEvent
	rest      <-chan provider.StreamEvent
}

func (s *openStep) next() (provider.StreamEvent, bool) {
	if len(s.head) > 0 {
		ev := s.head[0]
		s.head = s.head[1:]
		return ev, true
	}
	if s.rest == nil {
		return provider.StreamEvent{}, false
	}
	ev, ok := <-s.rest
	return ev, ok
}

// open starts the provider stream for a step. Failures before the first
// content event are retried with exponential backoff; once content has
// arrived the step is committed.
func (r *runner) open(ctx context.Context, preq *provider.ChatRequest) (*openStep, error) {
	providerName := r.req.Provider.Name()

	op := func() (*openStep, error) {
		events, err := r.req.Provider.Stream(ctx, preq)
		if err != nil {
			return nil, err
		}

		st := &openStep{}
		for ev := range events {
			switch ev.Type {
			case provider.EventError:
				return nil, ev.Error
			case provider.EventStart:
				st.messageID = ev.MessageID
				continue
			}
			st.head = append(st.head, ev)
			st.rest = events
			return st, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		// Closed without content or a stop event.
		return st, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(uint(r.settings.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("retrying step", "provider", providerName, "error", err, "backoff", next)
			r.req.Metrics.retry(providerName)
		}),
	)
}
