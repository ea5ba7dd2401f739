// Package textgen runs a multi-step text generation against a provider,
// executing tool calls between steps and reporting progress as chunks.
package textgen

import (
	"context"
	"log/slog"

	"github.com/eachlabs/vaultagent/internal/chunk"
	"github.com/eachlabs/vaultagent/internal/message"
	"github.com/eachlabs/vaultagent/internal/provider"
	"github.com/eachlabs/vaultagent/internal/tool"
)

// Settings bound a generation. Zero fields take the DefaultSettings
// value, so retries are turned off with a negative MaxRetries.
type Settings struct {
	MaxSteps   int
	MaxRetries int
	MaxTokens  int
}

// DefaultSettings returns 20 steps, 2 retries and 8000 tokens.
func DefaultSettings() Settings {
	return Settings{MaxSteps: 20, MaxRetries: 2, MaxTokens: 8000}
}

// withDefaults fills zero fields from DefaultSettings. A negative
// MaxRetries disables retries.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxSteps <= 0 {
		s.MaxSteps = d.MaxSteps
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = d.MaxRetries
	} else if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = d.MaxTokens
	}
	return s
}

// Request describes one generation.
type Request struct {
	Provider provider.Provider
	Model    string
	System   string
	Messages []message.Message
	Tools    *tool.Registry
	Settings Settings

	Logger  *slog.Logger
	Metrics *Metrics
}

// Step summarizes one model round trip.
type Step struct {
	MessageID   string
	Text        string
	ToolCalls   []message.ToolCallPart
	ToolResults []message.ToolResultPart
	Reason      string
	Usage       chunk.Usage
}

// Result is the aggregate of a finished generation.
type Result struct {
	// Text of the last step.
	Text         string
	Steps        []Step
	Usage        chunk.Usage
	FinishReason string

	// Messages produced by the generation, without the request messages.
	// Failed tool calls are answered by error tool messages.
	Messages []message.Message
}

// Stream is a generation in progress.
type Stream struct {
	chunks chan chunk.Chunk
	done   chan struct{}

	result *Result
	err    error
}

// Chunks returns the ordered chunk sequence. It is closed when the
// generation ends; a successful generation ends with a Finish chunk. The
// sequence can be consumed once.
func (s *Stream) Chunks() <-chan chunk.Chunk {
	return s.chunks
}

// Wait blocks until the generation ends and returns its result. Chunks not
// yet received are discarded.
func (s *Stream) Wait() (*Result, error) {
	for range s.chunks {
	}
	<-s.done
	return s.result, s.err
}

// StreamText starts a generation. Chunks must be received, or Wait called,
// for the generation to make progress.
func StreamText(ctx context.Context, req Request) *Stream {
	s := &Stream{
		chunks: make(chan chunk.Chunk),
		done:   make(chan struct{}),
	}

	r := newRunner(req, s.chunks)
	go func() {
		defer close(s.done)
		s.result, s.err = r.run(ctx)
		close(s.chunks)
	}()

	return s
}

// GenerateText runs a generation to completion.
func GenerateText(ctx context.Context, req Request) (*Result, error) {
	return StreamText(ctx, req).Wait()
}
