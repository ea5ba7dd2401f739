package agent

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies agent failures so callers can branch without parsing
// messages.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAgentNotFound Kind = "agent_not_found"
	KindCancelled     Kind = "cancelled"
	KindTransport     Kind = "transport"
)

// Sentinels matching every Error of the corresponding kind via errors.Is.
var (
	ErrValidation    = errors.New("context validation failed")
	ErrAgentNotFound = errors.New("agent not found")
	ErrCancelled     = errors.New("request cancelled")
)

// Error is a categorized agent failure.
type Error struct {
	Kind    Kind
	Agent   string // agent the failure concerns
	Message string
	Err     error
}

func newError(kind Kind, agent string, err error, format string, a ...any) *Error {
	return &Error{
		Kind:    kind,
		Agent:   agent,
		Message: fmt.Sprintf(format, a...),
		Err:     err,
	}
}

// NotFound reports that no agent is registered under name.
func NotFound(name string) error {
	return newError(KindAgentNotFound, name, nil, "agent not found: %s", name)
}

// Cancelled reports that the run of the named agent was cut short.
func Cancelled(name string, cause error) error {
	return cancelledError(name, cause)
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAgentNotFound:
		return e.Kind == KindAgentNotFound
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain. A bare
// context cancellation counts as KindCancelled; anything else unknown is
// reported as "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isCancellation(err) {
		return KindCancelled
	}
	return ""
}

// IsCancelled reports whether err describes a cancelled request.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cancelledError names the agent whose run was cut short.
func cancelledError(agent string, cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return newError(KindCancelled, agent, cause, "agent %s cancelled", agent)
}
