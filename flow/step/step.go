// Package step defines the contract between the engine and user-written
// workflow steps: the execute/validate/compensate interfaces, the tagged
// error type the retry classifier understands, and the reserved state
// keys the engine injects.
package step

import (
	"context"
	"errors"
	"fmt"
)

// Reserved state keys injected by the engine before Execute runs.
const (
	// KeyIdempotencyKey holds the attempt's idempotency key. Steps must
	// forward it to any external side-effecting call so downstream
	// services can deduplicate. If a downstream service does not dedupe
	// on this key, re-execution after a crash degrades the guarantee
	// from exactly-once to at-least-once.
	KeyIdempotencyKey = "idempotency_key"
	// KeyRetryAttempt is the 1-based attempt number.
	KeyRetryAttempt = "retry_attempt"
	// KeyMaxAttempts is the policy's attempt budget.
	KeyMaxAttempts = "max_attempts"
)

// Step is a single unit of work inside a workflow.
//
// Execute receives the workflow state and returns the new state. Errors
// should be *Error values carrying a classification tag; other errors
// are classified by their message. Execute must read KeyIdempotencyKey
// from state and forward it to external side-effecting calls.
type Step interface {
	Name() string
	Execute(ctx context.Context, state map[string]any) (map[string]any, error)
}

// Validator is an optional fast-fail precheck. When a step implements
// it, the engine calls Validate before Execute and treats a validation
// error as a step failure without invoking Execute.
type Validator interface {
	Validate(state map[string]any) error
}

// Compensator is implemented by saga steps. Compensate undoes the
// observable effects of a previously successful Execute.
type Compensator interface {
	Compensate(ctx context.Context, state map[string]any) error
}

// Error is a step failure with a classification tag. The retry engine
// uses the tag to decide between retrying and short-circuiting.
type Error struct {
	// Tag classifies the failure: "timeout", "validation_error", ...
	Tag string
	// Message is the human-readable description.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// NewError creates a tagged step error.
func NewError(tag, message string) *Error {
	return &Error{Tag: tag, Message: message}
}

// Errorf creates a tagged step error with a formatted message.
func Errorf(tag, format string, args ...any) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a tagged step error around a cause.
func Wrap(tag string, cause error) *Error {
	return &Error{Tag: tag, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e.Message != "" && e.Message != e.Tag {
		return e.Tag + ": " + e.Message
	}
	return e.Tag
}

func (e *Error) Unwrap() error { return e.Cause }

// TagOf extracts the classification tag from an error: the Tag of the
// outermost *Error in the chain, or the bare message otherwise.
func TagOf(err error) string {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Tag
	}
	return err.Error()
}

// Func adapts a plain function into a Step, for tests and small inline
// steps.
type Func struct {
	StepName string
	Fn       func(ctx context.Context, state map[string]any) (map[string]any, error)
}

func (f Func) Name() string { return f.StepName }

func (f Func) Execute(ctx context.Context, state map[string]any) (map[string]any, error) {
	return f.Fn(ctx, state)
}
