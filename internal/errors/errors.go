// Package errors defines the failure taxonomy shared by the scheduler, the
// reaction state machine, and the agent (see the error handling design).
// Kinds are carried on a wrapped error rather than distinguished by string
// matching, so callers use errors.As/errors.Is.
package errors

import (
	"errors"
	"fmt"

	"github.com/awslabs/operatorpkg/serrors"
)

// Code enumerates the failure kinds a reaction or stage can surface.
type Code string

const (
	// CodeTransientInfra covers backend RPC failures and storage timeouts.
	// Recovered locally: the scheduler retries the call on its next tick, at
	// the fixed tick period with no backoff; the stage stays Running.
	CodeTransientInfra Code = "TransientInfra"
	// CodeWorkerLost covers heartbeat timeout or pod eviction.
	CodeWorkerLost Code = "WorkerLost"
	// CodeToolFailure covers a non-zero exit or a resource-budget violation.
	CodeToolFailure Code = "ToolFailure"
	// CodeBadOutput covers malformed tags, a missing required results path,
	// or non-hash-addressable children.
	CodeBadOutput Code = "BadOutput"
	// CodeBanned means the image or pipeline is banned at admission time.
	CodeBanned Code = "Banned"
	// CodeSlaExpired is a terminal reaction failure: wall clock exceeded the
	// reaction deadline.
	CodeSlaExpired Code = "SlaExpired"
	// CodeSleepTimeout is a terminal reaction failure: a sleeping stage's
	// wake deadline expired before its predicate fired.
	CodeSleepTimeout Code = "SleepTimeout"
	// CodeConfigInvalid means an image or pipeline definition violates an
	// invariant, detected when a reaction is created against it (definitions
	// are not validated when registered), or that a reaction transition was
	// attempted from the wrong state.
	CodeConfigInvalid Code = "ConfigInvalid"
)

// Retryable kinds do not fail the reaction outright: reaction.FailImage
// re-queues the image to Created while the stage's retry budget lasts.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransientInfra, CodeWorkerLost:
		return true
	default:
		return false
	}
}

// Terminal kinds always drive the reaction toward a terminal Failed state.
func (c Code) Terminal() bool {
	switch c {
	case CodeBadOutput, CodeSlaExpired, CodeSleepTimeout, CodeConfigInvalid:
		return true
	default:
		return false
	}
}

// Error is a classified, user-facing failure: a stable code plus a human
// message, wrapping the underlying cause when one exists.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with no underlying cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap classifies an underlying error under the given code. The cause is
// first run through serrors.Wrap so the code travels with the error chain
// as a structured key, the same way the batcher and EC2NodeClass status
// code attach instance/capacity-reservation context to a wrapped AWS error.
func Wrap(code Code, msg string, err error) *Error {
	if err != nil {
		err = serrors.Wrap(err, "code", string(code))
	}
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the Code carried by err, if any was attached via this
// package's constructors anywhere in its chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// RetryOnceOnExit reports whether a tool's exit code indicates a signal or
// OOM kill (exit code >= 128), which the taxonomy retries exactly once
// before treating the stage as a terminal ToolFailure.
func RetryOnceOnExit(exitCode int) bool {
	return exitCode >= 128
}
