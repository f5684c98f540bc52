package gateway

import (
	"errors"
	"fmt"
)

// Rules raised by the gateway itself, before any handoff exists.
const (
	RuleEmptyPrompt   = "empty_prompt"
	RulePromptTooLong = "prompt_too_long"
)

// ErrUnknownSession is returned for session ids this gateway did not issue.
var ErrUnknownSession = errors.New("unknown session")

// ValidationError is a rejected spawn request. Err is the handoff or
// sanitizer error that caused it.
type ValidationError struct {
	Rule      string
	AgentType string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("spawn of %q rejected: %v", e.AgentType, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// OperationalError is an infrastructure failure: the backend, the audit log
// or a shared limiter store. These are not validation outcomes.
type OperationalError struct {
	Op  string
	Err error
}

func (e *OperationalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationalError) Unwrap() error { return e.Err }
