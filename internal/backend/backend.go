// Package backend starts agent sessions on behalf of the gateway.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend creates and tracks isolated agent sessions.
type Backend interface {
	// Spawn starts an agent and returns its session id. With waitForReady it
	// returns only once the session produced output or exited.
	Spawn(ctx context.Context, agentType, taskID, prompt string, waitForReady bool) (string, error)
	// Wait reports whether every session finished within timeout. A timeout
	// is not an error.
	Wait(ctx context.Context, sessionIDs []string, timeout, poll time.Duration) bool
	// Result returns the captured output of a session.
	Result(sessionID string) (string, bool)
	// Cleanup terminates all sessions and releases their resources.
	Cleanup(ctx context.Context) error
}

// Status of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether the session will not change state again.
func (s Status) Finished() bool { return s != StatusRunning }

// ErrUnknownSession is returned for ids the backend never issued.
var ErrUnknownSession = errors.New("unknown session")

// SpawnError is an operational failure to start a session.
type SpawnError struct {
	AgentType string
	Op        string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.AgentType, e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
