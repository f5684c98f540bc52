package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyName is returned when an agent entry has no name.
	ErrEmptyName = errors.New("agent name must not be empty")

	// ErrDuplicateAgent is returned when two entries share a name.
	ErrDuplicateAgent = errors.New("duplicate agent")

	// ErrUnknownTarget is returned when the matrix names an unregistered agent.
	ErrUnknownTarget = errors.New("capability matrix references unknown agent")

	// ErrMatrixMismatch matches every *MatrixMismatchError via errors.Is.
	ErrMatrixMismatch = errors.New("agent registry and capability matrix key sets differ")
)

// MatrixMismatchError reports the names present in only one of the registry
// and the capability matrix.
type MatrixMismatchError struct {
	MissingFromMatrix []string
	UnknownInMatrix   []string
}

func (e *MatrixMismatchError) Error() string {
	var parts []string
	if len(e.MissingFromMatrix) > 0 {
		parts = append(parts, "agents without a capability entry: "+strings.Join(e.MissingFromMatrix, ", "))
	}
	if len(e.UnknownInMatrix) > 0 {
		parts = append(parts, "capability entries without an agent: "+strings.Join(e.UnknownInMatrix, ", "))
	}
	return fmt.Sprintf("%s (%s)", ErrMatrixMismatch, strings.Join(parts, "; "))
}

func (e *MatrixMismatchError) Is(target error) bool {
	return target == ErrMatrixMismatch
}
