package queue

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("download item not found")

// ErrShuttingDown is returned once Shutdown has started.
var ErrShuttingDown = errors.New("queue is shutting down")

// ValidationError reports bad caller input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ProcessError reports a failure to spawn or signal a worker process. The
// affected record has already been marked failed.
type ProcessError struct {
	ItemID int64
	Op     string
	Err    error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s worker for item %d: %v", e.Op, e.ItemID, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
