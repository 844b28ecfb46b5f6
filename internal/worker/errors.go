package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arcmirror/arcmirror/internal/library"
	"github.com/arcmirror/arcmirror/internal/origin"
)

// Process exit codes understood by the queue manager.
const (
	ExitOK          = 0
	ExitGeneral     = 1
	ExitUsage       = 2
	ExitMetadata    = 3
	ExitPath        = 4
	ExitDownload    = 5
	ExitInterrupted = 130
)

// ErrStalled is the cancellation cause used when a body read makes no
// progress within the stall timeout.
var ErrStalled = errors.New("download stalled")

// UsageError reports invalid worker arguments.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

// FileError reports one file that could not be retrieved.
type FileError struct {
	Name string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// BatchError collects the per-file failures of a batch run.
type BatchError struct {
	Failures []*FileError
}

func (e *BatchError) Error() string {
	if len(e.Failures) == 1 {
		return e.Failures[0].Error()
	}
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Name)
	}
	return fmt.Sprintf("%d files failed: %s", len(e.Failures), strings.Join(names, ", "))
}

// ExitCode maps a Run error to the process exit code.
func ExitCode(err error) int {
	var (
		usageErr *UsageError
		mdErr    *origin.MetadataError
		pathErr  *library.PathError
		fileErr  *FileError
		batchErr *BatchError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &usageErr):
		return ExitUsage
	case errors.As(err, &pathErr):
		return ExitPath
	case errors.As(err, &mdErr), errors.Is(err, errMetadataFetch):
		return ExitMetadata
	case errors.As(err, &fileErr), errors.As(err, &batchErr):
		return ExitDownload
	default:
		return ExitGeneral
	}
}

var errMetadataFetch = errors.New("metadata unavailable")
