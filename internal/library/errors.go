package library

import (
	"errors"
	"fmt"
)

// ErrNoCacheRoot is returned when no library root is configured.
var ErrNoCacheRoot = errors.New("cache root is not configured")

// FileSystemError reports a disk I/O failure on a library path.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }

// PathError reports an origin-supplied path that is unsafe to write.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", e.Path, e.Reason)
}
