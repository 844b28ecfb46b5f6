package library

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile replaces path with data: it writes a temporary file in the
// same directory, syncs it, checks the written size and renames it over the
// original. Readers see either the old or the new content, never a mix.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &FileSystemError{Op: "create directory", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &FileSystemError{Op: "create temp file", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &FileSystemError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &FileSystemError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &FileSystemError{Op: "close", Path: tmpPath, Err: err}
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return &FileSystemError{Op: "verify", Path: tmpPath, Err: err}
	}
	if info.Size() != int64(len(data)) {
		return &FileSystemError{
			Op:   "verify",
			Path: tmpPath,
			Err:  fmt.Errorf("wrote %d bytes, expected %d", info.Size(), len(data)),
		}
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return &FileSystemError{Op: "chmod", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &FileSystemError{Op: "rename", Path: path, Err: err}
	}
	committed = true
	return nil
}
