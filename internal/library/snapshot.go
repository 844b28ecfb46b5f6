package library

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/arcmirror/arcmirror/internal/origin"
)

// SnapshotName is the metadata snapshot file kept in every item directory.
const SnapshotName = "metadata.json"

// ErrNoSnapshot is returned when an item directory has no snapshot.
var ErrNoSnapshot = errors.New("no metadata snapshot")

// SnapshotPath returns the snapshot location for an item directory.
func SnapshotPath(itemDir string) string {
	return filepath.Join(itemDir, SnapshotName)
}

// WriteSnapshot stores the raw origin metadata document in itemDir.
func WriteSnapshot(itemDir string, raw []byte) error {
	return AtomicWriteFile(SnapshotPath(itemDir), raw, 0o644)
}

// ReadSnapshot loads and parses the snapshot of an item directory.
func ReadSnapshot(itemDir, identifier string) (*origin.Metadata, error) {
	path := SnapshotPath(itemDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, &FileSystemError{Op: "read snapshot", Path: path, Err: err}
	}
	return origin.Parse(identifier, data)
}
