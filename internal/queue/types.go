// Package queue is the durable, concurrency-bounded download queue. It owns
// the queue store and the registry of live worker processes, starts and
// cancels workers, and reconciles records whose worker has died.
package queue

import (
	"time"

	"github.com/arcmirror/arcmirror/internal/library"
)

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Messages written into Item.Error by the manager.
const (
	MsgCancelled         = "cancelled by user"
	MsgTerminated        = "process terminated unexpectedly"
	MsgAlreadyInProgress = "already in progress"
)

// Item is one retrieval job.
type Item struct {
	ID           int64      `json:"id"`
	Identifier   string     `json:"identifier"`
	Title        string     `json:"title"`
	MediaType    string     `json:"mediaType"`
	File         string     `json:"file,omitempty"`
	IsDerivative bool       `json:"isDerivative"`
	Status       Status     `json:"status"`
	Progress     *int       `json:"progress,omitempty"`
	BytesDone    int64      `json:"bytesDone,omitempty"`
	Error        string     `json:"error,omitempty"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Version      int64      `json:"version"`
}

// Active reports whether the record holds a concurrency slot.
func (i Item) Active() bool {
	return i.Status == StatusDownloading
}

// DestinationPath is cacheRoot/folderFor(mediaType)/identifier/file.
func (i Item) DestinationPath(cacheRoot string) (string, error) {
	dir, err := library.ItemDir(cacheRoot, i.MediaType, i.Identifier)
	if err != nil {
		return "", err
	}
	if i.File == "" {
		return dir, nil
	}
	return library.ResolveInside(dir, i.File)
}

// EnqueueRequest describes a job to add to the queue.
type EnqueueRequest struct {
	Identifier   string `json:"identifier"`
	Title        string `json:"title"`
	File         string `json:"file"`
	MediaType    string `json:"mediaType"`
	IsDerivative bool   `json:"isDerivative"`
}
