// Package worker retrieves the files of one origin item into the local
// mirror. It runs inside the arcmirror-worker process: progress goes to
// stdout, human-readable failures go to stderr and the outcome is the
// process exit code.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/library"
	"github.com/arcmirror/arcmirror/internal/origin"
)

const partSuffix = ".part"

// Client is the origin surface the worker needs.
type Client interface {
	FetchMetadata(ctx context.Context, identifier string) (*origin.Metadata, []byte, error)
	OpenFile(ctx context.Context, identifier, name string) (*http.Response, error)
}

// Job describes one worker invocation. An empty File selects batch mode.
type Job struct {
	Identifier string
	DestRoot   string
	MediaType  string
	File       string
}

// ParseArgs reads the positional arguments
// (identifier, destRoot, mediaType, [file]).
func ParseArgs(args []string) (Job, error) {
	if len(args) < 3 || len(args) > 4 {
		return Job{}, &UsageError{Message: "usage: arcmirror-worker <identifier> <destRoot> <mediaType> [file]"}
	}
	job := Job{
		Identifier: strings.TrimSpace(args[0]),
		DestRoot:   args[1],
		MediaType:  strings.TrimSpace(args[2]),
	}
	if len(args) == 4 {
		job.File = args[3]
	}
	if job.Identifier == "" {
		return Job{}, &UsageError{Message: "identifier is required"}
	}
	if job.DestRoot == "" {
		return Job{}, &UsageError{Message: "destination root is required"}
	}
	return job, nil
}

// Result summarizes a run.
type Result struct {
	ItemDir     string
	Downloaded  []string
	Skipped     []string
	Derivatives []string
	Rejected    []string
}

// Worker downloads item files with stall detection and partial-file cleanup.
type Worker struct {
	client           Client
	out              io.Writer
	stallTimeout     time.Duration
	progressInterval time.Duration
	logger           zerolog.Logger

	mu       sync.Mutex
	partials map[string]struct{}
}

// New creates a worker that writes progress lines to out.
func New(client Client, cfg config.WorkerConfig, out io.Writer, logger zerolog.Logger) *Worker {
	stall := cfg.StallTimeout
	if stall <= 0 {
		stall = 60 * time.Second
	}
	return &Worker{
		client:           client,
		out:              out,
		stallTimeout:     stall,
		progressInterval: cfg.ProgressInterval,
		logger:           logger,
		partials:         make(map[string]struct{}),
	}
}

// Run executes job. Batch mode records per-file failures and continues;
// single-file mode aborts on the first problem.
func (w *Worker) Run(ctx context.Context, job Job) (*Result, error) {
	md, raw, err := w.client.FetchMetadata(ctx, job.Identifier)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var mdErr *origin.MetadataError
		if errors.As(err, &mdErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errMetadataFetch, err)
	}

	mediaType := job.MediaType
	if mediaType == "" {
		mediaType = string(md.Metadata.MediaType)
	}
	itemDir, err := library.ItemDir(job.DestRoot, mediaType, job.Identifier)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		return nil, &library.FileSystemError{Op: "create item directory", Path: itemDir, Err: err}
	}
	if err := library.WriteSnapshot(itemDir, raw); err != nil {
		return nil, fmt.Errorf("write metadata snapshot: %w", err)
	}

	result := &Result{ItemDir: itemDir}
	if job.File != "" {
		return result, w.runSingle(ctx, job, md, itemDir, result)
	}
	return result, w.runBatch(ctx, job, md, itemDir, result)
}

func (w *Worker) runSingle(ctx context.Context, job Job, md *origin.Metadata, itemDir string, result *Result) error {
	f, declared := md.FindFile(job.File)
	if !declared {
		f = origin.File{Name: job.File}
	}

	skipped, err := w.fetchFile(ctx, job.Identifier, itemDir, f, declared)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if skipped {
		result.Skipped = append(result.Skipped, f.Name)
	} else {
		result.Downloaded = append(result.Downloaded, f.Name)
	}
	return nil
}

func (w *Worker) runBatch(ctx context.Context, job Job, md *origin.Metadata, itemDir string, result *Result) error {
	var failures []*FileError

	for _, f := range md.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if library.IsDerivative(f) {
			result.Derivatives = append(result.Derivatives, f.Name)
			continue
		}

		skipped, err := w.fetchFile(ctx, job.Identifier, itemDir, f, true)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var pathErr *library.PathError
			if errors.As(err, &pathErr) {
				w.logger.Warn().Str("file", f.Name).Msg(pathErr.Error())
				result.Rejected = append(result.Rejected, f.Name)
				continue
			}
			var fileErr *FileError
			if !errors.As(err, &fileErr) {
				fileErr = &FileError{Name: f.Name, Err: err}
			}
			w.logger.Error().Msg(fileErr.Error())
			failures = append(failures, fileErr)
			continue
		}

		if skipped {
			result.Skipped = append(result.Skipped, f.Name)
		} else {
			result.Downloaded = append(result.Downloaded, f.Name)
		}
	}

	if len(failures) > 0 {
		return &BatchError{Failures: failures}
	}
	return nil
}

// fetchFile resolves f inside itemDir and downloads it unless a file of the
// declared size is already present.
func (w *Worker) fetchFile(ctx context.Context, identifier, itemDir string, f origin.File, checkSize bool) (bool, error) {
	dest, err := library.ResolveInside(itemDir, f.Name)
	if err != nil {
		return false, err
	}

	if checkSize {
		if st, err := os.Stat(dest); err == nil && st.Mode().IsRegular() && st.Size() == int64(f.Size) {
			return true, nil
		}
	}

	if err := w.download(ctx, identifier, f.Name, dest); err != nil {
		return false, &FileError{Name: f.Name, Err: err}
	}
	return false, nil
}

func (w *Worker) download(ctx context.Context, identifier, name, dest string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := w.client.OpenFile(ctx, identifier, name)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	part := dest + partSuffix
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.track(part)
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(part)
		}
		w.untrack(part)
	}()

	watchdog := time.AfterFunc(w.stallTimeout, func() { cancel(ErrStalled) })
	defer watchdog.Stop()

	reporter := newProgressReporter(w.out, resp.ContentLength, w.progressInterval)
	body := &stallReader{r: resp.Body, timer: watchdog, timeout: w.stallTimeout}

	n, err := io.Copy(out, io.TeeReader(body, reporter))
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			if errors.Is(cause, ErrStalled) {
				err = fmt.Errorf("%w: no data for %s", ErrStalled, w.stallTimeout)
			} else {
				err = cause
			}
		}
		return err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		err = fmt.Errorf("short body: received %d of %d bytes", n, resp.ContentLength)
		return err
	}

	if err = out.Sync(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err = os.Rename(part, dest); err != nil {
		return err
	}

	reporter.Finish()
	return nil
}

// Cleanup removes every partial file still being written. It is called from
// the interrupt and panic paths of the worker binary.
func (w *Worker) Cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for part := range w.partials {
		_ = os.Remove(part)
		delete(w.partials, part)
	}
}

func (w *Worker) track(part string) {
	w.mu.Lock()
	w.partials[part] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) untrack(part string) {
	w.mu.Lock()
	delete(w.partials, part)
	w.mu.Unlock()
}

// stallReader pushes the watchdog back every time data arrives.
type stallReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.timer.Reset(s.timeout)
	}
	return n, err
}
