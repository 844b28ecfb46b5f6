// Package maintenance audits the local mirror against declared origin
// metadata: it finds missing, corrupted and derivative files, queues
// redownloads, removes derivatives and refreshes metadata snapshots.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arcmirror/arcmirror/internal/library"
	"github.com/arcmirror/arcmirror/internal/metrics"
	"github.com/arcmirror/arcmirror/internal/origin"
	"github.com/arcmirror/arcmirror/internal/progress"
	"github.com/arcmirror/arcmirror/internal/queue"
)

const refreshParallelism = 4

// MetadataSource resolves declared item metadata.
type MetadataSource interface {
	Get(ctx context.Context, identifier string) (*origin.Metadata, error)
	Refresh(ctx context.Context, identifier string) (*origin.Metadata, []byte, error)
}

// Enqueuer accepts redownload requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Item, error)
}

// Config holds engine settings.
type Config struct {
	CacheRoot string
	HashCheck bool
}

// Engine runs maintenance passes over the cache root.
type Engine struct {
	cfg      Config
	metadata MetadataSource
	queue    Enqueuer
	progress *progress.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a maintenance engine.
func New(cfg Config, metadata MetadataSource, q Enqueuer, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		metadata: metadata,
		queue:    q,
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
}

// SetProgress enables progress activities for each pass.
func (e *Engine) SetProgress(p *progress.Manager) { e.progress = p }

// SetMetrics enables maintenance metrics.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// items lists local item directories, optionally narrowed to one identifier.
func (e *Engine) items(ctx context.Context, identifier string) ([]library.Item, error) {
	all, err := library.ScanItems(ctx, e.cfg.CacheRoot)
	if err != nil {
		return nil, err
	}
	if identifier == "" {
		return all, nil
	}
	var matched []library.Item
	for _, it := range all {
		if it.Identifier == identifier {
			matched = append(matched, it)
		}
	}
	return matched, nil
}

// declared returns the metadata for an item, preferring its local snapshot.
func (e *Engine) declared(ctx context.Context, item library.Item) (*origin.Metadata, error) {
	md, err := library.ReadSnapshot(item.Dir, item.Identifier)
	if err == nil {
		return md, nil
	}
	if !errors.Is(err, library.ErrNoSnapshot) {
		e.logger.Warn().Err(err).Str("identifier", item.Identifier).Msg("Unusable snapshot, asking origin")
	}
	if e.metadata == nil {
		return nil, err
	}
	return e.metadata.Get(ctx, item.Identifier)
}

func metadataIssue(item library.Item, err error) Issue {
	return Issue{
		Type:       IssueMetadata,
		Identifier: item.Identifier,
		Folder:     item.Folder,
		MediaType:  item.MediaType,
		Message:    err.Error(),
	}
}

func mediaTypeOf(item library.Item, md *origin.Metadata) string {
	if md != nil && md.Metadata.MediaType != "" {
		return string(md.Metadata.MediaType)
	}
	return item.MediaType
}

func titleOf(md *origin.Metadata) string {
	if md == nil {
		return ""
	}
	return string(md.Metadata.Title)
}

// VerifyFiles checks every declared non-derivative file for presence and,
// when checkHashes is set, for its MD5 and SHA1 digests.
func (e *Engine) VerifyFiles(ctx context.Context, identifier string, checkHashes bool) ([]Issue, error) {
	items, err := e.items(ctx, identifier)
	if err != nil {
		return nil, err
	}

	tracker := e.progress.Start(progress.ActivityVerify, "Verifying library files")
	issues := []Issue{}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			tracker.Fail(err.Error())
			return issues, err
		}
		tracker.Step(item.Identifier, i, len(items))

		md, err := e.declared(ctx, item)
		if err != nil {
			issues = append(issues, metadataIssue(item, err))
			continue
		}
		issues = append(issues, e.verifyItem(item, md, checkHashes)...)
	}

	tracker.Complete(fmt.Sprintf("%d issues in %d items", len(issues), len(items)))
	return issues, nil
}

func (e *Engine) verifyItem(item library.Item, md *origin.Metadata, checkHashes bool) []Issue {
	var issues []Issue
	base := Issue{
		Identifier: item.Identifier,
		Title:      titleOf(md),
		Folder:     item.Folder,
		MediaType:  mediaTypeOf(item, md),
	}

	for _, f := range md.Files {
		if library.IsDerivative(f) {
			continue
		}

		issue := base
		issue.Filename = f.Name
		issue.Size = int64(f.Size)

		path, ok := library.FindOnDisk(item.Dir, f.Name)
		if !ok {
			issue.Type = IssueMissingFile
			issue.Message = "not found on disk"
			issues = append(issues, issue)
			continue
		}
		issue.Path = path

		if !checkHashes {
			continue
		}
		if mismatch, err := checkDigests(path, f); err != nil {
			issue.Type = IssueUnreadableFile
			issue.Message = err.Error()
			issues = append(issues, issue)
		} else if mismatch != nil {
			issue.Type = IssueCorruptedFile
			issue.HashType = mismatch.kind
			issue.Expected = mismatch.expected
			issue.Actual = mismatch.actual
			issue.Message = fmt.Sprintf("%s mismatch: expected %s, got %s", mismatch.kind, mismatch.expected, mismatch.actual)
			issues = append(issues, issue)
		}
	}
	return issues
}

type digestMismatch struct {
	kind     string
	expected string
	actual   string
}

// checkDigests compares MD5 first, then SHA1, for whichever are declared.
func checkDigests(path string, f origin.File) (*digestMismatch, error) {
	checks := []struct {
		kind     string
		expected string
		sum      func(string) (string, error)
	}{
		{"md5", f.MD5, library.MD5File},
		{"sha1", f.SHA1, library.SHA1File},
	}

	for _, c := range checks {
		if c.expected == "" {
			continue
		}
		actual, err := c.sum(path)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(actual, c.expected) {
			return &digestMismatch{kind: c.kind, expected: strings.ToLower(c.expected), actual: actual}, nil
		}
	}
	return nil, nil
}

// FindDerivatives lists derivative files present on disk.
func (e *Engine) FindDerivatives(ctx context.Context, identifier string) ([]Issue, error) {
	items, err := e.items(ctx, identifier)
	if err != nil {
		return nil, err
	}

	tracker := e.progress.Start(progress.ActivityDerivatives, "Finding derivative files")
	issues := []Issue{}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			tracker.Fail(err.Error())
			return issues, err
		}
		tracker.Step(item.Identifier, i, len(items))

		md, err := e.declared(ctx, item)
		if err != nil {
			issues = append(issues, metadataIssue(item, err))
			continue
		}

		for _, f := range md.Files {
			if !library.IsDerivative(f) {
				continue
			}
			path, ok := library.FindOnDisk(item.Dir, f.Name)
			if !ok {
				continue
			}
			size := int64(f.Size)
			if st, err := os.Stat(path); err == nil {
				size = st.Size()
			}
			issues = append(issues, Issue{
				Type:         IssueDerivativeFile,
				Identifier:   item.Identifier,
				Folder:       item.Folder,
				MediaType:    mediaTypeOf(item, md),
				Filename:     f.Name,
				Path:         path,
				Size:         size,
				Source:       f.Source,
				Original:     f.Original,
				IsDerivative: true,
			})
		}
	}

	tracker.Complete(fmt.Sprintf("%d derivative files", len(issues)))
	return issues, nil
}

// RefreshMetadata refetches metadata from origin, bypassing the cache, and
// overwrites each item's snapshot. Failures are reported per item.
func (e *Engine) RefreshMetadata(ctx context.Context, identifier string) (int, []Issue, error) {
	if e.metadata == nil {
		return 0, nil, errors.New("no metadata source configured")
	}
	items, err := e.items(ctx, identifier)
	if err != nil {
		return 0, nil, err
	}

	tracker := e.progress.Start(progress.ActivityMetadataRefresh, "Refreshing item metadata")

	var (
		mu        sync.Mutex
		issues    = []Issue{}
		refreshed int
		finished  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallelism)

	for _, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, raw, err := e.metadata.Refresh(gctx, item.Identifier)
			if err == nil {
				err = library.WriteSnapshot(item.Dir, raw)
			}

			mu.Lock()
			defer mu.Unlock()
			finished++
			if err != nil {
				e.logger.Warn().Err(err).Str("identifier", item.Identifier).Msg("Metadata refresh failed")
				issues = append(issues, metadataIssue(item, err))
			} else {
				refreshed++
			}
			tracker.Step(item.Identifier, finished, len(items))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		tracker.Fail(err.Error())
		return refreshed, issues, err
	}
	tracker.Complete(fmt.Sprintf("refreshed %d of %d items", refreshed, len(items)))
	return refreshed, issues, nil
}
