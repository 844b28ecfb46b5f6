package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/arcmirror/arcmirror/internal/library"
	"github.com/arcmirror/arcmirror/internal/origin"
	"github.com/arcmirror/arcmirror/internal/progress"
	"github.com/arcmirror/arcmirror/internal/queue"
)

// RedownloadMismatched queues every missing or corrupted file in issues.
// Derivative issues are skipped. It returns the number queued and one
// action-failed issue per file that could not be queued.
func (e *Engine) RedownloadMismatched(ctx context.Context, issues []Issue) (int, []Issue, error) {
	if e.queue == nil {
		return 0, nil, errors.New("no download queue configured")
	}

	var targets []Issue
	for _, is := range issues {
		if is.IsDerivative || is.Filename == "" {
			continue
		}
		if is.Type != IssueMissingFile && is.Type != IssueCorruptedFile && is.Type != IssueUnreadableFile {
			continue
		}
		targets = append(targets, is)
	}

	tracker := e.progress.Start(progress.ActivityRedownload, "Queueing redownloads")
	queued := 0
	failures := []Issue{}

	for i, is := range targets {
		if err := ctx.Err(); err != nil {
			tracker.Fail(err.Error())
			return queued, failures, err
		}
		tracker.Step(is.Filename, i, len(targets))

		_, err := e.queue.Enqueue(ctx, queue.EnqueueRequest{
			Identifier: is.Identifier,
			Title:      is.Title,
			File:       is.Filename,
			MediaType:  is.MediaType,
		})
		if err != nil {
			failures = append(failures, failedIssue(is, err))
			continue
		}
		queued++
	}

	tracker.Complete(fmt.Sprintf("queued %d files", queued))
	return queued, failures, nil
}

// RedownloadSingle queues one file of one item.
func (e *Engine) RedownloadSingle(ctx context.Context, identifier, filename string) (queue.Item, error) {
	if e.queue == nil {
		return queue.Item{}, errors.New("no download queue configured")
	}

	req := queue.EnqueueRequest{Identifier: identifier, File: filename}

	items, err := e.items(ctx, identifier)
	if err != nil {
		return queue.Item{}, err
	}
	var md *origin.Metadata
	if len(items) > 0 {
		req.MediaType = items[0].MediaType
		md, _ = e.declared(ctx, items[0])
	} else if e.metadata != nil {
		md, _ = e.metadata.Get(ctx, identifier)
	}
	if md != nil {
		if md.Metadata.MediaType != "" {
			req.MediaType = string(md.Metadata.MediaType)
		}
		req.Title = string(md.Metadata.Title)
		if f, ok := md.FindFile(filename); ok {
			req.IsDerivative = library.IsDerivative(f)
		}
	}

	return e.queue.Enqueue(ctx, req)
}

// RemoveDerivatives deletes every derivative file in issues. One failed
// removal never stops the others.
func (e *Engine) RemoveDerivatives(ctx context.Context, issues []Issue) (int, []Issue, error) {
	var targets []Issue
	for _, is := range issues {
		if is.Type == IssueDerivativeFile || is.IsDerivative {
			targets = append(targets, is)
		}
	}

	tracker := e.progress.Start(progress.ActivityRemove, "Removing derivative files")
	removed := 0
	failures := []Issue{}

	for i, is := range targets {
		if err := ctx.Err(); err != nil {
			tracker.Fail(err.Error())
			return removed, failures, err
		}
		tracker.Step(is.Filename, i, len(targets))

		if err := e.removeDerivative(ctx, is.Identifier, is.Filename); err != nil {
			failures = append(failures, failedIssue(is, err))
			continue
		}
		removed++
	}

	tracker.Complete(fmt.Sprintf("removed %d files", removed))
	return removed, failures, nil
}

// RemoveSingleDerivative deletes one derivative file.
func (e *Engine) RemoveSingleDerivative(ctx context.Context, identifier, filename string) error {
	return e.removeDerivative(ctx, identifier, filename)
}

// removeDerivative re-checks the classification against declared metadata
// before deleting, so a stale or hand-written issue cannot remove an
// original file.
func (e *Engine) removeDerivative(ctx context.Context, identifier, filename string) error {
	items, err := e.items(ctx, identifier)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("item %q not found under cache root", identifier)
	}

	for _, item := range items {
		path, ok := library.FindOnDisk(item.Dir, filename)
		if !ok {
			continue
		}

		derivative := library.MatchesDerivativeName(filename)
		if md, err := e.declared(ctx, item); err == nil {
			for _, f := range md.Files {
				if strings.EqualFold(f.Name, filename) {
					derivative = library.IsDerivative(f)
					break
				}
			}
		}
		if !derivative {
			return fmt.Errorf("%s is not a derivative file", filename)
		}

		if err := os.Remove(path); err != nil {
			return &library.FileSystemError{Op: "remove", Path: path, Err: err}
		}
		e.logger.Info().Str("identifier", identifier).Str("file", filename).Msg("Removed derivative file")
		return nil
	}
	return fmt.Errorf("%s not found in %s", filename, identifier)
}

func failedIssue(is Issue, err error) Issue {
	is.Type = IssueActionFailed
	is.Message = err.Error()
	return is
}

// Run dispatches one maintenance command.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	result := e.run(ctx, req)
	if result.Issues == nil {
		result.Issues = []Issue{}
	}
	e.metrics.MaintenanceRun(req.Action, result.Success, issueCounts(result.Issues))
	e.logger.Info().
		Str("action", req.Action).
		Bool("success", result.Success).
		Int("issues", len(result.Issues)).
		Msg(result.Message)
	return result
}

func (e *Engine) run(ctx context.Context, req Request) Result {
	if e.cfg.CacheRoot == "" {
		return failure(library.ErrNoCacheRoot)
	}

	switch req.Action {
	case ActionVerifyFiles:
		checkHashes := e.cfg.HashCheck
		if req.CheckHashes != nil {
			checkHashes = *req.CheckHashes
		}
		issues, err := e.VerifyFiles(ctx, req.Identifier, checkHashes)
		if err != nil {
			return failure(err)
		}
		return Result{Success: true, Message: fmt.Sprintf("found %d issues", len(issues)), Issues: issues}

	case ActionFindDerivatives:
		issues, err := e.FindDerivatives(ctx, req.Identifier)
		if err != nil {
			return failure(err)
		}
		return Result{Success: true, Message: fmt.Sprintf("found %d derivative files", len(issues)), Issues: issues}

	case ActionRedownloadMismatched:
		issues := req.Issues
		if issues == nil {
			var err error
			issues, err = e.VerifyFiles(ctx, req.Identifier, e.cfg.HashCheck)
			if err != nil {
				return failure(err)
			}
		}
		queued, failures, err := e.RedownloadMismatched(ctx, issues)
		if err != nil {
			return failure(err)
		}
		return Result{Success: true, Message: fmt.Sprintf("queued %d files for redownload", queued), Issues: failures}

	case ActionRedownloadSingle:
		if req.Identifier == "" || req.Filename == "" {
			return failure(errors.New("identifier and filename are required"))
		}
		item, err := e.RedownloadSingle(ctx, req.Identifier, req.Filename)
		if err != nil {
			var vErr *queue.ValidationError
			if errors.As(err, &vErr) {
				return Result{Success: true, Message: vErr.Message, Issues: []Issue{{
					Type: IssueActionFailed, Identifier: req.Identifier, Filename: req.Filename, Message: vErr.Message,
				}}}
			}
			return failure(err)
		}
		return Result{Success: true, Message: fmt.Sprintf("queued %s (%s)", req.Filename, item.Status)}

	case ActionRemoveDerivatives:
		issues := req.Issues
		if issues == nil {
			var err error
			issues, err = e.FindDerivatives(ctx, req.Identifier)
			if err != nil {
				return failure(err)
			}
		}
		removed, failures, err := e.RemoveDerivatives(ctx, issues)
		if err != nil {
			return failure(err)
		}
		return Result{Success: true, Message: fmt.Sprintf("removed %d derivative files", removed), Issues: failures}

	case ActionRemoveSingleDerivative:
		if req.Identifier == "" || req.Filename == "" {
			return failure(errors.New("identifier and filename are required"))
		}
		if err := e.RemoveSingleDerivative(ctx, req.Identifier, req.Filename); err != nil {
			return Result{Success: true, Message: err.Error(), Issues: []Issue{{
				Type: IssueActionFailed, Identifier: req.Identifier, Filename: req.Filename, Message: err.Error(),
			}}}
		}
		return Result{Success: true, Message: fmt.Sprintf("removed %s", req.Filename)}

	case ActionRefreshMetadata:
		refreshed, issues, err := e.RefreshMetadata(ctx, req.Identifier)
		if err != nil {
			return failure(err)
		}
		return Result{Success: true, Message: fmt.Sprintf("refreshed metadata for %d items", refreshed), Issues: issues}

	default:
		return failure(fmt.Errorf("unknown action %q", req.Action))
	}
}

func failure(err error) Result {
	return Result{Success: false, Message: err.Error()}
}
