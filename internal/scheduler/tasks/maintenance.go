package tasks

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/arcmirror/arcmirror/internal/maintenance"
	"github.com/arcmirror/arcmirror/internal/scheduler"
)

// MaintenanceRunner is the maintenance surface used by scheduled passes.
type MaintenanceRunner interface {
	Run(ctx context.Context, req maintenance.Request) maintenance.Result
}

// MaintenanceTask runs one maintenance action on a schedule.
type MaintenanceTask struct {
	runner MaintenanceRunner
	action string
	logger zerolog.Logger
}

// NewMaintenanceTask creates a scheduled maintenance pass for action.
func NewMaintenanceTask(r MaintenanceRunner, action string, logger zerolog.Logger) *MaintenanceTask {
	return &MaintenanceTask{
		runner: r,
		action: action,
		logger: logger.With().Str("task", action).Logger(),
	}
}

// Run executes the pass. Findings are logged; only a pass that could not
// run is an error.
func (t *MaintenanceTask) Run(ctx context.Context) error {
	result := t.runner.Run(ctx, maintenance.Request{Action: t.action})
	if !result.Success {
		return errors.New(result.Message)
	}
	if len(result.Issues) > 0 {
		t.logger.Warn().Int("issues", len(result.Issues)).Msg(result.Message)
	}
	return nil
}

// RegisterVerifyTask registers the nightly library verification.
func RegisterVerifyTask(sched *scheduler.Scheduler, cron string, r MaintenanceRunner, logger zerolog.Logger) error {
	task := NewMaintenanceTask(r, maintenance.ActionVerifyFiles, logger)
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "library-verify",
		Name:        "Library Verify",
		Description: "Checks every mirrored file against declared sizes and hashes",
		Cron:        cron,
		Func:        task.Run,
	})
}

// RegisterRefreshTask registers the periodic metadata refresh.
func RegisterRefreshTask(sched *scheduler.Scheduler, cron string, r MaintenanceRunner, logger zerolog.Logger) error {
	task := NewMaintenanceTask(r, maintenance.ActionRefreshMetadata, logger)
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "metadata-refresh",
		Name:        "Metadata Refresh",
		Description: "Refetches origin metadata for every local item and rewrites snapshots",
		Cron:        cron,
		Func:        task.Run,
	})
}
