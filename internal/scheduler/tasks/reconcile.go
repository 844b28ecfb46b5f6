package tasks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/arcmirror/arcmirror/internal/scheduler"
)

// QueueReconciler is the queue surface used by the reconcile task.
type QueueReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ReconcileTask fails downloads whose worker died.
type ReconcileTask struct {
	queue  QueueReconciler
	logger zerolog.Logger
}

// NewReconcileTask creates a new queue reconcile task.
func NewReconcileTask(q QueueReconciler, logger zerolog.Logger) *ReconcileTask {
	return &ReconcileTask{
		queue:  q,
		logger: logger.With().Str("task", "queue-reconcile").Logger(),
	}
}

// Run executes the reconcile task. Slots freed by stale records are
// refilled by the queue itself; queued records are not started here.
func (t *ReconcileTask) Run(ctx context.Context) error {
	stale, err := t.queue.Reconcile(ctx)
	if stale > 0 {
		t.logger.Info().Int("stale", stale).Msg("Queue reconciled")
	}
	return err
}

// RegisterReconcileTask registers the queue reconcile task with the scheduler.
func RegisterReconcileTask(sched *scheduler.Scheduler, cron string, q QueueReconciler, logger zerolog.Logger) error {
	task := NewReconcileTask(q, logger)
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "queue-reconcile",
		Name:        "Queue Reconcile",
		Description: "Fails downloads whose worker process is gone and refills their slots",
		Cron:        cron,
		RunOnStart:  true,
		Func:        task.Run,
	})
}
