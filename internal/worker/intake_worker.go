package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
)

// TriggerRunner starts a workflow run for a trigger.
type TriggerRunner interface {
	ProcessTrigger(ctx context.Context, trigger *models.WorkflowTrigger) ([]models.TaskResult, error)
}

// TriggerRecorder persists trigger records before a run starts.
type TriggerRecorder interface {
	Create(ctx context.Context, trigger *models.WorkflowTrigger) error
}

// IntakeWorker periodically triggers a workflow run, so letters flow
// without anyone calling the HTTP trigger. Disabled when the interval is
// zero; manual triggers remain available either way.
type IntakeWorker struct {
	runner   TriggerRunner
	triggers TriggerRecorder
	interval time.Duration
	maxTasks int
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewIntakeWorker creates a new intake worker
func NewIntakeWorker(runner TriggerRunner, triggers TriggerRecorder, interval time.Duration, maxTasks int, logger *zap.Logger) *IntakeWorker {
	return &IntakeWorker{
		runner:   runner,
		triggers: triggers,
		interval: interval,
		maxTasks: maxTasks,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Name returns the worker name
func (w *IntakeWorker) Name() string { return "intake" }

// Start launches the periodic intake loop.
func (w *IntakeWorker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return nil
}

func (w *IntakeWorker) run(ctx context.Context) {
	defer close(w.done)
	if w.interval <= 0 {
		w.logger.Info("Periodic intake disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trigger := models.NewWorkflowTrigger("scheduler", w.maxTasks)
			if err := w.triggers.Create(ctx, trigger); err != nil {
				w.logger.Error("Failed to record scheduled trigger", zap.Error(err))
				continue
			}
			if _, err := w.runner.ProcessTrigger(ctx, trigger); err != nil {
				w.logger.Error("Scheduled run failed",
					zap.String("trigger_id", trigger.TriggerID),
					zap.Error(err))
			}
		}
	}
}

// Stop cancels the intake loop and waits for it to exit.
func (w *IntakeWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}
