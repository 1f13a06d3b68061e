package workflow

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
)

// Intake pulls eligible tasks from the CRM. An unreachable CRM degrades
// intake instead of failing the run: the selection comes back empty and
// the health flag flips until the next successful poll.
type Intake struct {
	source   TaskSource
	logger   *zap.Logger
	policy   RetryPolicy
	degraded atomic.Bool
}

// NewIntake creates an intake over the given task source.
func NewIntake(source TaskSource, policy RetryPolicy, logger *zap.Logger) *Intake {
	return &Intake{
		source: source,
		logger: logger,
		policy: policy,
	}
}

// Select returns up to max tasks, oldest first. On persistent CRM failure
// it returns an empty slice and marks intake degraded.
func (i *Intake) Select(ctx context.Context, max int) []models.TaskRef {
	var tasks []models.TaskRef
	err := Retry(ctx, i.logger, i.policy, "intake", func(ctx context.Context) error {
		var selErr error
		tasks, selErr = i.source.SelectTasks(ctx, max)
		return selErr
	})
	if err != nil {
		i.degraded.Store(true)
		i.logger.Error("Task intake unavailable, selecting nothing",
			zap.Int("max", max),
			zap.Error(err))
		return nil
	}
	i.degraded.Store(false)
	i.logger.Info("Selected tasks for processing",
		zap.Int("count", len(tasks)),
		zap.Int("max", max))
	return tasks
}

// Healthy reports whether the last CRM poll succeeded.
func (i *Intake) Healthy() bool {
	return !i.degraded.Load()
}
