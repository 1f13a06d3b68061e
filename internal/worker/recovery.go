package worker

import (
	"context"

	"go.uber.org/zap"
)

// Resumer restores suspended workflow state.
type Resumer interface {
	ResumePending(ctx context.Context) error
}

// RecoveryWorker runs one recovery pass at startup: approved letters
// resume delivery, interrupted revisions regenerate, and deliveries that
// started but never finished are failed for operator review.
type RecoveryWorker struct {
	resumer Resumer
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRecoveryWorker creates a new recovery worker
func NewRecoveryWorker(resumer Resumer, logger *zap.Logger) *RecoveryWorker {
	return &RecoveryWorker{
		resumer: resumer,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Name returns the worker name
func (w *RecoveryWorker) Name() string { return "recovery" }

// Start launches the recovery pass in the background.
func (w *RecoveryWorker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		defer close(w.done)
		if err := w.resumer.ResumePending(ctx); err != nil {
			w.logger.Error("Recovery pass failed", zap.Error(err))
			return
		}
		w.logger.Info("Recovery pass completed")
	}()
	return nil
}

// Stop cancels a still-running recovery pass and waits for it.
func (w *RecoveryWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}
