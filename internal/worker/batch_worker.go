package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/makeasinger/imagebatch/internal/batch"
	"github.com/makeasinger/imagebatch/internal/model"
	"go.uber.org/zap"
)

// Runner is satisfied by *batch.Orchestrator
type Runner interface {
	Run(ctx context.Context, job *model.BatchJob, progress batch.ProgressFunc) (*batch.Result, error)
	MarkFailed(ctx context.Context, batchID string, result *batch.Result, cause error)
}

// failTimeout bounds the terminal writes made after a task's context is done
const failTimeout = 10 * time.Second

// JobTracker is satisfied by *service.BatchService
type JobTracker interface {
	MarkRunning(ctx context.Context, batchID string, retry int) error
	UpdateJobProgress(ctx context.Context, batchID string, progress int, step string) error
	CompleteJob(ctx context.Context, batchID string, summary *model.BatchSummary) error
	FailJob(ctx context.Context, batchID string, errMsg string) error
}

// Notifier is satisfied by *websocket.Hub
type Notifier interface {
	BroadcastProgress(msg model.WSProgressMessage)
	BroadcastComplete(batchID string, summary *model.BatchSummary)
	BroadcastError(batchID string, code, message string)
}

// BatchWorker processes batch render tasks. Batch admission is bounded by
// the asynq server concurrency; rendering inside a batch by the pool size.
type BatchWorker struct {
	runner Runner
	jobs   JobTracker
	hub    Notifier
	logger *zap.Logger
}

// NewBatchWorker creates a new batch worker
func NewBatchWorker(runner Runner, jobs JobTracker, hub Notifier, logger *zap.Logger) *BatchWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchWorker{
		runner: runner,
		jobs:   jobs,
		hub:    hub,
		logger: logger,
	}
}

// ProcessTask handles batch task processing
func (w *BatchWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var job model.BatchJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal batch payload: %v: %w", err, asynq.SkipRetry)
	}
	if job.BatchID == "" {
		return fmt.Errorf("%v: %w", batch.ErrMissingBatchID, asynq.SkipRetry)
	}

	retry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logger := w.logger.With(zap.String("batch_id", job.BatchID), zap.Int("retry", retry))
	logger.Info("Starting batch job")

	if err := w.jobs.MarkRunning(ctx, job.BatchID, retry); err != nil {
		logger.Warn("Failed to mark job running", zap.Error(err))
	}

	result, err := w.runner.Run(ctx, &job, w.progress(ctx, logger))
	if err != nil {
		return w.handleFailure(ctx, job.BatchID, result, err, retry, maxRetry, logger)
	}

	summary := result.Summary()
	if err := w.jobs.CompleteJob(ctx, job.BatchID, summary); err != nil {
		logger.Error("Failed to save job result", zap.Error(err))
	}
	w.hub.BroadcastComplete(job.BatchID, summary)

	logger.Info("Batch job completed",
		zap.Int("generated", summary.GeneratedCount),
		zap.Int("failed", summary.FailedCount),
		zap.Int("total", summary.TotalCount),
	)
	return nil
}

// handleFailure records the failure and decides whether asynq retries.
// Unresolvable inputs never succeed on retry; anything else (storage or
// database outages) is retried until the task runs out of attempts.
func (w *BatchWorker) handleFailure(ctx context.Context, batchID string, result *batch.Result, err error, retry, maxRetry int, logger *zap.Logger) error {
	fatal := isFatal(err)
	lastAttempt := fatal || retry >= maxRetry

	logger.Error("Batch job failed",
		zap.Error(err),
		zap.Bool("fatal", fatal),
		zap.Bool("last_attempt", lastAttempt),
		zap.Bool("rendered", result != nil),
	)

	if lastAttempt {
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
		// fatal runs were closed by the runner before it returned
		if !fatal {
			w.runner.MarkFailed(failCtx, batchID, result, err)
		}
		w.failJob(failCtx, batchID, err.Error(), logger)
	} else {
		w.updateProgress(ctx, batchID, 0, "retrying", logger)
	}

	if fatal {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func isFatal(err error) bool {
	return errors.Is(err, batch.ErrMissingTemplate) ||
		errors.Is(err, batch.ErrMissingRows) ||
		errors.Is(err, batch.ErrMissingBatchID)
}

func (w *BatchWorker) progress(ctx context.Context, logger *zap.Logger) batch.ProgressFunc {
	return func(p batch.Progress) {
		pct := percent(p)
		if err := w.jobs.UpdateJobProgress(ctx, p.BatchID, pct, string(p.State)); err != nil {
			logger.Warn("Failed to update progress", zap.Error(err))
		}
		w.hub.BroadcastProgress(model.WSProgressMessage{
			Type:        model.WSMessageTypeProgress,
			BatchID:     p.BatchID,
			Progress:    pct,
			Status:      model.JobStatusRunning,
			CurrentStep: string(p.State),
			Rendered:    p.Rendered,
			Total:       p.Total,
		})
	}
}

// percent maps a progress report onto 0..100. Rendering covers 5..95, the
// remaining span belongs to prefetching and persisting.
func percent(p batch.Progress) int {
	switch p.State {
	case batch.StateResolvingInputs:
		return 0
	case batch.StatePrefetchingAssets:
		return 5
	case batch.StatePersisting:
		return 95
	case batch.StateDone:
		return 100
	}
	if p.Total <= 0 {
		return 5
	}
	return 5 + p.Rendered*90/p.Total
}

func (w *BatchWorker) updateProgress(ctx context.Context, batchID string, progress int, step string, logger *zap.Logger) {
	if err := w.jobs.UpdateJobProgress(ctx, batchID, progress, step); err != nil {
		logger.Warn("Failed to update progress", zap.Error(err))
	}
	w.hub.BroadcastProgress(model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		BatchID:     batchID,
		Progress:    progress,
		Status:      model.JobStatusRunning,
		CurrentStep: step,
	})
}

func (w *BatchWorker) failJob(ctx context.Context, batchID, errMsg string, logger *zap.Logger) {
	if err := w.jobs.FailJob(ctx, batchID, errMsg); err != nil {
		logger.Warn("Failed to mark job as failed", zap.Error(err))
	}
	w.hub.BroadcastError(batchID, "BATCH_FAILED", errMsg)
}
