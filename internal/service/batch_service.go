package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/makeasinger/imagebatch/internal/batch"
	"github.com/makeasinger/imagebatch/internal/model"
	"go.uber.org/zap"
)

const (
	TaskTypeBatchRender = "batch:render"
	QueueRender         = "render"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidRequest = errors.New("invalid batch request")
	ErrBatchExists    = errors.New("batch already exists")
)

// Enqueuer is satisfied by *asynq.Client
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// BatchRecords is the part of the record store the API needs
type BatchRecords interface {
	SaveTemplate(ctx context.Context, templateID string, tpl *model.Template) error
	CreateBatch(ctx context.Context, rec model.BatchRecord) error
	UpdateBatchStats(ctx context.Context, batchID string, stats model.BatchStats) error
	GetBatch(ctx context.Context, batchID string) (*model.BatchRecord, error)
	ListResults(ctx context.Context, batchID string) ([]model.Outcome, error)
}

// QueueOptions are applied to every enqueued batch task
type QueueOptions struct {
	MaxRetry  int
	Retention time.Duration
	Timeout   time.Duration
}

// BatchService handles batch job management
type BatchService struct {
	records     BatchRecords
	jobs        JobStore
	queueClient Enqueuer
	opts        QueueOptions
	logger      *zap.Logger
}

func NewBatchService(records BatchRecords, jobs JobStore, queue Enqueuer, opts QueueOptions, logger *zap.Logger) *BatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchService{
		records:     records,
		jobs:        jobs,
		queueClient: queue,
		opts:        opts,
		logger:      logger,
	}
}

// StartBatch registers the batch record and queues the render task.
// Creating the record claims the batch id, so nothing else is written for a
// taken id. The batch id doubles as the asynq task id.
func (s *BatchService) StartBatch(ctx context.Context, userID string, req *model.BatchStartRequest) (*model.BatchStartResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if req.Template == nil && strings.TrimSpace(req.TemplateID) == "" {
		return nil, fmt.Errorf("%w: template or templateId is required", ErrInvalidRequest)
	}
	if len(req.Rows) == 0 && strings.TrimSpace(req.RowsURL) == "" {
		return nil, fmt.Errorf("%w: rows or rowsUrl is required", ErrInvalidRequest)
	}
	if req.Width > model.MaxCanvasSize || req.Height > model.MaxCanvasSize {
		return nil, fmt.Errorf("%w: canvas override exceeds %d", ErrInvalidRequest, model.MaxCanvasSize)
	}
	if req.Template != nil {
		if err := req.Template.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}
	now := time.Now()

	// inline templates are stored per batch and never shared
	templateID := req.TemplateID
	if req.Template != nil {
		templateID = "batch-" + batchID
	}

	rec := model.BatchRecord{
		BatchID:      batchID,
		UserID:       userID,
		TemplateID:   templateID,
		RowsRef:      req.RowsURL,
		FieldMapping: req.FieldMapping,
		StartIndex:   req.StartIndex,
		Status:       model.BatchStatusQueued,
		TotalCount:   len(req.Rows),
		CreatedAt:    now.UTC(),
	}
	if err := s.records.CreateBatch(ctx, rec); err != nil {
		if errors.Is(err, batch.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrBatchExists, batchID)
		}
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	info, err := s.enqueue(ctx, batchID, templateID, userID, req, now)
	if err != nil {
		if !errors.Is(err, ErrBatchExists) {
			s.abandon(ctx, batchID, err)
		}
		return nil, err
	}

	s.logger.Info("Batch queued",
		zap.String("batch_id", batchID),
		zap.String("user_id", userID),
		zap.String("task_id", info.ID),
		zap.Int("rows", len(req.Rows)),
	)

	return &model.BatchStartResponse{
		BatchID:   batchID,
		JobID:     info.ID,
		Status:    model.JobStatusQueued,
		TotalRows: len(req.Rows),
		CreatedAt: now,
	}, nil
}

// enqueue stores the inline template and the job record, then enqueues the task
func (s *BatchService) enqueue(ctx context.Context, batchID, templateID, userID string, req *model.BatchStartRequest, now time.Time) (*asynq.TaskInfo, error) {
	if req.Template != nil {
		if err := s.records.SaveTemplate(ctx, templateID, req.Template); err != nil {
			return nil, fmt.Errorf("failed to save template: %w", err)
		}
	}

	job := &model.BatchJob{
		BatchID:         batchID,
		UserID:          userID,
		TemplateID:      templateID,
		Width:           req.Width,
		Height:          req.Height,
		BackgroundColor: req.Background,
		FieldMapping:    req.FieldMapping,
		Rows:            req.Rows,
		RowsURL:         req.RowsURL,
		StartIndex:      req.StartIndex,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	record := &model.Job{
		ID:        batchID,
		Type:      model.JobTypeBatchRender,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}
	if err := s.jobs.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	info, err := s.queueClient.EnqueueContext(ctx, asynq.NewTask(TaskTypeBatchRender, payload), s.taskOptions(batchID)...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil, fmt.Errorf("%w: %s", ErrBatchExists, batchID)
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// abandon closes a batch record that was created but never queued
func (s *BatchService) abandon(ctx context.Context, batchID string, cause error) {
	now := time.Now().UTC()
	err := s.records.UpdateBatchStats(ctx, batchID, model.BatchStats{
		Status:      model.BatchStatusFailed,
		Error:       cause.Error(),
		CompletedAt: &now,
	})
	if err != nil {
		s.logger.Warn("Failed to mark unqueued batch failed", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (s *BatchService) taskOptions(batchID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(QueueRender),
		asynq.TaskID(batchID),
		asynq.MaxRetry(s.opts.MaxRetry),
	}
	if s.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(s.opts.Retention))
	}
	if s.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(s.opts.Timeout))
	}
	return opts
}

// GetStatus returns the current status of a batch job
func (s *BatchService) GetStatus(ctx context.Context, batchID string) (*model.BatchStatusResponse, error) {
	job, err := s.jobs.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}

	resp := &model.BatchStatusResponse{
		BatchID:     job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		RetryCount:  job.RetryCount,
	}
	if len(job.Result) > 0 {
		var summary model.BatchSummary
		if err := json.Unmarshal(job.Result, &summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		resp.Summary = &summary
	}
	return resp, nil
}

// GetResults lists the persisted outcomes of a batch owned by userID
func (s *BatchService) GetResults(ctx context.Context, userID, batchID string) (*model.BatchResultsResponse, error) {
	rec, err := s.records.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrJobNotFound
	}

	results, err := s.records.ListResults(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	if results == nil {
		results = []model.Outcome{}
	}
	return &model.BatchResultsResponse{BatchID: batchID, Results: results}, nil
}

// MarkRunning flags the job as started (called by worker)
func (s *BatchService) MarkRunning(ctx context.Context, batchID string, retry int) error {
	job, err := s.jobs.Get(ctx, batchID)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusRunning
	job.RetryCount = retry
	job.Error = nil
	if job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}

	return s.jobs.Save(ctx, job)
}

// UpdateJobProgress updates job progress (called by worker)
func (s *BatchService) UpdateJobProgress(ctx context.Context, batchID string, progress int, step string) error {
	job, err := s.jobs.Get(ctx, batchID)
	if err != nil {
		return err
	}

	job.Progress = progress
	job.CurrentStep = step

	if job.Status == model.JobStatusQueued {
		job.Status = model.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now
	}

	return s.jobs.Save(ctx, job)
}

// CompleteJob marks job as completed (called by worker)
func (s *BatchService) CompleteJob(ctx context.Context, batchID string, summary *model.BatchSummary) error {
	job, err := s.jobs.Get(ctx, batchID)
	if err != nil {
		return err
	}

	resultBytes, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusSucceeded
	job.Progress = 100
	job.CurrentStep = string(batch.StateDone)
	job.Result = resultBytes
	now := time.Now()
	job.CompletedAt = &now

	return s.jobs.Save(ctx, job)
}

// FailJob marks job as failed (called by worker)
func (s *BatchService) FailJob(ctx context.Context, batchID string, errMsg string) error {
	job, err := s.jobs.Get(ctx, batchID)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusFailed
	job.CurrentStep = string(batch.StateFailed)
	job.Error = &errMsg
	now := time.Now()
	job.CompletedAt = &now

	return s.jobs.Save(ctx, job)
}
