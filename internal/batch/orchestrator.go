// Package batch drives one batch run: resolve inputs, prefetch assets,
// render rows in pool-sized chunks, upload and persist the outcomes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/makeasinger/imagebatch/internal/assets"
	"github.com/makeasinger/imagebatch/internal/metrics"
	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/makeasinger/imagebatch/internal/render"
	"github.com/makeasinger/imagebatch/internal/surface"
	"go.uber.org/zap"
)

// State is the orchestrator phase a run is in
type State string

const (
	StateResolvingInputs   State = "resolving-inputs"
	StatePrefetchingAssets State = "prefetching-assets"
	StateRendering         State = "rendering"
	StatePersisting        State = "persisting"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

const (
	DefaultPoolSize  = 4
	DefaultKeyPrefix = "renders"
)

// Config holds the per-process knobs of a run
type Config struct {
	PoolSize            int
	PrefetchConcurrency int
	KeyPrefix           string
	SkipCompleted       bool
}

// Progress is reported after every state change and every chunk
type Progress struct {
	BatchID   string
	State     State
	Rendered  int
	Succeeded int
	Failed    int
	Total     int
}

type ProgressFunc func(Progress)

// Deps are the collaborators of an Orchestrator. Records, Rows, Sink and
// Metrics may be nil.
type Deps struct {
	Records  RecordStore
	Rows     RowSource
	Sink     ResultSink
	Storage  BlobStorage
	Renderer RowRenderer
	Fetcher  assets.Fetcher
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Orchestrator runs batches. It keeps no per-batch state between runs, so
// one instance serves every batch admitted to the process.
type Orchestrator struct {
	cfg      Config
	records  RecordStore
	rows     RowSource
	sink     ResultSink
	storage  BlobStorage
	renderer RowRenderer
	fetcher  assets.Fetcher
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Storage == nil {
		return nil, errors.New("blob storage is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = assets.DefaultConcurrency
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		cfg:      cfg,
		records:  deps.Records,
		rows:     deps.Rows,
		sink:     deps.Sink,
		storage:  deps.Storage,
		renderer: deps.Renderer,
		fetcher:  deps.Fetcher,
		logger:   logger,
		metrics:  deps.Metrics,
	}, nil
}

// Result is the aggregate of one run. Outcomes are sorted by index.
type Result struct {
	BatchID       string
	UserID        string
	State         State
	Status        model.BatchStatus
	StartIndex    int
	Outcomes      []model.Outcome
	AssetFailures []assets.Failure
	Chunks        int
	PeakInFlight  int
	CompletedAt   time.Time
}

func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

func (r *Result) Failed() int { return len(r.Outcomes) - r.Succeeded() }

// Summary condenses the result for job records and progress broadcasts
func (r *Result) Summary() *model.BatchSummary {
	s := &model.BatchSummary{
		BatchID:        r.BatchID,
		Status:         r.Status,
		GeneratedCount: r.Succeeded(),
		FailedCount:    r.Failed(),
		TotalCount:     len(r.Outcomes),
		AssetFailures:  len(r.AssetFailures),
		CompletedAt:    r.CompletedAt,
	}
	for _, o := range r.Outcomes {
		if !o.Success {
			s.Failures = append(s.Failures, o)
		}
	}
	return s
}

// Run executes job. An error is returned only when the batch cannot start
// (inputs unresolvable) or its outcomes cannot be persisted; row and asset
// failures are reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, job *model.BatchJob, progress ProgressFunc) (*Result, error) {
	started := time.Now()
	if job == nil || job.BatchID == "" {
		return nil, ErrMissingBatchID
	}
	logger := o.logger.With(zap.String("batch_id", job.BatchID))
	report := func(p Progress) {
		if progress != nil {
			p.BatchID = job.BatchID
			progress(p)
		}
	}

	// Resolving inputs
	report(Progress{State: StateResolvingInputs})
	in, err := o.resolve(ctx, job)
	if err != nil {
		logger.Error("Batch inputs unresolvable", zap.Error(err))
		o.markFailed(ctx, job.BatchID, nil, err, logger)
		o.metrics.BatchFinished(string(model.BatchStatusFailed), time.Since(started))
		report(Progress{State: StateFailed})
		return nil, err
	}
	total := len(in.rows)
	logger = logger.With(zap.String("user_id", in.userID))
	logger.Info("Batch inputs resolved",
		zap.Int("rows", total),
		zap.Int("start_index", in.startIndex),
		zap.Int("width", in.template.Width),
		zap.Int("height", in.template.Height))

	result := &Result{
		BatchID:    job.BatchID,
		UserID:     in.userID,
		StartIndex: in.startIndex,
		Outcomes:   make([]model.Outcome, total),
	}

	pending := o.reuseCompleted(ctx, job.BatchID, in, result, logger)

	// Prefetching assets
	report(Progress{State: StatePrefetchingAssets, Total: total})
	cache := assets.NewCache(o.fetcher,
		assets.WithConcurrency(o.cfg.PrefetchConcurrency),
		assets.WithLogger(logger),
		assets.WithObserver(func(_ string, took time.Duration, err error) {
			o.metrics.AssetFetched(took, err)
		}))

	scene, err := render.Prepare(in.template, cache)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMissingTemplate, err)
		o.markFailed(ctx, job.BatchID, nil, err, logger)
		o.metrics.BatchFinished(string(model.BatchStatusFailed), time.Since(started))
		report(Progress{State: StateFailed})
		return nil, err
	}

	pendingRows := make([]model.Row, len(pending))
	for i, pos := range pending {
		pendingRows[i] = in.rows[pos]
	}
	result.AssetFailures = cache.Prefetch(ctx, render.AssetURLs(scene, pendingRows, in.mapping))
	logger.Info("Assets prefetched",
		zap.Int("cached", cache.Len()),
		zap.Int("failed", len(result.AssetFailures)))

	// Rendering
	pool, err := surface.NewPool(o.cfg.PoolSize, in.template.Width, in.template.Height)
	if err != nil {
		o.markFailed(ctx, job.BatchID, nil, err, logger)
		report(Progress{State: StateFailed})
		return nil, fmt.Errorf("failed to create surface pool: %w", err)
	}
	defer func() {
		if err := pool.Cleanup(); err != nil {
			logger.Warn("Surface pool cleanup failed", zap.Error(err))
		}
	}()

	run := rowRun{
		o:        o,
		pool:     pool,
		scene:    scene,
		mapping:  in.mapping,
		batchID:  job.BatchID,
		logger:   logger,
		contentT: o.renderer.Format().ContentType(),
		ext:      o.renderer.Format().Extension(),
	}

	groups := chunks(pending, pool.Capacity())
	result.Chunks = len(groups)
	report(Progress{State: StateRendering, Total: total, Rendered: total - len(pending), Succeeded: total - len(pending)})

	for _, group := range groups {
		var wg sync.WaitGroup
		for _, pos := range group {
			wg.Add(1)
			go func(pos int) {
				defer wg.Done()
				result.Outcomes[pos] = run.row(ctx, in.startIndex+pos, in.rows[pos])
			}(pos)
		}
		wg.Wait()

		p := Progress{State: StateRendering, Total: total}
		for _, out := range result.Outcomes {
			if out.Success {
				p.Succeeded++
				p.Rendered++
			} else if out.Error != "" {
				p.Failed++
				p.Rendered++
			}
		}
		report(p)
	}
	result.PeakInFlight = pool.Peak()

	// Persisting
	report(Progress{State: StatePersisting, Total: total, Rendered: total, Succeeded: result.Succeeded(), Failed: result.Failed()})
	sort.SliceStable(result.Outcomes, func(a, b int) bool {
		return result.Outcomes[a].Index < result.Outcomes[b].Index
	})
	result.CompletedAt = time.Now().UTC()
	result.Status = model.BatchStatusCompleted

	if err := o.persist(ctx, result, logger); err != nil {
		logger.Error("Failed to persist batch outcomes", zap.Error(err))
		return result, err
	}

	result.State = StateDone
	o.metrics.BatchFinished(string(result.Status), time.Since(started))
	logger.Info("Batch completed",
		zap.Int("generated", result.Succeeded()),
		zap.Int("failed", result.Failed()),
		zap.Int("chunks", result.Chunks),
		zap.Int("peak_in_flight", result.PeakInFlight),
		zap.Duration("took", time.Since(started)))
	report(Progress{State: StateDone, Total: total, Rendered: total, Succeeded: result.Succeeded(), Failed: result.Failed()})

	return result, nil
}

// reuseCompleted fills outcomes for indices the sink already holds and
// returns the row positions that still need rendering.
func (o *Orchestrator) reuseCompleted(ctx context.Context, batchID string, in *inputs, result *Result, logger *zap.Logger) []int {
	var done map[int]string
	if lister, ok := o.sink.(CompletedLister); ok && o.cfg.SkipCompleted {
		var err error
		done, err = lister.CompletedResults(ctx, batchID)
		if err != nil {
			logger.Warn("Could not list completed results, rendering every row", zap.Error(err))
			done = nil
		}
	}

	pending := make([]int, 0, len(in.rows))
	for pos, row := range in.rows {
		index := in.startIndex + pos
		if url, ok := done[index]; ok && url != "" {
			result.Outcomes[pos] = model.Outcome{
				Index:      index,
				Success:    true,
				StorageURL: url,
				Row:        row,
				Reused:     true,
			}
			continue
		}
		pending = append(pending, pos)
	}
	if skipped := len(in.rows) - len(pending); skipped > 0 {
		logger.Info("Skipping rows already completed", zap.Int("skipped", skipped))
	}
	return pending
}

func (o *Orchestrator) persist(ctx context.Context, result *Result, logger *zap.Logger) error {
	if o.sink == nil {
		return nil
	}

	fresh := make([]model.Outcome, 0, len(result.Outcomes))
	for _, out := range result.Outcomes {
		if out.Success && !out.Reused {
			fresh = append(fresh, out)
		}
	}
	if len(fresh) > 0 {
		if err := o.sink.InsertResults(ctx, result.BatchID, result.UserID, fresh); err != nil {
			return fmt.Errorf("failed to insert results: %w", err)
		}
	}

	completedAt := result.CompletedAt
	stats := model.BatchStats{
		Status:         result.Status,
		GeneratedCount: result.Succeeded(),
		FailedCount:    result.Failed(),
		TotalCount:     len(result.Outcomes),
		CompletedAt:    &completedAt,
	}
	err := o.sink.UpdateBatchStats(ctx, result.BatchID, stats)
	if errors.Is(err, ErrNotFound) {
		// inline jobs may run without an owning record
		logger.Warn("No batch record to update")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update batch stats: %w", err)
	}
	return nil
}

// MarkFailed records the failed terminal state of a batch whose run will not
// be retried. result, when non-nil, supplies the counts of the last attempt.
func (o *Orchestrator) MarkFailed(ctx context.Context, batchID string, result *Result, cause error) {
	o.markFailed(ctx, batchID, result, cause, o.logger.With(zap.String("batch_id", batchID)))
}

// markFailed records the failed terminal state; errors here are logged only
func (o *Orchestrator) markFailed(ctx context.Context, batchID string, result *Result, cause error, logger *zap.Logger) {
	if o.sink == nil {
		return
	}
	now := time.Now().UTC()
	stats := model.BatchStats{
		Status:      model.BatchStatusFailed,
		Error:       cause.Error(),
		CompletedAt: &now,
	}
	if result != nil {
		stats.GeneratedCount = result.Succeeded()
		stats.FailedCount = result.Failed()
		stats.TotalCount = len(result.Outcomes)
	}
	err := o.sink.UpdateBatchStats(ctx, batchID, stats)
	if err != nil && !errors.Is(err, ErrNotFound) {
		logger.Warn("Failed to record batch failure", zap.Error(err))
	}
}

// rowRun carries what every row of one batch shares
type rowRun struct {
	o        *Orchestrator
	pool     *surface.Pool
	scene    *render.Scene
	mapping  model.FieldMapping
	batchID  string
	logger   *zap.Logger
	contentT string
	ext      string
}

func (r rowRun) row(ctx context.Context, index int, row model.Row) model.Outcome {
	out := model.Outcome{Index: index, Row: row}
	fail := func(err error) model.Outcome {
		r.logger.Warn("Row failed", zap.Int("index", index), zap.Error(err))
		r.o.metrics.RowFinished("failed")
		out.Error = err.Error()
		return out
	}

	data, err := r.render(ctx, row)
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	url, err := r.o.storage.Put(ctx, data, r.contentT, objectKey(r.o.cfg.KeyPrefix, r.batchID, index, r.ext))
	if err != nil {
		return fail(fmt.Errorf("upload failed: %w", err))
	}
	r.o.metrics.Uploaded(time.Since(start))
	r.o.metrics.RowFinished("success")

	out.Success = true
	out.StorageURL = url
	return out
}

// render holds a surface only for the duration of the draw. A panic inside
// the renderer fails this row and replaces the surface.
func (r rowRun) render(ctx context.Context, row model.Row) (data []byte, err error) {
	surf, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire surface: %w", err)
	}
	r.o.metrics.SurfaceAcquired()
	defer r.o.metrics.SurfaceReleased()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Render panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			r.pool.Discard(surf)
			data, err = nil, fmt.Errorf("render panicked: %v", p)
		}
	}()

	start := time.Now()
	data, err = r.o.renderer.Render(surf, r.scene, row, r.mapping)
	r.pool.Release(surf)
	if err != nil {
		return nil, fmt.Errorf("render failed: %w", err)
	}
	r.o.metrics.Rendered(time.Since(start))
	return data, nil
}
