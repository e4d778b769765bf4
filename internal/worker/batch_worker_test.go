package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/makeasinger/imagebatch/internal/batch"
	"github.com/makeasinger/imagebatch/internal/client"
	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/makeasinger/imagebatch/internal/render"
	"github.com/makeasinger/imagebatch/internal/store/memory"
	"go.uber.org/zap"
)

type fakeRunner struct {
	result *batch.Result
	err    error
	states []batch.State
	failed []error
}

func (r *fakeRunner) MarkFailed(_ context.Context, _ string, _ *batch.Result, cause error) {
	r.failed = append(r.failed, cause)
}

func (r *fakeRunner) Run(_ context.Context, job *model.BatchJob, progress batch.ProgressFunc) (*batch.Result, error) {
	for _, s := range r.states {
		progress(batch.Progress{BatchID: job.BatchID, State: s, Total: 2, Rendered: 2})
	}
	return r.result, r.err
}

type trackerCall struct {
	method   string
	progress int
	step     string
	summary  *model.BatchSummary
	errMsg   string
}

type fakeTracker struct {
	mu    sync.Mutex
	calls []trackerCall
}

func (f *fakeTracker) record(c trackerCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeTracker) MarkRunning(_ context.Context, _ string, _ int) error {
	return f.record(trackerCall{method: "running"})
}

func (f *fakeTracker) UpdateJobProgress(_ context.Context, _ string, progress int, step string) error {
	return f.record(trackerCall{method: "progress", progress: progress, step: step})
}

func (f *fakeTracker) CompleteJob(_ context.Context, _ string, summary *model.BatchSummary) error {
	return f.record(trackerCall{method: "complete", summary: summary})
}

func (f *fakeTracker) FailJob(_ context.Context, _ string, errMsg string) error {
	return f.record(trackerCall{method: "fail", errMsg: errMsg})
}

func (f *fakeTracker) last() trackerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeHub struct {
	mu       sync.Mutex
	progress []model.WSProgressMessage
	complete []*model.BatchSummary
	errors   []string
}

func (h *fakeHub) BroadcastProgress(msg model.WSProgressMessage) {
	h.mu.Lock()
	h.progress = append(h.progress, msg)
	h.mu.Unlock()
}

func (h *fakeHub) BroadcastComplete(_ string, summary *model.BatchSummary) {
	h.mu.Lock()
	h.complete = append(h.complete, summary)
	h.mu.Unlock()
}

func (h *fakeHub) BroadcastError(_ string, code, _ string) {
	h.mu.Lock()
	h.errors = append(h.errors, code)
	h.mu.Unlock()
}

func newTask(t *testing.T, job model.BatchJob) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask("batch:render", data)
}

func TestProcessTaskSuccess(t *testing.T) {
	runner := &fakeRunner{
		states: []batch.State{batch.StateRendering, batch.StateDone},
		result: &batch.Result{
			BatchID: "b1",
			Status:  model.BatchStatusCompleted,
			Outcomes: []model.Outcome{
				{Index: 0, Success: true, StorageURL: "u0"},
				{Index: 1, Success: false, Error: "boom"},
			},
		},
	}
	tracker := &fakeTracker{}
	hub := &fakeHub{}
	w := NewBatchWorker(runner, tracker, hub, zap.NewNop())

	if err := w.ProcessTask(context.Background(), newTask(t, model.BatchJob{BatchID: "b1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := tracker.last()
	if last.method != "complete" {
		t.Fatalf("expected complete, got %s", last.method)
	}
	if last.summary.GeneratedCount != 1 || last.summary.FailedCount != 1 || len(last.summary.Failures) != 1 {
		t.Errorf("unexpected summary %+v", last.summary)
	}
	if len(hub.complete) != 1 {
		t.Errorf("expected one complete broadcast, got %d", len(hub.complete))
	}
	if len(hub.progress) != 2 || hub.progress[0].Progress != 95 || hub.progress[1].Progress != 100 {
		t.Errorf("unexpected progress broadcasts %+v", hub.progress)
	}
}

func TestProcessTaskFatalSkipsRetry(t *testing.T) {
	runner := &fakeRunner{err: batch.ErrMissingTemplate}
	tracker := &fakeTracker{}
	hub := &fakeHub{}
	w := NewBatchWorker(runner, tracker, hub, nil)

	err := w.ProcessTask(context.Background(), newTask(t, model.BatchJob{BatchID: "b1"}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if last := tracker.last(); last.method != "fail" {
		t.Errorf("expected fail, got %s", last.method)
	}
	if len(hub.errors) != 1 || hub.errors[0] != "BATCH_FAILED" {
		t.Errorf("expected error broadcast, got %v", hub.errors)
	}
	if len(runner.failed) != 0 {
		t.Errorf("fatal runs are closed by the runner, got %v", runner.failed)
	}
}

func TestProcessTaskTransientIsRetried(t *testing.T) {
	transient := errors.New("database unavailable")
	runner := &fakeRunner{err: transient, result: &batch.Result{BatchID: "b1"}}
	tracker := &fakeTracker{}
	w := NewBatchWorker(runner, tracker, &fakeHub{}, nil)

	// Outside an asynq server the retry budget reads as zero, so this is
	// the last attempt: the job is failed but the error is not SkipRetry.
	err := w.ProcessTask(context.Background(), newTask(t, model.BatchJob{BatchID: "b1"}))
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Error("transient errors must stay retryable")
	}
	if last := tracker.last(); last.method != "fail" {
		t.Errorf("expected fail on last attempt, got %s", last.method)
	}
	if len(runner.failed) != 1 || !errors.Is(runner.failed[0], transient) {
		t.Errorf("expected batch record to be failed once, got %v", runner.failed)
	}
}

func TestProcessTaskBadPayload(t *testing.T) {
	w := NewBatchWorker(&fakeRunner{}, &fakeTracker{}, &fakeHub{}, nil)

	err := w.ProcessTask(context.Background(), asynq.NewTask("batch:render", []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry for bad payload, got %v", err)
	}
	err = w.ProcessTask(context.Background(), newTask(t, model.BatchJob{}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry for missing batch id, got %v", err)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		p    batch.Progress
		want int
	}{
		{batch.Progress{State: batch.StateResolvingInputs}, 0},
		{batch.Progress{State: batch.StatePrefetchingAssets}, 5},
		{batch.Progress{State: batch.StateRendering, Rendered: 0, Total: 10}, 5},
		{batch.Progress{State: batch.StateRendering, Rendered: 5, Total: 10}, 50},
		{batch.Progress{State: batch.StateRendering, Rendered: 10, Total: 10}, 95},
		{batch.Progress{State: batch.StatePersisting}, 95},
		{batch.Progress{State: batch.StateDone}, 100},
	}
	for _, tt := range tests {
		if got := percent(tt.p); got != tt.want {
			t.Errorf("percent(%+v) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

// unavailableSink fails every result insert, like a database outage
type unavailableSink struct {
	*memory.Store
}

func (unavailableSink) InsertResults(context.Context, string, string, []model.Outcome) error {
	return errors.New("db down")
}

func newTestOrchestrator(t *testing.T, store *memory.Store, sink batch.ResultSink, storage *client.MockStorage) *batch.Orchestrator {
	t.Helper()
	renderer, err := render.New(render.Options{})
	if err != nil {
		t.Fatal(err)
	}
	orch, err := batch.New(batch.Config{PoolSize: 2, SkipCompleted: true}, batch.Deps{
		Records:  store,
		Sink:     sink,
		Storage:  storage,
		Renderer: renderer,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return orch
}

func TestProcessTaskPersistFailureFailsBatchRecord(t *testing.T) {
	store := memory.New()
	orch := newTestOrchestrator(t, store, unavailableSink{store}, client.NewMockStorage("https://cdn.test"))

	ctx := context.Background()
	if err := store.SaveTemplate(ctx, "tpl", &model.Template{
		Width:  40,
		Height: 20,
		Elements: []model.Element{{
			Base:  model.Base{ID: "bg", Kind: model.ElementShape, Width: 40, Height: 20},
			Props: &model.ShapeProps{Shape: "rect", Fill: "#ff0000"},
		}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateBatch(ctx, model.BatchRecord{BatchID: "b2", UserID: "u1", TemplateID: "tpl"}); err != nil {
		t.Fatal(err)
	}

	tracker := &fakeTracker{}
	w := NewBatchWorker(orch, tracker, &fakeHub{}, nil)

	// outside an asynq server this is the last attempt
	err := w.ProcessTask(ctx, newTask(t, model.BatchJob{BatchID: "b2", Rows: []model.Row{{}, {}}}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable persist error, got %v", err)
	}

	rec, err := store.GetBatch(ctx, "b2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.BatchStatusFailed || rec.CompletedAt == nil || rec.Error == "" {
		t.Errorf("expected failed batch record, got %+v", rec)
	}
	if rec.TotalCount != 2 {
		t.Errorf("expected counts of the last attempt, got %+v", rec)
	}
	if last := tracker.last(); last.method != "fail" {
		t.Errorf("expected job failed, got %s", last.method)
	}
}

func TestProcessTaskEndToEndRetryIsIdempotent(t *testing.T) {
	store := memory.New()
	storage := client.NewMockStorage("https://cdn.test")
	orch := newTestOrchestrator(t, store, store, storage)

	ctx := context.Background()
	tpl := &model.Template{
		Width:  120,
		Height: 60,
		Elements: []model.Element{{
			Base:  model.Base{ID: "name", Kind: model.ElementText, X: 5, Y: 5, Width: 110, Height: 40, Dynamic: true, Field: "name"},
			Props: &model.TextProps{Content: "?", FontSize: 18},
		}},
	}
	if err := store.SaveTemplate(ctx, "tpl", tpl); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateBatch(ctx, model.BatchRecord{BatchID: "b1", UserID: "u1", TemplateID: "tpl", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	job := model.BatchJob{
		BatchID: "b1",
		Rows:    []model.Row{{"name": "Ann"}, {"name": "Bob"}, {"name": "Cy"}},
	}
	tracker := &fakeTracker{}
	w := NewBatchWorker(orch, tracker, &fakeHub{}, nil)

	for attempt := 0; attempt < 2; attempt++ {
		if err := w.ProcessTask(ctx, newTask(t, job)); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}

	if keys := storage.Keys(); len(keys) != 3 {
		t.Errorf("expected 3 uploads across both attempts, got %d", len(keys))
	}
	results, err := store.ListResults(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 stored results, got %d", len(results))
	}
	for i, r := range results {
		if r.Index != i || !r.Success {
			t.Errorf("unexpected result %+v", r)
		}
	}

	rec, err := store.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.BatchStatusCompleted || rec.GeneratedCount != 3 || rec.TotalCount != 3 {
		t.Errorf("unexpected batch record %+v", rec)
	}

	last := tracker.last()
	if last.method != "complete" || last.summary.GeneratedCount != 3 {
		t.Errorf("unexpected final tracker call %+v", last)
	}
}
