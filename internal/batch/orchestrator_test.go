package batch

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/makeasinger/imagebatch/internal/render"
	"go.uber.org/zap"
)

func helloTemplate() *model.Template {
	return &model.Template{
		Width:  160,
		Height: 90,
		Elements: []model.Element{
			{
				Base:  model.Base{ID: "greeting", Kind: model.ElementText, X: 10, Y: 10, Width: 140, Height: 30},
				Props: &model.TextProps{Content: "Hello", FontSize: 20},
			},
			{
				Base:  model.Base{ID: "name", Kind: model.ElementText, X: 10, Y: 50, Width: 140, Height: 30, Dynamic: true, Field: "name", ZIndex: 1},
				Props: &model.TextProps{FontSize: 20},
			},
		},
	}
}

func nameRows(n int) []model.Row {
	rows := make([]model.Row, n)
	for i := range rows {
		rows[i] = model.Row{"name": string(rune('A' + i))}
	}
	return rows
}

type harness struct {
	storage  *memStorage
	sink     *recordingSink
	renderer *throttledRenderer
}

func newOrchestrator(t *testing.T, cfg Config, mutate func(*Deps)) (*Orchestrator, *harness) {
	t.Helper()
	r, err := render.New(render.Options{})
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	h := &harness{
		storage:  newMemStorage(),
		sink:     &recordingSink{},
		renderer: &throttledRenderer{inner: r},
	}
	deps := Deps{
		Sink:     h.sink,
		Storage:  h.storage,
		Renderer: h.renderer,
		Fetcher:  failingFetcher{},
		Logger:   zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, h
}

func TestRunHelloScenario(t *testing.T) {
	o, h := newOrchestrator(t, Config{PoolSize: 2}, nil)

	res, err := o.Run(context.Background(), &model.BatchJob{
		BatchID:  "b-1",
		UserID:   "u-1",
		Template: helloTemplate(),
		Rows:     []model.Row{{"name": "A"}, {"name": "B"}},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(res.Outcomes))
	}
	for i, out := range res.Outcomes {
		if out.Index != i || !out.Success {
			t.Errorf("outcome %d = %+v", i, out)
		}
	}

	for key, data := range h.storage.objects {
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("object %s is not a PNG: %v", key, err)
		}
		if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 90 {
			t.Errorf("object %s is %dx%d, want 160x90", key, b.Dx(), b.Dy())
		}
		if h.storage.types[key] != "image/png" {
			t.Errorf("content type %q", h.storage.types[key])
		}
	}
	if h.storage.len() != 2 {
		t.Errorf("uploaded %d objects, want 2", h.storage.len())
	}

	if len(h.sink.inserted) != 2 {
		t.Errorf("inserted %d outcomes, want 2", len(h.sink.inserted))
	}
	stats := h.sink.lastStats()
	if stats.Status != model.BatchStatusCompleted || stats.GeneratedCount != 2 || stats.CompletedAt == nil {
		t.Errorf("stats = %+v", stats)
	}
	if res.State != StateDone {
		t.Errorf("state = %s", res.State)
	}
}

func TestRunIndexDeterminism(t *testing.T) {
	for _, size := range []int{1, 2, 3, 10} {
		o, _ := newOrchestrator(t, Config{PoolSize: size}, nil)
		res, err := o.Run(context.Background(), &model.BatchJob{
			BatchID:    "b-idx",
			UserID:     "u",
			Template:   helloTemplate(),
			Rows:       nameRows(7),
			StartIndex: 5,
		}, nil)
		if err != nil {
			t.Fatalf("pool %d: Run: %v", size, err)
		}

		if len(res.Outcomes) != 7 {
			t.Fatalf("pool %d: %d outcomes", size, len(res.Outcomes))
		}
		for i, out := range res.Outcomes {
			if out.Index != 5+i {
				t.Errorf("pool %d: outcome %d has index %d", size, i, out.Index)
			}
			if out.Row["name"] != string(rune('A'+i)) {
				t.Errorf("pool %d: outcome %d carries row %v", size, i, out.Row)
			}
		}
		if want := (7 + size - 1) / size; res.Chunks != want {
			t.Errorf("pool %d: %d chunks, want %d", size, res.Chunks, want)
		}
	}
}

func TestRunRespectsPoolCapacity(t *testing.T) {
	o, h := newOrchestrator(t, Config{PoolSize: 2}, nil)
	h.renderer.delay = 20 * time.Millisecond

	res, err := o.Run(context.Background(), &model.BatchJob{
		BatchID:  "b-pool",
		UserID:   "u",
		Template: helloTemplate(),
		Rows:     nameRows(5),
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Chunks != 3 {
		t.Errorf("chunks = %d, want 3", res.Chunks)
	}
	if res.PeakInFlight != 2 {
		t.Errorf("peak surfaces = %d, want 2", res.PeakInFlight)
	}
	if got := h.renderer.max.Load(); got > 2 {
		t.Errorf("%d renders overlapped, want <= 2", got)
	}
}

func TestRunIsolatesRowFailures(t *testing.T) {
	o, h := newOrchestrator(t, Config{PoolSize: 5}, nil)
	rows := nameRows(5)
	rows[1]["inject"] = "error"
	rows[3]["inject"] = "panic"

	res, err := o.Run(context.Background(), &model.BatchJob{
		BatchID:  "b-iso",
		UserID:   "u",
		Template: helloTemplate(),
		Rows:     rows,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, out := range res.Outcomes {
		failed := i == 1 || i == 3
		if out.Success == failed {
			t.Errorf("row %d success = %v", i, out.Success)
		}
		if failed && out.Error == "" {
			t.Errorf("row %d failed without an error message", i)
		}
	}
	if res.Status != model.BatchStatusCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if stats := h.sink.lastStats(); stats.GeneratedCount != 3 || stats.FailedCount != 2 || stats.TotalCount != 5 {
		t.Errorf("stats = %+v", stats)
	}
	if len(h.sink.inserted) != 3 {
		t.Errorf("inserted %d, want only successful outcomes", len(h.sink.inserted))
	}

	// the pool survives a panicking render
	res, err = o.Run(context.Background(), &model.BatchJob{
		BatchID: "b-iso-2", UserID: "u", Template: helloTemplate(), Rows: nameRows(2),
	}, nil)
	if err != nil || res.Succeeded() != 2 {
		t.Errorf("follow-up run: err=%v succeeded=%d", err, res.Succeeded())
	}
}

func TestRunUnreachableImageStillSucceeds(t *testing.T) {
	o, _ := newOrchestrator(t, Config{PoolSize: 2}, nil)
	tpl := helloTemplate()
	tpl.Elements = append(tpl.Elements, model.Element{
		Base:  model.Base{ID: "photo", Kind: model.ElementImage, X: 100, Y: 10, Width: 50, Height: 50, Dynamic: true, Field: "photo"},
		Props: &model.ImageProps{},
	})

	res, err := o.Run(context.Background(), &model.BatchJob{
		BatchID:  "b-img",
		UserID:   "u",
		Template: tpl,
		Rows: []model.Row{
			{"name": "A", "photo": "https://unreachable.invalid/a.png"},
			{"name": "B", "photo": "https://unreachable.invalid/a.png"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, out := range res.Outcomes {
		if !out.Success {
			t.Errorf("row %d failed: %s", out.Index, out.Error)
		}
	}
	if len(res.AssetFailures) != 1 {
		t.Errorf("asset failures = %d, want 1 (deduplicated)", len(res.AssetFailures))
	}
}

func TestRunUploadFailureIsPerRow(t *testing.T) {
	o, h := newOrchestrator(t, Config{PoolSize: 3}, nil)
	h.storage.failOn = func(key string) bool {
		return regexp.MustCompile(`/000001-`).MatchString(key)
	}

	res, err := o.Run(context.Background(), &model.BatchJob{
		BatchID: "b-up", UserID: "u", Template: helloTemplate(), Rows: nameRows(3),
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcomes[1].Success || !res.Outcomes[0].Success || !res.Outcomes[2].Success {
		t.Errorf("outcomes = %+v", res.Outcomes)
	}
}

func TestRunFetchByID(t *testing.T) {
	records := &fakeRecords{
		owner: &model.BatchOwner{
			BatchID:      "b-ref",
			UserID:       "owner-1",
			TemplateRef:  "tpl-1",
			RowsRef:      "https://data.test/rows.csv",
			FieldMapping: model.FieldMapping{"name": "Full Name"},
			StartIndex:   10,
		},
		templates: map[string]*model.Template{"tpl-1": helloTemplate()},
	}
	rows := &fakeRows{rows: map[string][]model.Row{
		"https://data.test/rows.csv": {{"Full Name": "Ada"}, {"Full Name": "Grace"}},
	}}
	o, h := newOrchestrator(t, Config{}, func(d *Deps) {
		d.Records = records
		d.Rows = rows
	})

	res, err := o.Run(context.Background(), &model.BatchJob{BatchID: "b-ref", Width: 80, Height: 40}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.UserID != "owner-1" || len(h.sink.userIDs) != 1 || h.sink.userIDs[0] != "owner-1" {
		t.Errorf("user id not resolved from owner: %q %v", res.UserID, h.sink.userIDs)
	}
	if res.Outcomes[0].Index != 10 || res.Outcomes[1].Index != 11 {
		t.Errorf("indices = %d,%d", res.Outcomes[0].Index, res.Outcomes[1].Index)
	}
	for _, data := range h.storage.objects {
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 80 || b.Dy() != 40 {
			t.Errorf("canvas override ignored: %dx%d", b.Dx(), b.Dy())
		}
	}
	if records.templates["tpl-1"].Width != 160 {
		t.Error("stored template was mutated")
	}
}

func TestRunFatalInputs(t *testing.T) {
	tests := []struct {
		name string
		job  *model.BatchJob
		want error
	}{
		{"no template", &model.BatchJob{BatchID: "b", UserID: "u", Rows: nameRows(1)}, ErrMissingTemplate},
		{"no rows", &model.BatchJob{BatchID: "b", UserID: "u", Template: helloTemplate()}, ErrMissingRows},
		{"bad canvas", &model.BatchJob{BatchID: "b", UserID: "u", Template: &model.Template{Width: 0, Height: 10}, Rows: nameRows(1)}, ErrMissingTemplate},
		{"oversized canvas", &model.BatchJob{BatchID: "b", UserID: "u", Template: &model.Template{Width: 200000, Height: 200000}, Rows: nameRows(1)}, ErrMissingTemplate},
		{"oversized override", &model.BatchJob{BatchID: "b", UserID: "u", Template: helloTemplate(), Width: model.MaxCanvasSize + 1, Rows: nameRows(1)}, ErrMissingTemplate},
		{"no batch id", &model.BatchJob{}, ErrMissingBatchID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, h := newOrchestrator(t, Config{}, nil)
			res, err := o.Run(context.Background(), tt.job, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Error("fatal run returned a result")
			}
			if h.storage.len() != 0 {
				t.Error("fatal run uploaded objects")
			}
			if tt.want != ErrMissingBatchID && h.sink.lastStats().Status != model.BatchStatusFailed {
				t.Errorf("stats = %+v, want failed", h.sink.lastStats())
			}
		})
	}
}

func TestRunSkipsCompletedRows(t *testing.T) {
	sink := &listingSink{}
	sink.completed = map[int]string{0: "https://cdn.test/old-0.png"}

	o, h := newOrchestrator(t, Config{PoolSize: 2, SkipCompleted: true}, func(d *Deps) {
		d.Sink = sink
	})

	res, err := o.Run(context.Background(), &model.BatchJob{
		BatchID: "b-skip", UserID: "u", Template: helloTemplate(), Rows: nameRows(3),
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Outcomes[0].Reused || res.Outcomes[0].StorageURL != "https://cdn.test/old-0.png" {
		t.Errorf("row 0 not reused: %+v", res.Outcomes[0])
	}
	if h.storage.len() != 2 {
		t.Errorf("uploaded %d, want 2", h.storage.len())
	}
	if len(sink.inserted) != 2 {
		t.Errorf("inserted %d, want 2", len(sink.inserted))
	}
	if stats := sink.lastStats(); stats.GeneratedCount != 3 {
		t.Errorf("generated = %d, want 3", stats.GeneratedCount)
	}
}

func TestRunPersistFailureIsReturned(t *testing.T) {
	o, h := newOrchestrator(t, Config{}, nil)
	h.sink.insertErr = errors.New("db down")

	res, err := o.Run(context.Background(), &model.BatchJob{
		BatchID: "b-db", UserID: "u", Template: helloTemplate(), Rows: nameRows(1),
	}, nil)
	if err == nil {
		t.Fatal("expected persist error")
	}
	if res == nil || res.Succeeded() != 1 {
		t.Error("rendered outcomes should still be returned")
	}
}

func TestRunReportsProgress(t *testing.T) {
	o, _ := newOrchestrator(t, Config{PoolSize: 2}, nil)

	var (
		mu     sync.Mutex
		states []State
		last   Progress
	)
	_, err := o.Run(context.Background(), &model.BatchJob{
		BatchID: "b-prog", UserID: "u", Template: helloTemplate(), Rows: nameRows(3),
	}, func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != p.State {
			states = append(states, p.State)
		}
		last = p
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{StateResolvingInputs, StatePrefetchingAssets, StateRendering, StatePersisting, StateDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}
	if last.Succeeded != 3 || last.Total != 3 || last.BatchID != "b-prog" {
		t.Errorf("final progress = %+v", last)
	}
}

func TestChunksAndKeys(t *testing.T) {
	got := chunks([]int{0, 1, 2, 3, 4}, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[1]) != 2 || len(got[2]) != 1 {
		t.Errorf("chunks = %v", got)
	}
	if len(chunks(nil, 3)) != 0 {
		t.Error("empty input produced chunks")
	}

	key := objectKey("renders", "b-1", 42, "png")
	if !regexp.MustCompile(`^renders/b-1/000042-[0-9a-f]{8}\.png$`).MatchString(key) {
		t.Errorf("key = %q", key)
	}
	if objectKey("renders", "b-1", 42, "png") == key {
		t.Error("keys for the same index must differ across attempts")
	}
}

func TestNewRequiresStorageAndRenderer(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("expected error without storage")
	}
	if _, err := New(Config{}, Deps{Storage: newMemStorage()}); err == nil {
		t.Error("expected error without renderer")
	}
}
