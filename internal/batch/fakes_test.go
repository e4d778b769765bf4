package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/makeasinger/imagebatch/internal/render"
	"github.com/makeasinger/imagebatch/internal/surface"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failOn  func(key string) bool
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *memStorage) Put(_ context.Context, data []byte, contentType, key string) (string, error) {
	if s.failOn != nil && s.failOn(key) {
		return "", errors.New("storage unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.types[key] = contentType
	return "https://cdn.test/" + key, nil
}

func (s *memStorage) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type recordingSink struct {
	mu        sync.Mutex
	inserted  []model.Outcome
	userIDs   []string
	stats     []model.BatchStats
	completed map[int]string
	insertErr error
}

func (s *recordingSink) InsertResults(_ context.Context, _ string, userID string, outcomes []model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, outcomes...)
	s.userIDs = append(s.userIDs, userID)
	return nil
}

func (s *recordingSink) UpdateBatchStats(_ context.Context, _ string, stats model.BatchStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats)
	return nil
}

func (s *recordingSink) lastStats() model.BatchStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stats) == 0 {
		return model.BatchStats{}
	}
	return s.stats[len(s.stats)-1]
}

// listingSink also reports completed indices
type listingSink struct {
	recordingSink
}

func (s *listingSink) CompletedResults(context.Context, string) (map[int]string, error) {
	return s.completed, nil
}

type fakeRecords struct {
	owner     *model.BatchOwner
	templates map[string]*model.Template
}

func (r *fakeRecords) GetBatchOwner(_ context.Context, batchID string) (*model.BatchOwner, error) {
	if r.owner == nil || r.owner.BatchID != batchID {
		return nil, ErrNotFound
	}
	return r.owner, nil
}

func (r *fakeRecords) GetTemplate(_ context.Context, ref string) (*model.Template, error) {
	t, ok := r.templates[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

type fakeRows struct {
	rows map[string][]model.Row
}

func (f *fakeRows) Rows(_ context.Context, ref string) ([]model.Row, error) {
	rows, ok := f.rows[ref]
	if !ok {
		return nil, fmt.Errorf("no rows at %s", ref)
	}
	return rows, nil
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, string) ([]byte, string, error) {
	return nil, "", errors.New("connection refused")
}

// throttledRenderer wraps the real renderer to slow renders down, count how
// many overlap, and inject failures for rows carrying a marker column.
type throttledRenderer struct {
	inner   *render.Renderer
	delay   time.Duration
	current atomic.Int32
	max     atomic.Int32
}

func (p *throttledRenderer) Format() model.OutputFormat { return p.inner.Format() }

func (p *throttledRenderer) Render(surf *surface.Surface, scene *render.Scene, row model.Row, mapping model.FieldMapping) ([]byte, error) {
	n := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		cur := p.max.Load()
		if n <= cur || p.max.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	switch row["inject"] {
	case "error":
		return nil, errors.New("bad element data")
	case "panic":
		panic("renderer exploded")
	}
	return p.inner.Render(surf, scene, row, mapping)
}
