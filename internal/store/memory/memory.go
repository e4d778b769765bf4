// Package memory is an in-process store for templates, batch records and
// results. It backs deployments without a database and the tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/makeasinger/imagebatch/internal/batch"
	"github.com/makeasinger/imagebatch/internal/model"
)

type Store struct {
	mu        sync.RWMutex
	templates map[string]*model.Template
	batches   map[string]*model.BatchRecord
	results   map[string]map[int]model.Outcome
}

var (
	_ batch.RecordStore     = (*Store)(nil)
	_ batch.ResultSink      = (*Store)(nil)
	_ batch.CompletedLister = (*Store)(nil)
)

func New() *Store {
	return &Store{
		templates: make(map[string]*model.Template),
		batches:   make(map[string]*model.BatchRecord),
		results:   make(map[string]map[int]model.Outcome),
	}
}

func (s *Store) SaveTemplate(_ context.Context, templateID string, tpl *model.Template) error {
	if strings.TrimSpace(templateID) == "" {
		return errors.New("template id is required")
	}
	if tpl == nil {
		return errors.New("template is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tpl
	cp.ID = templateID
	s.templates[templateID] = &cp
	return nil
}

func (s *Store) GetTemplate(_ context.Context, templateRef string) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[templateRef]
	if !ok {
		return nil, batch.ErrNotFound
	}
	cp := *tpl
	return &cp, nil
}

// CreateBatch registers rec. An existing record with the same id is kept
// and batch.ErrAlreadyExists returned.
func (s *Store) CreateBatch(_ context.Context, rec model.BatchRecord) error {
	if strings.TrimSpace(rec.BatchID) == "" {
		return errors.New("batch id is required")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[rec.BatchID]; exists {
		return batch.ErrAlreadyExists
	}
	if rec.Status == "" {
		rec.Status = model.BatchStatusQueued
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.batches[rec.BatchID] = &rec
	return nil
}

func (s *Store) GetBatch(_ context.Context, batchID string) (*model.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.batches[batchID]
	if !ok {
		return nil, batch.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) GetBatchOwner(ctx context.Context, batchID string) (*model.BatchOwner, error) {
	rec, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return rec.Owner(), nil
}

// InsertResults upserts by (batchID, index)
func (s *Store) InsertResults(_ context.Context, batchID, _ string, outcomes []model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.results[batchID]
	if !ok {
		byIndex = make(map[int]model.Outcome)
		s.results[batchID] = byIndex
	}
	for _, o := range outcomes {
		o.Reused = false
		byIndex[o.Index] = o
	}
	return nil
}

func (s *Store) UpdateBatchStats(_ context.Context, batchID string, stats model.BatchStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[batchID]
	if !ok {
		return batch.ErrNotFound
	}
	rec.Status = stats.Status
	rec.GeneratedCount = stats.GeneratedCount
	rec.FailedCount = stats.FailedCount
	rec.TotalCount = stats.TotalCount
	rec.Error = stats.Error
	rec.CompletedAt = stats.CompletedAt
	return nil
}

// ListResults returns stored outcomes ordered by index
func (s *Store) ListResults(_ context.Context, batchID string) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byIndex := s.results[batchID]
	out := make([]model.Outcome, 0, len(byIndex))
	for _, o := range byIndex {
		out = append(out, o)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

func (s *Store) CompletedResults(_ context.Context, batchID string) (map[int]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	done := make(map[int]string, len(s.results[batchID]))
	for idx, o := range s.results[batchID] {
		if o.Success {
			done[idx] = o.StorageURL
		}
	}
	return done, nil
}
