package batch

import (
	"context"
	"errors"

	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/makeasinger/imagebatch/internal/render"
	"github.com/makeasinger/imagebatch/internal/surface"
)

var (
	// ErrNotFound is returned by stores for unknown batches or templates
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by CreateBatch when the batch id is taken
	ErrAlreadyExists = errors.New("already exists")

	ErrMissingTemplate = errors.New("template could not be resolved")
	ErrMissingRows     = errors.New("rows could not be resolved")
	ErrMissingBatchID  = errors.New("batch id is required")
)

// RecordStore resolves the inputs of a fetch-by-id invocation
type RecordStore interface {
	GetBatchOwner(ctx context.Context, batchID string) (*model.BatchOwner, error)
	GetTemplate(ctx context.Context, templateRef string) (*model.Template, error)
}

// ResultSink persists outcomes. InsertResults must upsert on
// (batchID, outcome index) so a retried run does not duplicate rows.
type ResultSink interface {
	InsertResults(ctx context.Context, batchID, userID string, outcomes []model.Outcome) error
	UpdateBatchStats(ctx context.Context, batchID string, stats model.BatchStats) error
}

// CompletedLister is optionally implemented by a ResultSink. It returns the
// stored URL of every index already recorded as successful.
type CompletedLister interface {
	CompletedResults(ctx context.Context, batchID string) (map[int]string, error)
}

// BlobStorage hosts rendered images
type BlobStorage interface {
	Put(ctx context.Context, data []byte, contentType, key string) (string, error)
}

// RowSource fetches and parses a delimited-text row set
type RowSource interface {
	Rows(ctx context.Context, ref string) ([]model.Row, error)
}

// RowRenderer is satisfied by *render.Renderer
type RowRenderer interface {
	Render(surf *surface.Surface, scene *render.Scene, row model.Row, mapping model.FieldMapping) ([]byte, error)
	Format() model.OutputFormat
}
