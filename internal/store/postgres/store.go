package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/makeasinger/imagebatch/internal/batch"
	"github.com/makeasinger/imagebatch/internal/model"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txBeginner is implemented by *sql.DB
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

const (
	// resultColumns is the number of bind parameters per batch_results row
	resultColumns = 5

	// maxResultsPerStatement keeps one upsert under the 65535 bind
	// parameter limit of the Postgres protocol
	maxResultsPerStatement = 10000
)

const (
	upsertTemplateQuery = `INSERT INTO templates (template_id, definition)
	 VALUES ($1, $2)
	 ON CONFLICT (template_id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = now()`

	selectTemplateQuery = `SELECT definition FROM templates WHERE template_id = $1`

	insertBatchQuery = `INSERT INTO batches (
		batch_id,
		user_id,
		template_id,
		rows_ref,
		field_mapping,
		start_index,
		status,
		total_count,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (batch_id) DO NOTHING`

	selectBatchQuery = `SELECT batch_id, user_id, template_id, rows_ref, field_mapping, start_index,
	 status, generated_count, failed_count, total_count, error_message, created_at, completed_at
	 FROM batches
	 WHERE batch_id = $1`

	updateBatchStatsQuery = `UPDATE batches
	 SET status = $2, generated_count = $3, failed_count = $4, total_count = $5, error_message = $6, completed_at = $7
	 WHERE batch_id = $1`

	insertResultsPrefix = `INSERT INTO batch_results (batch_id, row_index, user_id, storage_url, row_data) VALUES `

	insertResultsConflict = ` ON CONFLICT (batch_id, row_index) DO UPDATE
	 SET storage_url = EXCLUDED.storage_url, row_data = EXCLUDED.row_data, user_id = EXCLUDED.user_id`

	listResultsQuery = `SELECT row_index, storage_url, row_data
	 FROM batch_results
	 WHERE batch_id = $1
	 ORDER BY row_index ASC`

	completedResultsQuery = `SELECT row_index, storage_url FROM batch_results WHERE batch_id = $1`
)

// Store implements batch.RecordStore, batch.ResultSink and batch.CompletedLister
type Store struct {
	db DB
}

var (
	_ batch.RecordStore     = (*Store)(nil)
	_ batch.ResultSink      = (*Store)(nil)
	_ batch.CompletedLister = (*Store)(nil)
)

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return batch.ErrNotFound
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) SaveTemplate(ctx context.Context, templateID string, tpl *model.Template) error {
	if strings.TrimSpace(templateID) == "" {
		return errors.New("template id is required")
	}
	raw, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertTemplateQuery, templateID, raw); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, templateRef string) (*model.Template, error) {
	var raw []byte
	if err := s.db.QueryRowContext(ctx, selectTemplateQuery, templateRef).Scan(&raw); err != nil {
		return nil, handleNotFound(err)
	}
	var tpl model.Template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", templateRef, err)
	}
	if tpl.ID == "" {
		tpl.ID = templateRef
	}
	return &tpl, nil
}

func (s *Store) CreateBatch(ctx context.Context, rec model.BatchRecord) error {
	if strings.TrimSpace(rec.BatchID) == "" {
		return errors.New("batch id is required")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return errors.New("user id is required")
	}
	mapping, err := json.Marshal(orEmpty(rec.FieldMapping))
	if err != nil {
		return fmt.Errorf("encode field mapping: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = model.BatchStatusQueued
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, insertBatchQuery,
		rec.BatchID,
		rec.UserID,
		nullIfEmpty(rec.TemplateID),
		nullIfEmpty(rec.RowsRef),
		mapping,
		rec.StartIndex,
		string(status),
		rec.TotalCount,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return batch.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*model.BatchRecord, error) {
	var (
		rec         model.BatchRecord
		templateID  sql.NullString
		rowsRef     sql.NullString
		mapping     []byte
		status      string
		errMessage  sql.NullString
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectBatchQuery, batchID).Scan(
		&rec.BatchID,
		&rec.UserID,
		&templateID,
		&rowsRef,
		&mapping,
		&rec.StartIndex,
		&status,
		&rec.GeneratedCount,
		&rec.FailedCount,
		&rec.TotalCount,
		&errMessage,
		&rec.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, handleNotFound(err)
	}

	rec.TemplateID = templateID.String
	rec.RowsRef = rowsRef.String
	rec.Status = model.BatchStatus(status)
	rec.Error = errMessage.String
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		rec.CompletedAt = &t
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &rec.FieldMapping); err != nil {
			return nil, fmt.Errorf("decode field mapping: %w", err)
		}
	}
	return &rec, nil
}

func (s *Store) GetBatchOwner(ctx context.Context, batchID string) (*model.BatchOwner, error) {
	rec, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return rec.Owner(), nil
}

// InsertResults upserts every outcome keyed on (batch_id, row_index). Large
// result sets are split into several statements, run in one transaction
// when the handle can begin one.
func (s *Store) InsertResults(ctx context.Context, batchID, userID string, outcomes []model.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	stmts, err := buildInsertResults(batchID, userID, outcomes, maxResultsPerStatement)
	if err != nil {
		return err
	}

	txb, ok := s.db.(txBeginner)
	if !ok || len(stmts) == 1 {
		for i, st := range stmts {
			if _, err := s.db.ExecContext(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("insert results chunk %d: %w", i, err)
			}
		}
		return nil
	}

	tx, err := txb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert results: %w", err)
	}
	defer tx.Rollback()

	for i, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("insert results chunk %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert results: %w", err)
	}
	return nil
}

type statement struct {
	query string
	args  []any
}

// buildInsertResults renders one multi-row upsert per perStatement outcomes.
// Placeholders restart at $1 in every statement.
func buildInsertResults(batchID, userID string, outcomes []model.Outcome, perStatement int) ([]statement, error) {
	if perStatement <= 0 {
		perStatement = maxResultsPerStatement
	}

	// a repeated index in one statement would make ON CONFLICT fail
	seen := make(map[int]struct{}, len(outcomes))
	unique := make([]model.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if _, dup := seen[o.Index]; dup {
			continue
		}
		seen[o.Index] = struct{}{}
		unique = append(unique, o)
	}

	stmts := make([]statement, 0, (len(unique)+perStatement-1)/perStatement)
	for start := 0; start < len(unique); start += perStatement {
		end := start + perStatement
		if end > len(unique) {
			end = len(unique)
		}

		var b strings.Builder
		b.WriteString(insertResultsPrefix)
		args := make([]any, 0, (end-start)*resultColumns)
		for n, o := range unique[start:end] {
			row, err := json.Marshal(orEmptyRow(o.Row))
			if err != nil {
				return nil, fmt.Errorf("encode row %d: %w", o.Index, err)
			}
			if n > 0 {
				b.WriteString(",")
			}
			base := n * resultColumns
			fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5)
			args = append(args, batchID, o.Index, userID, o.StorageURL, row)
		}
		b.WriteString(insertResultsConflict)
		stmts = append(stmts, statement{query: b.String(), args: args})
	}
	return stmts, nil
}

func (s *Store) UpdateBatchStats(ctx context.Context, batchID string, stats model.BatchStats) error {
	var completedAt sql.NullTime
	if stats.CompletedAt != nil {
		completedAt = sql.NullTime{Time: stats.CompletedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, updateBatchStatsQuery,
		batchID,
		string(stats.Status),
		stats.GeneratedCount,
		stats.FailedCount,
		stats.TotalCount,
		nullIfEmpty(stats.Error),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch stats: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return batch.ErrNotFound
	}
	return nil
}

func (s *Store) ListResults(ctx context.Context, batchID string) ([]model.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, listResultsQuery, batchID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []model.Outcome
	for rows.Next() {
		var (
			o   model.Outcome
			raw []byte
		)
		if err := rows.Scan(&o.Index, &o.StorageURL, &raw); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &o.Row); err != nil {
				return nil, fmt.Errorf("decode row %d: %w", o.Index, err)
			}
		}
		o.Success = true
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) CompletedResults(ctx context.Context, batchID string) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, completedResultsQuery, batchID)
	if err != nil {
		return nil, fmt.Errorf("list completed results: %w", err)
	}
	defer rows.Close()

	done := make(map[int]string)
	for rows.Next() {
		var (
			index int
			url   string
		)
		if err := rows.Scan(&index, &url); err != nil {
			return nil, fmt.Errorf("scan completed result: %w", err)
		}
		done[index] = url
	}
	return done, rows.Err()
}

func orEmpty(m model.FieldMapping) model.FieldMapping {
	if m == nil {
		return model.FieldMapping{}
	}
	return m
}

func orEmptyRow(r model.Row) model.Row {
	if r == nil {
		return model.Row{}
	}
	return r
}
