package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/makeasinger/imagebatch/internal/model"
)

type inputs struct {
	userID     string
	template   *model.Template
	mapping    model.FieldMapping
	rows       []model.Row
	startIndex int
}

// resolve fills every input the job omits from the owning record. The
// returned template is a copy carrying the job's canvas overrides.
func (o *Orchestrator) resolve(ctx context.Context, job *model.BatchJob) (*inputs, error) {
	in := &inputs{
		userID:     job.UserID,
		mapping:    job.FieldMapping,
		rows:       job.Rows,
		startIndex: job.StartIndex,
	}

	needOwner := in.userID == "" || in.mapping == nil ||
		(job.Template == nil && job.TemplateID == "") ||
		(len(job.Rows) == 0 && job.RowsURL == "")

	var owner *model.BatchOwner
	if needOwner && o.records != nil {
		var err error
		owner, err = o.records.GetBatchOwner(ctx, job.BatchID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load batch owner: %w", err)
		}
	}
	if owner != nil {
		if in.userID == "" {
			in.userID = owner.UserID
		}
		if in.mapping == nil {
			in.mapping = owner.FieldMapping
		}
		if in.startIndex == 0 {
			in.startIndex = owner.StartIndex
		}
	}
	if in.startIndex < 0 {
		return nil, fmt.Errorf("negative start index %d", in.startIndex)
	}

	tpl, err := o.resolveTemplate(ctx, job, owner)
	if err != nil {
		return nil, err
	}
	in.template = tpl

	if len(in.rows) == 0 {
		ref := job.RowsURL
		if ref == "" && owner != nil {
			ref = owner.RowsRef
		}
		if ref == "" || o.rows == nil {
			return nil, ErrMissingRows
		}
		rows, err := o.rows.Rows(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingRows, err)
		}
		in.rows = rows
	}
	if len(in.rows) == 0 {
		return nil, fmt.Errorf("%w: row set is empty", ErrMissingRows)
	}

	return in, nil
}

func (o *Orchestrator) resolveTemplate(ctx context.Context, job *model.BatchJob, owner *model.BatchOwner) (*model.Template, error) {
	src := job.Template
	if src == nil {
		ref := job.TemplateID
		if ref == "" && owner != nil {
			ref = owner.TemplateRef
		}
		if ref == "" || o.records == nil {
			return nil, ErrMissingTemplate
		}
		loaded, err := o.records.GetTemplate(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingTemplate, err)
		}
		if loaded == nil {
			return nil, ErrMissingTemplate
		}
		src = loaded
	}

	tpl := *src
	if job.Width > 0 {
		tpl.Width = job.Width
	}
	if job.Height > 0 {
		tpl.Height = job.Height
	}
	if strings.TrimSpace(job.BackgroundColor) != "" {
		tpl.BackgroundColor = job.BackgroundColor
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingTemplate, err)
	}
	return &tpl, nil
}
