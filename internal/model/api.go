package model

import "time"

// BatchStartRequest represents the request to start a batch render. Either an
// inline template or a templateId is required, and either rows or rowsUrl.
type BatchStartRequest struct {
	BatchID      string       `json:"batchId,omitempty" validate:"omitempty,uuid"`
	Template     *Template    `json:"template,omitempty"`
	TemplateID   string       `json:"templateId,omitempty" validate:"omitempty,max=128"`
	Width        int          `json:"width,omitempty" validate:"omitempty,min=1,max=8192"`
	Height       int          `json:"height,omitempty" validate:"omitempty,min=1,max=8192"`
	Background   string       `json:"backgroundColor,omitempty" validate:"omitempty,max=32"`
	FieldMapping FieldMapping `json:"fieldMapping,omitempty"`
	Rows         []Row        `json:"rows,omitempty" validate:"omitempty,max=10000"`
	RowsURL      string       `json:"rowsUrl,omitempty" validate:"omitempty,max=2048"`
	StartIndex   int          `json:"startIndex" validate:"min=0"`
}

// BatchStartResponse represents the response for starting a batch
type BatchStartResponse struct {
	BatchID   string    `json:"batchId"`
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	TotalRows int       `json:"totalRows"`
	CreatedAt time.Time `json:"createdAt"`
}

// BatchStatusResponse represents the status of a batch job
type BatchStatusResponse struct {
	BatchID     string        `json:"batchId"`
	Status      JobStatus     `json:"status"`
	Progress    int           `json:"progress"`
	CurrentStep string        `json:"currentStep,omitempty"`
	Error       *string       `json:"error,omitempty"`
	Summary     *BatchSummary `json:"summary,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	RetryCount  int           `json:"retryCount"`
}

// BatchResultsResponse lists the persisted images of a batch, ordered by index
type BatchResultsResponse struct {
	BatchID string    `json:"batchId"`
	Results []Outcome `json:"results"`
}
