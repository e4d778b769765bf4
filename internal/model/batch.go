package model

import "time"

// BatchStatus is the terminal or in-progress state of a batch record
type BatchStatus string

const (
	BatchStatusQueued    BatchStatus = "queued"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// BatchJob is the unit of work handed to the orchestrator. Any field left
// empty is resolved from the record store by BatchID.
type BatchJob struct {
	BatchID         string       `json:"batchId"`
	UserID          string       `json:"userId,omitempty"`
	Template        *Template    `json:"template,omitempty"`
	TemplateID      string       `json:"templateId,omitempty"`
	Width           int          `json:"width,omitempty"`
	Height          int          `json:"height,omitempty"`
	BackgroundColor string       `json:"backgroundColor,omitempty"`
	FieldMapping    FieldMapping `json:"fieldMapping,omitempty"`
	Rows            []Row        `json:"rows,omitempty"`
	RowsURL         string       `json:"rowsUrl,omitempty"`
	StartIndex      int          `json:"startIndex"`
}

// BatchOwner is the persisted record a fetch-by-id job is resolved from
type BatchOwner struct {
	BatchID      string       `json:"batchId"`
	UserID       string       `json:"userId"`
	TemplateRef  string       `json:"templateRef"`
	RowsRef      string       `json:"rowsRef"`
	FieldMapping FieldMapping `json:"fieldMapping"`
	StartIndex   int          `json:"startIndex"`
}

// Outcome is the per-row result of a batch run
type Outcome struct {
	Index      int    `json:"index"`
	Success    bool   `json:"success"`
	StorageURL string `json:"storageUrl,omitempty"`
	Error      string `json:"error,omitempty"`
	Row        Row    `json:"row"`
	Reused     bool   `json:"reused,omitempty"`
}

// BatchStats is the aggregate written to the owning record at the end of a run
type BatchStats struct {
	Status         BatchStatus `json:"status"`
	GeneratedCount int         `json:"generatedCount"`
	FailedCount    int         `json:"failedCount"`
	TotalCount     int         `json:"totalCount"`
	Error          string      `json:"error,omitempty"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
}

// BatchRecord is the owning record of a batch: registered before the job is
// enqueued, updated with aggregate stats when the run ends.
type BatchRecord struct {
	BatchID        string       `json:"batchId"`
	UserID         string       `json:"userId"`
	TemplateID     string       `json:"templateId,omitempty"`
	RowsRef        string       `json:"rowsRef,omitempty"`
	FieldMapping   FieldMapping `json:"fieldMapping,omitempty"`
	StartIndex     int          `json:"startIndex"`
	Status         BatchStatus  `json:"status"`
	GeneratedCount int          `json:"generatedCount"`
	FailedCount    int          `json:"failedCount"`
	TotalCount     int          `json:"totalCount"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
}

// Owner projects the record onto what input resolution needs
func (r *BatchRecord) Owner() *BatchOwner {
	return &BatchOwner{
		BatchID:      r.BatchID,
		UserID:       r.UserID,
		TemplateRef:  r.TemplateID,
		RowsRef:      r.RowsRef,
		FieldMapping: r.FieldMapping,
		StartIndex:   r.StartIndex,
	}
}

// BatchSummary is the job result stored with the job record and broadcast on completion
type BatchSummary struct {
	BatchID        string      `json:"batchId"`
	Status         BatchStatus `json:"status"`
	GeneratedCount int         `json:"generatedCount"`
	FailedCount    int         `json:"failedCount"`
	TotalCount     int         `json:"totalCount"`
	AssetFailures  int         `json:"assetFailures"`
	Failures       []Outcome   `json:"failures,omitempty"`
	CompletedAt    time.Time   `json:"completedAt"`
}
