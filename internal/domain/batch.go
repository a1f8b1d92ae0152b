package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus tracks the lifecycle of one load attempt.
type BatchStatus string

const (
	BatchStatusPending             BatchStatus = "pending"
	BatchStatusProcessing          BatchStatus = "processing"
	BatchStatusCompleted           BatchStatus = "completed"
	BatchStatusCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchStatusFailed              BatchStatus = "failed"
)

// Terminal reports whether the status ends a load attempt.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusCompletedWithErrors, BatchStatusFailed:
		return true
	}
	return false
}

// Loaded reports whether the batch committed facts.
func (s BatchStatus) Loaded() bool {
	return s == BatchStatusCompleted || s == BatchStatusCompletedWithErrors
}

// LoadPhase names the orchestrator states a batch moves through.
type LoadPhase string

const (
	PhaseValidated           LoadPhase = "validated"
	PhaseDimensionResolution LoadPhase = "dimension_resolution"
	PhaseFactLoad            LoadPhase = "fact_load"
	PhasePostValidation      LoadPhase = "post_validation"
	PhaseCommitted           LoadPhase = "committed"
	PhaseRolledBack          LoadPhase = "rolled_back"
)

// Batch is one import of an export file.
type Batch struct {
	ID           uuid.UUID   `json:"id"`
	SourceFile   string      `json:"source_file"`
	SourceHash   string      `json:"source_hash"`
	Status       BatchStatus `json:"status"`
	TotalRows    int         `json:"total_rows"`
	ValidRows    int         `json:"valid_rows"`
	RejectedRows int         `json:"rejected_rows"`
	RowsLoaded   int         `json:"rows_loaded"`
	FactRows     int         `json:"fact_rows"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewBatch creates a pending batch for a staged export.
func NewBatch(sourceFile, sourceHash string) Batch {
	now := time.Now().UTC()
	return Batch{
		ID:         uuid.New(),
		SourceFile: sourceFile,
		SourceHash: sourceHash,
		Status:     BatchStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// BatchOutcome carries the counters written when a batch finishes.
type BatchOutcome struct {
	Status       BatchStatus
	TotalRows    int
	ValidRows    int
	RejectedRows int
	RowsLoaded   int
	FactRows     int
	Err          error
}
