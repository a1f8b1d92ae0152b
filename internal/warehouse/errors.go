package warehouse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNoData is returned when a batch has no staged rows.
	ErrNoData = errors.New("batch has no rows")
	// ErrAlreadyLoaded is returned when a loaded batch is loaded again
	// without ForceReload.
	ErrAlreadyLoaded = errors.New("batch already loaded")
	// ErrBatchInProgress is returned when a batch is already being processed.
	ErrBatchInProgress = errors.New("batch is being processed")
	// ErrEffectiveTimeRegression is returned when a batch would version a
	// dimension at or before the start of its open version.
	ErrEffectiveTimeRegression = errors.New("effective time not after open version start")
)

// ValidationError reports a batch whose invalid share exceeds the threshold.
type ValidationError struct {
	Report ValidationReport
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("batch %s: %.2f%% of %d rows invalid, threshold %.2f%%",
		e.Report.BatchID, e.Report.ErrorPercentage, e.Report.TotalRows, e.Report.Threshold)
}

// RowRejection explains why one row was excluded.
type RowRejection struct {
	RowNumber int      `json:"row_number"`
	Reasons   []string `json:"reasons"`
}

func (r RowRejection) Error() string {
	return fmt.Sprintf("row %d rejected: %s", r.RowNumber, r.Reason())
}

// Reason joins the reasons into the text stored with the rejection.
func (r RowRejection) Reason() string {
	if len(r.Reasons) == 0 {
		return "invalid row"
	}
	return strings.Join(r.Reasons, "; ")
}

// DependencyResolutionError reports a reference a row needs that could not
// be resolved inside the load transaction.
type DependencyResolutionError struct {
	Entity     string
	NaturalKey string
	Missing    string
	Value      string
}

func (e *DependencyResolutionError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("resolve %s %q: missing %s %q", e.Entity, e.NaturalKey, e.Missing, e.Value)
	}
	return fmt.Sprintf("resolve %s %q: missing %s", e.Entity, e.NaturalKey, e.Missing)
}

// ReconciliationError reports a failed post-load check.
type ReconciliationError struct {
	Check  string
	Detail string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation %s failed: %s", e.Check, e.Detail)
}

// TransactionError wraps any failure of the load transaction with the step
// that raised it.
type TransactionError struct {
	BatchID uuid.UUID
	Step    string
	Err     error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("batch %s: %s: %v", e.BatchID, e.Step, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// stepError tags an error with the step it happened in so the orchestrator
// can report it after the transaction has rolled back.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }

func (e *stepError) Unwrap() error { return e.err }

func inStep(step string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *stepError
	if errors.As(err, &tagged) {
		return err
	}
	return &stepError{step: step, err: err}
}

func stepOf(err error, fallback string) (string, error) {
	var tagged *stepError
	if errors.As(err, &tagged) {
		return tagged.step, tagged.err
	}
	return fallback, err
}
