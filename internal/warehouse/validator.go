package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
	"go.uber.org/zap"
)

// ValidationReport summarizes the data quality of one batch.
type ValidationReport struct {
	BatchID         uuid.UUID      `json:"batch_id"`
	TotalRows       int            `json:"total_rows"`
	ValidRows       int            `json:"valid_rows"`
	RejectedRows    int            `json:"rejected_rows"`
	ErrorPercentage float64        `json:"error_percentage"`
	Threshold       float64        `json:"threshold"`
	Passed          bool           `json:"passed"`
	Rejections      []RowRejection `json:"rejections,omitempty"`
}

// Classify splits rows into loadable rows and rejections. A row is loadable
// when the normalizer marked it valid and it has every grain field.
func Classify(rows []domain.NormalizedRow) ([]domain.NormalizedRow, []RowRejection) {
	valid := make([]domain.NormalizedRow, 0, len(rows))
	var rejected []RowRejection
	for _, row := range rows {
		var reasons []string
		if !row.Valid {
			reasons = append(reasons, row.Reasons...)
			if len(reasons) == 0 {
				reasons = append(reasons, "flagged invalid by normalizer")
			}
		}
		reasons = append(reasons, row.StructuralProblems()...)
		if len(reasons) > 0 {
			rejected = append(rejected, RowRejection{RowNumber: row.RowNumber, Reasons: dedupe(reasons)})
			continue
		}
		valid = append(valid, row)
	}
	return valid, rejected
}

// ErrorPercentage is the share of invalid rows, 0 to 100.
func ErrorPercentage(total, valid int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(total-valid) / float64(total)
}

// Validator computes validation reports and records rejected rows.
type Validator struct {
	staging    repository.StagingRepository
	rejections repository.RejectionRepository
	logger     *zap.Logger
}

// NewValidator wires a validator over the staging and rejection stores.
func NewValidator(staging repository.StagingRepository, rejections repository.RejectionRepository, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{staging: staging, rejections: rejections, logger: logger}
}

// Validate reads the staged rows of a batch, records every rejection and
// returns the report with the valid rows ordered by row number. It never
// touches the warehouse.
func (v *Validator) Validate(ctx context.Context, batchID uuid.UUID, threshold float64) (ValidationReport, []domain.NormalizedRow, error) {
	rows, err := v.staging.Rows(ctx, batchID)
	if err != nil {
		return ValidationReport{}, nil, fmt.Errorf("failed to read staged rows: %w", err)
	}
	if len(rows) == 0 {
		return ValidationReport{BatchID: batchID, Threshold: threshold}, nil, fmt.Errorf("batch %s: %w", batchID, ErrNoData)
	}

	valid, rejected := Classify(rows)
	report := ValidationReport{
		BatchID:         batchID,
		TotalRows:       len(rows),
		ValidRows:       len(valid),
		RejectedRows:    len(rejected),
		ErrorPercentage: ErrorPercentage(len(rows), len(valid)),
		Threshold:       threshold,
		Rejections:      rejected,
	}
	report.Passed = report.ErrorPercentage <= threshold

	if len(rejected) > 0 {
		if err := v.recordRejections(ctx, batchID, rows, rejected); err != nil {
			return report, valid, err
		}
	}

	v.logger.Info("batch validated",
		zap.String("batch_id", batchID.String()),
		zap.Int("total_rows", report.TotalRows),
		zap.Int("valid_rows", report.ValidRows),
		zap.Float64("error_percentage", report.ErrorPercentage),
		zap.Bool("passed", report.Passed))

	return report, valid, nil
}

func (v *Validator) recordRejections(ctx context.Context, batchID uuid.UUID, rows []domain.NormalizedRow, rejected []RowRejection) error {
	byNumber := make(map[int]domain.NormalizedRow, len(rows))
	for _, row := range rows {
		byNumber[row.RowNumber] = row
	}

	now := time.Now().UTC()
	entries := make([]domain.RejectionEntry, 0, len(rejected))
	for _, rejection := range rejected {
		entries = append(entries, domain.RejectionEntry{
			ID:        uuid.New(),
			BatchID:   batchID,
			RowNumber: rejection.RowNumber,
			Reason:    rejection.Reason(),
			Payload:   domain.RedactRow(byNumber[rejection.RowNumber]),
			CreatedAt: now,
		})
	}

	// rejections outlive the caller's cancellation
	inserted, err := v.rejections.Record(context.WithoutCancel(ctx), entries)
	if err != nil {
		return fmt.Errorf("failed to record rejections: %w", err)
	}
	v.logger.Debug("rejections recorded",
		zap.String("batch_id", batchID.String()),
		zap.Int("rejected", len(entries)),
		zap.Int("new", inserted))
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
