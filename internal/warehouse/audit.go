package warehouse

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
	"go.uber.org/zap"
)

// Audit step names.
const (
	StepValidate          = "validate"
	StepCleanup           = "cleanup"
	StepTransaction       = "transaction"
	StepResolveDimensions = "resolve_dimensions"
	StepLoadFacts         = "load_facts"
	StepPostValidation    = "post_validation"
)

// auditor writes step entries through the pool. Writes are detached from
// the caller's context so cancellation and rollback never lose them.
type auditor struct {
	repo   repository.AuditLogRepository
	logger *zap.Logger
	now    func() time.Time
}

// step records a started entry, runs fn, then records the outcome with
// its duration and the row count fn reports.
func (a *auditor) step(ctx context.Context, batchID uuid.UUID, name string, fn func() (int, error)) error {
	started := a.now()
	a.write(ctx, domain.AuditLogEntry{
		ID:        uuid.New(),
		BatchID:   batchID,
		Step:      name,
		Status:    domain.AuditStarted,
		StartedAt: started,
	})

	rows, err := fn()

	finished := a.now()
	entry := domain.AuditLogEntry{
		ID:         uuid.New(),
		BatchID:    batchID,
		Step:       name,
		Status:     domain.AuditCompleted,
		StartedAt:  started,
		FinishedAt: &finished,
		DurationMs: finished.Sub(started).Milliseconds(),
		RowCount:   rows,
	}
	if err != nil {
		msg := err.Error()
		entry.Status = domain.AuditFailed
		entry.ErrorMessage = &msg
	}
	a.write(ctx, entry)
	return err
}

func (a *auditor) write(ctx context.Context, entry domain.AuditLogEntry) {
	if err := a.repo.Record(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Error("failed to write audit entry",
			zap.String("batch_id", entry.BatchID.String()),
			zap.String("step", entry.Step),
			zap.String("status", string(entry.Status)),
			zap.Error(err))
	}
}
