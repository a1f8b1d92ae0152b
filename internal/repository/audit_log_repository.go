package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rpattn/adwarehouse/internal/domain"
)

type auditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository wires a repository backed by pgxpool. Entries are
// written through the pool so they survive a rolled back load.
func NewAuditLogRepository(pool *pgxpool.Pool) AuditLogRepository {
	return &auditLogRepository{pool: pool}
}

func (r *auditLogRepository) Record(ctx context.Context, entry domain.AuditLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("audit log repository not initialized")
	}

	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO batch_audit_log (id, batch_id, step, status, started_at, finished_at, duration_ms, row_count, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id,
		entry.BatchID,
		entry.Step,
		string(entry.Status),
		entry.StartedAt,
		entry.FinishedAt,
		entry.DurationMs,
		entry.RowCount,
		entry.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	return nil
}

func (r *auditLogRepository) List(ctx context.Context, batchID uuid.UUID) ([]domain.AuditLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("audit log repository not initialized")
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, batch_id, step, status, started_at, finished_at, duration_ms, row_count, error_message, created_at
		 FROM batch_audit_log
		 WHERE batch_id = $1
		 ORDER BY created_at ASC, started_at ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.AuditLogEntry{}
	for rows.Next() {
		var (
			entry  domain.AuditLogEntry
			status string
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.BatchID,
			&entry.Step,
			&status,
			&entry.StartedAt,
			&entry.FinishedAt,
			&entry.DurationMs,
			&entry.RowCount,
			&entry.ErrorMessage,
			&entry.CreatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", scanErr)
		}
		entry.Status = domain.AuditStatus(status)
		entries = append(entries, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", rowsErr)
	}

	return entries, nil
}
