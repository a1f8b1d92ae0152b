package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/domain"
)

const maxBatchErrorLength = 1000

const batchColumns = `id, source_file, source_hash, status, total_rows, valid_rows, rejected_rows,
	rows_loaded, fact_rows, error_message, started_at, completed_at, created_at, updated_at`

type batchRepository struct {
	pool *pgxpool.Pool
}

// NewBatchRepository wires a repository backed by pgxpool.
func NewBatchRepository(pool *pgxpool.Pool) BatchRepository {
	return &batchRepository{pool: pool}
}

func (r *batchRepository) Create(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}
	return insertBatch(ctx, r.pool, batch)
}

func insertBatch(ctx context.Context, exec Executor, batch domain.Batch) (domain.Batch, error) {
	row := exec.QueryRow(
		ctx,
		`INSERT INTO ingest_batches (id, source_file, source_hash, status, total_rows, valid_rows, rejected_rows)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+batchColumns,
		batch.ID,
		batch.SourceFile,
		batch.SourceHash,
		string(batch.Status),
		batch.TotalRows,
		batch.ValidRows,
		batch.RejectedRows,
	)
	created, err := scanBatch(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return domain.Batch{}, fmt.Errorf("batch for hash %s: %w", batch.SourceHash, ErrDuplicateSource)
		}
		return domain.Batch{}, fmt.Errorf("failed to create batch: %w", err)
	}
	return created, nil
}

func (r *batchRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}
	batch, err := scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM ingest_batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Batch{}, fmt.Errorf("batch %s: %w", id, ErrBatchNotFound)
		}
		return domain.Batch{}, fmt.Errorf("failed to get batch: %w", err)
	}
	return batch, nil
}

func (r *batchRepository) GetBySourceHash(ctx context.Context, hash string) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}
	batch, err := scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM ingest_batches WHERE source_hash = $1`, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Batch{}, fmt.Errorf("batch for hash %s: %w", hash, ErrBatchNotFound)
		}
		return domain.Batch{}, fmt.Errorf("failed to get batch by hash: %w", err)
	}
	return batch, nil
}

func (r *batchRepository) ListByStatus(ctx context.Context, statuses []domain.BatchStatus, limit int, offset int) ([]domain.Batch, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("batch repository not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var statusFilter []string
	for _, status := range statuses {
		statusFilter = append(statusFilter, string(status))
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+batchColumns+`
		 FROM ingest_batches
		 WHERE COALESCE(cardinality($1::text[]), 0) = 0 OR status = ANY($1)
		 ORDER BY created_at ASC
		 LIMIT $2 OFFSET $3`,
		statusFilter,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	batches := []domain.Batch{}
	for rows.Next() {
		batch, scanErr := scanBatch(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", scanErr)
		}
		batches = append(batches, batch)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", rowsErr)
	}
	return batches, nil
}

func (r *batchRepository) MarkProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	if r.pool == nil {
		return fmt.Errorf("batch repository not initialized")
	}
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingest_batches
		 SET status = 'processing', started_at = $2, completed_at = NULL, error_message = NULL, updated_at = NOW()
		 WHERE id = $1`,
		id,
		startedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark batch processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", id, ErrBatchNotFound)
	}
	return nil
}

func (r *batchRepository) Finish(ctx context.Context, id uuid.UUID, outcome domain.BatchOutcome, finishedAt time.Time) error {
	if r.pool == nil {
		return fmt.Errorf("batch repository not initialized")
	}

	var errorMessage *string
	if outcome.Err != nil {
		msg := truncateError(outcome.Err.Error())
		errorMessage = &msg
	}

	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingest_batches
		 SET status = $2,
		     total_rows = $3,
		     valid_rows = $4,
		     rejected_rows = $5,
		     rows_loaded = $6,
		     fact_rows = $7,
		     error_message = $8,
		     completed_at = $9,
		     updated_at = NOW()
		 WHERE id = $1`,
		id,
		string(outcome.Status),
		outcome.TotalRows,
		outcome.ValidRows,
		outcome.RejectedRows,
		outcome.RowsLoaded,
		outcome.FactRows,
		errorMessage,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", id, ErrBatchNotFound)
	}
	return nil
}

func scanBatch(row pgx.Row) (domain.Batch, error) {
	var (
		batch  domain.Batch
		status string
	)
	if err := row.Scan(
		&batch.ID,
		&batch.SourceFile,
		&batch.SourceHash,
		&status,
		&batch.TotalRows,
		&batch.ValidRows,
		&batch.RejectedRows,
		&batch.RowsLoaded,
		&batch.FactRows,
		&batch.ErrorMessage,
		&batch.StartedAt,
		&batch.CompletedAt,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	); err != nil {
		return domain.Batch{}, err
	}
	batch.Status = domain.BatchStatus(status)
	return batch, nil
}

func truncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= maxBatchErrorLength {
		return msg
	}
	return string([]rune(msg)[:maxBatchErrorLength])
}
