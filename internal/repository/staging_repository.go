package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/domain"
	"go.uber.org/zap"
)

type stagingRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStagingRepository wires a repository backed by pgxpool.
func NewStagingRepository(pool *pgxpool.Pool, logger *zap.Logger) StagingRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &stagingRepository{pool: pool, logger: logger}
}

func (r *stagingRepository) Stage(ctx context.Context, batch domain.Batch, rows []domain.NormalizedRow) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("staging repository not initialized")
	}

	copyRows := make([][]any, 0, len(rows))
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("failed to encode row %d: %w", row.RowNumber, err)
		}
		reasons := row.Reasons
		if reasons == nil {
			reasons = []string{}
		}
		copyRows = append(copyRows, []any{batch.ID, row.RowNumber, row.Valid, reasons, payload})
	}

	var created domain.Batch
	err := db.WithTx(ctx, r.pool, r.logger, func(tx pgx.Tx) error {
		var err error
		created, err = insertBatch(ctx, tx, batch)
		if err != nil {
			return err
		}
		copied, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"staging_rows"},
			[]string{"batch_id", "row_number", "is_valid", "reasons", "payload"},
			pgx.CopyFromRows(copyRows),
		)
		if err != nil {
			return fmt.Errorf("failed to copy staging rows: %w", err)
		}
		if int(copied) != len(copyRows) {
			return fmt.Errorf("staged %d of %d rows", copied, len(copyRows))
		}
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}
	return created, nil
}

func (r *stagingRepository) Rows(ctx context.Context, batchID uuid.UUID) ([]domain.NormalizedRow, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("staging repository not initialized")
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT row_number, is_valid, reasons, payload
		 FROM staging_rows
		 WHERE batch_id = $1
		 ORDER BY row_number ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging rows: %w", err)
	}
	defer rows.Close()

	staged := []domain.NormalizedRow{}
	for rows.Next() {
		var (
			rowNumber int
			valid     bool
			reasons   []string
			payload   []byte
		)
		if scanErr := rows.Scan(&rowNumber, &valid, &reasons, &payload); scanErr != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", scanErr)
		}

		var row domain.NormalizedRow
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, fmt.Errorf("failed to decode staging row %d: %w", rowNumber, err)
		}
		row.RowNumber = rowNumber
		row.Valid = valid
		row.Reasons = reasons
		staged = append(staged, row)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate staging rows: %w", rowsErr)
	}
	return staged, nil
}
