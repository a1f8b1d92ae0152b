package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rpattn/adwarehouse/internal/domain"
)

type rejectionRepository struct {
	pool *pgxpool.Pool
}

// NewRejectionRepository wires a repository backed by pgxpool.
func NewRejectionRepository(pool *pgxpool.Pool) RejectionRepository {
	return &rejectionRepository{pool: pool}
}

func (r *rejectionRepository) Record(ctx context.Context, entries []domain.RejectionEntry) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("rejection repository not initialized")
	}
	if len(entries) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		id := entry.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		payload, err := json.Marshal(entry.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode rejection payload for row %d: %w", entry.RowNumber, err)
		}
		batch.Queue(
			`INSERT INTO batch_rejections (id, batch_id, row_number, reason, payload)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (batch_id, row_number) DO NOTHING`,
			id,
			entry.BatchID,
			entry.RowNumber,
			entry.Reason,
			payload,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range entries {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to record rejection: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *rejectionRepository) List(ctx context.Context, batchID uuid.UUID, limit int, offset int) ([]domain.RejectionEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("rejection repository not initialized")
	}
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, batch_id, row_number, reason, payload, created_at
		 FROM batch_rejections
		 WHERE batch_id = $1
		 ORDER BY row_number ASC
		 LIMIT $2 OFFSET $3`,
		batchID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejections: %w", err)
	}
	defer rows.Close()

	entries := []domain.RejectionEntry{}
	for rows.Next() {
		var (
			entry   domain.RejectionEntry
			payload []byte
		)
		if scanErr := rows.Scan(&entry.ID, &entry.BatchID, &entry.RowNumber, &entry.Reason, &payload, &entry.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("failed to scan rejection: %w", scanErr)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode rejection payload: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate rejections: %w", rowsErr)
	}
	return entries, nil
}

func (r *rejectionRepository) Count(ctx context.Context, batchID uuid.UUID) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("rejection repository not initialized")
	}
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM batch_rejections WHERE batch_id = $1`, batchID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rejections: %w", err)
	}
	return count, nil
}
