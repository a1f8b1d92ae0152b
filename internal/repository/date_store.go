package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rpattn/adwarehouse/internal/domain"
)

type dateStore struct {
	exec Executor
}

func (s *dateStore) Ensure(ctx context.Context, days []domain.DateDimension) error {
	if len(days) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, day := range days {
		batch.Queue(
			`INSERT INTO dim_date (date_id, full_date, year, month, day, day_of_week)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (date_id) DO NOTHING`,
			day.DateID,
			day.FullDate,
			day.Year,
			day.Month,
			day.Day,
			day.DayOfWeek,
		)
	}

	results := s.exec.SendBatch(ctx, batch)
	defer results.Close()
	for range days {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert date: %w", err)
		}
	}
	return nil
}
