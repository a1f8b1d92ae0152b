package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rpattn/adwarehouse/internal/domain"
)

type referenceStore struct {
	exec Executor
}

func (s *referenceStore) Ensure(ctx context.Context, kind domain.ReferenceKind, values []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(values))
	unique := distinct(values)
	if len(unique) == 0 {
		return ids, nil
	}

	table := pgx.Identifier{kind.Table()}.Sanitize()

	// sorted inserts keep lock order stable
	if _, err := s.exec.Exec(
		ctx,
		`INSERT INTO `+table+` (value)
		 SELECT v FROM unnest($1::text[]) AS v
		 ORDER BY v
		 ON CONFLICT (value) DO NOTHING`,
		unique,
	); err != nil {
		return nil, fmt.Errorf("failed to insert %s values: %w", kind, err)
	}

	rows, err := s.exec.Query(ctx, `SELECT id, value FROM `+table+` WHERE value = ANY($1)`, unique)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s values: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			value string
		)
		if scanErr := rows.Scan(&id, &value); scanErr != nil {
			return nil, fmt.Errorf("failed to scan %s value: %w", kind, scanErr)
		}
		ids[value] = id
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate %s values: %w", kind, rowsErr)
	}
	return ids, nil
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
