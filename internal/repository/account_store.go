package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/adwarehouse/internal/domain"
)

type accountStore struct {
	exec Executor
}

func (s *accountStore) Ensure(ctx context.Context, inputs []domain.AccountInput) (map[string]domain.Account, error) {
	accounts := make(map[string]domain.Account, len(inputs))
	if len(inputs) == 0 {
		return accounts, nil
	}

	keys := make([]string, 0, len(inputs))
	names := make([]string, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, input := range inputs {
		if _, ok := seen[input.NaturalKey]; ok {
			continue
		}
		seen[input.NaturalKey] = struct{}{}
		keys = append(keys, input.NaturalKey)
		names = append(names, input.Name)
	}

	if _, err := s.exec.Exec(
		ctx,
		`INSERT INTO dim_account (natural_key, account_name)
		 SELECT k, n FROM unnest($1::text[], $2::text[]) AS t(k, n)
		 ORDER BY k
		 ON CONFLICT (natural_key) DO NOTHING`,
		keys,
		names,
	); err != nil {
		return nil, fmt.Errorf("failed to insert accounts: %w", err)
	}

	rows, err := s.exec.Query(
		ctx,
		`SELECT id, natural_key, account_name, currency_id FROM dim_account WHERE natural_key = ANY($1)`,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var account domain.Account
		if scanErr := rows.Scan(&account.ID, &account.NaturalKey, &account.Name, &account.CurrencyID); scanErr != nil {
			return nil, fmt.Errorf("failed to scan account: %w", scanErr)
		}
		accounts[account.NaturalKey] = account
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", rowsErr)
	}
	return accounts, nil
}

func (s *accountStore) BackfillCurrency(ctx context.Context, accountID int64, currencyID int64) (bool, error) {
	tag, err := s.exec.Exec(
		ctx,
		`UPDATE dim_account SET currency_id = $2 WHERE id = $1 AND currency_id IS NULL`,
		accountID,
		currencyID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to backfill account currency: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
