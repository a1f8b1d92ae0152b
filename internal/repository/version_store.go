package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rpattn/adwarehouse/internal/domain"
)

const versionColumns = `id, natural_key, version, valid_from, valid_to, is_current, batch_id`

// versionTable describes how one SCD type 2 table maps onto its attribute
// struct.
type versionTable[A any] struct {
	name             string
	columns          []string
	values           func(A) []any
	scanTargets      func(*A) []any
	untrackedColumns []string
	untrackedValues  func(A) []any
}

var campaignTable = versionTable[domain.CampaignAttributes]{
	name:    "dim_campaign",
	columns: []string{"account_id", "campaign_name", "objective_id", "budget", "budget_type_id", "status_id"},
	values: func(a domain.CampaignAttributes) []any {
		return []any{a.AccountID, a.Name, a.ObjectiveID, a.Budget, a.BudgetTypeID, a.StatusID}
	},
	scanTargets: func(a *domain.CampaignAttributes) []any {
		return []any{&a.AccountID, &a.Name, &a.ObjectiveID, &a.Budget, &a.BudgetTypeID, &a.StatusID}
	},
	untrackedColumns: []string{"account_id", "campaign_name"},
	untrackedValues: func(a domain.CampaignAttributes) []any {
		return []any{a.AccountID, a.Name}
	},
}

var adSetTable = versionTable[domain.AdSetAttributes]{
	name:    "dim_ad_set",
	columns: []string{"campaign_id", "ad_set_name", "status_id"},
	values: func(a domain.AdSetAttributes) []any {
		return []any{a.CampaignID, a.Name, a.StatusID}
	},
	scanTargets: func(a *domain.AdSetAttributes) []any {
		return []any{&a.CampaignID, &a.Name, &a.StatusID}
	},
	untrackedColumns: []string{"ad_set_name"},
	untrackedValues: func(a domain.AdSetAttributes) []any {
		return []any{a.Name}
	},
}

var adTable = versionTable[domain.AdAttributes]{
	name:    "dim_ad",
	columns: []string{"ad_set_id", "ad_name", "status_id", "landing_url_id", "preview_url", "thumbnail_url", "ad_body"},
	values: func(a domain.AdAttributes) []any {
		return []any{a.AdSetID, a.Name, a.StatusID, a.LandingURLID, a.PreviewURL, a.ThumbnailURL, a.Body}
	},
	scanTargets: func(a *domain.AdAttributes) []any {
		return []any{&a.AdSetID, &a.Name, &a.StatusID, &a.LandingURLID, &a.PreviewURL, &a.ThumbnailURL, &a.Body}
	},
	untrackedColumns: []string{"ad_name", "preview_url", "thumbnail_url", "ad_body"},
	untrackedValues: func(a domain.AdAttributes) []any {
		return []any{a.Name, a.PreviewURL, a.ThumbnailURL, a.Body}
	},
}

func (t versionTable[A]) selectColumns() string {
	return versionColumns + ", " + strings.Join(t.columns, ", ")
}

type versionStore[A any] struct {
	exec  Executor
	table versionTable[A]
}

func (s *versionStore[A]) Current(ctx context.Context, keys []string) (map[string]domain.DimensionVersion[A], error) {
	current := make(map[string]domain.DimensionVersion[A], len(keys))
	if len(keys) == 0 {
		return current, nil
	}

	versions, err := s.query(
		ctx,
		`SELECT `+s.table.selectColumns()+`
		 FROM `+s.table.name+`
		 WHERE natural_key = ANY($1) AND valid_to IS NULL`,
		keys,
	)
	if err != nil {
		return nil, err
	}
	for _, version := range versions {
		current[version.NaturalKey] = version
	}
	return current, nil
}

func (s *versionStore[A]) History(ctx context.Context, keys []string) (map[string][]domain.DimensionVersion[A], error) {
	history := make(map[string][]domain.DimensionVersion[A], len(keys))
	if len(keys) == 0 {
		return history, nil
	}

	versions, err := s.query(
		ctx,
		`SELECT `+s.table.selectColumns()+`
		 FROM `+s.table.name+`
		 WHERE natural_key = ANY($1)
		 ORDER BY natural_key, version`,
		keys,
	)
	if err != nil {
		return nil, err
	}
	for _, version := range versions {
		history[version.NaturalKey] = append(history[version.NaturalKey], version)
	}
	return history, nil
}

func (s *versionStore[A]) Insert(ctx context.Context, version domain.DimensionVersion[A]) (int64, error) {
	columns := append([]string{"natural_key", "version", "valid_from", "valid_to", "is_current", "batch_id"}, s.table.columns...)
	args := append([]any{
		version.NaturalKey,
		version.Version,
		version.ValidFrom,
		version.ValidTo,
		version.IsCurrent,
		version.BatchID,
	}, s.table.values(version.Attributes)...)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var id int64
	err := s.exec.QueryRow(
		ctx,
		`INSERT INTO `+s.table.name+` (`+strings.Join(columns, ", ")+`)
		 VALUES (`+strings.Join(placeholders, ", ")+`)
		 RETURNING id`,
		args...,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s version %d of %q: %w", s.table.name, version.Version, version.NaturalKey, err)
	}
	return id, nil
}

func (s *versionStore[A]) Close(ctx context.Context, id int64, validTo time.Time) error {
	tag, err := s.exec.Exec(
		ctx,
		`UPDATE `+s.table.name+`
		 SET valid_to = $2, is_current = FALSE
		 WHERE id = $1 AND valid_to IS NULL`,
		id,
		validTo,
	)
	if err != nil {
		return fmt.Errorf("failed to close %s version %d: %w", s.table.name, id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to close %s version %d: no open version", s.table.name, id)
	}
	return nil
}

func (s *versionStore[A]) UpdateUntracked(ctx context.Context, id int64, attrs A) error {
	values := s.table.untrackedValues(attrs)
	assignments := make([]string, len(s.table.untrackedColumns))
	for i, column := range s.table.untrackedColumns {
		assignments[i] = fmt.Sprintf("%s = $%d", column, i+2)
	}

	tag, err := s.exec.Exec(
		ctx,
		`UPDATE `+s.table.name+` SET `+strings.Join(assignments, ", ")+` WHERE id = $1`,
		append([]any{id}, values...)...,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s version %d: %w", s.table.name, id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to update %s version %d: not found", s.table.name, id)
	}
	return nil
}

func (s *versionStore[A]) query(ctx context.Context, sql string, args ...any) ([]domain.DimensionVersion[A], error) {
	rows, err := s.exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table.name, err)
	}
	defer rows.Close()

	versions := []domain.DimensionVersion[A]{}
	for rows.Next() {
		version, scanErr := s.scan(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", s.table.name, scanErr)
		}
		versions = append(versions, version)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", s.table.name, rowsErr)
	}
	return versions, nil
}

func (s *versionStore[A]) scan(row pgx.Row) (domain.DimensionVersion[A], error) {
	var version domain.DimensionVersion[A]
	targets := append([]any{
		&version.ID,
		&version.NaturalKey,
		&version.Version,
		&version.ValidFrom,
		&version.ValidTo,
		&version.IsCurrent,
		&version.BatchID,
	}, s.table.scanTargets(&version.Attributes)...)
	if err := row.Scan(targets...); err != nil {
		return domain.DimensionVersion[A]{}, err
	}
	return version, nil
}
