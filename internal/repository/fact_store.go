package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rpattn/adwarehouse/internal/domain"
)

const factColumns = `date_id, account_id, campaign_id, ad_set_id, ad_id, age_bracket_id, gender_id, currency_id,
	spend, impressions, reach, clicks, results, purchases, purchase_value,
	video_plays, video_p25, video_p50, video_p75, video_p95, video_p100,
	post_engagements, post_reactions, post_comments, post_shares,
	frequency, avg_watch_time, row_count, batch_id, loaded_at`

// upsertFactSQL replaces the measures of an existing grain rather than
// adding to them so reloading the same rows is idempotent.
const upsertFactSQL = `INSERT INTO fact_ad_performance (` + factColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
        $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
ON CONFLICT ON CONSTRAINT uq_fact_ad_performance_grain DO UPDATE SET
	currency_id = EXCLUDED.currency_id,
	spend = EXCLUDED.spend,
	impressions = EXCLUDED.impressions,
	reach = EXCLUDED.reach,
	clicks = EXCLUDED.clicks,
	results = EXCLUDED.results,
	purchases = EXCLUDED.purchases,
	purchase_value = EXCLUDED.purchase_value,
	video_plays = EXCLUDED.video_plays,
	video_p25 = EXCLUDED.video_p25,
	video_p50 = EXCLUDED.video_p50,
	video_p75 = EXCLUDED.video_p75,
	video_p95 = EXCLUDED.video_p95,
	video_p100 = EXCLUDED.video_p100,
	post_engagements = EXCLUDED.post_engagements,
	post_reactions = EXCLUDED.post_reactions,
	post_comments = EXCLUDED.post_comments,
	post_shares = EXCLUDED.post_shares,
	frequency = EXCLUDED.frequency,
	avg_watch_time = EXCLUDED.avg_watch_time,
	row_count = EXCLUDED.row_count,
	batch_id = EXCLUDED.batch_id,
	loaded_at = EXCLUDED.loaded_at`

type factStore struct {
	exec Executor
}

func (s *factStore) Upsert(ctx context.Context, facts []domain.Fact) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, fact := range facts {
		m := fact.Metrics
		batch.Queue(upsertFactSQL,
			fact.DateID, fact.AccountID, fact.CampaignID, fact.AdSetID, fact.AdID, fact.AgeBracketID, fact.GenderID, fact.CurrencyID,
			m.Spend, m.Impressions, m.Reach, m.Clicks, m.Results, m.Purchases, m.PurchaseValue,
			m.VideoPlays, m.VideoP25, m.VideoP50, m.VideoP75, m.VideoP95, m.VideoP100,
			m.PostEngagements, m.PostReactions, m.PostComments, m.PostShares,
			m.Frequency, m.AvgWatchTime, fact.RowCount, fact.BatchID, fact.LoadedAt,
		)
	}

	results := s.exec.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for _, fact := range facts {
		if _, err := results.Exec(); err != nil {
			return written, fmt.Errorf("failed to upsert fact %s: %w", fact.Grain, err)
		}
		written++
	}
	return written, nil
}

func (s *factStore) DuplicateGrains(ctx context.Context, batchID uuid.UUID) (int, error) {
	var duplicates int
	err := s.exec.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM (
			SELECT 1
			FROM fact_ad_performance
			WHERE batch_id = $1
			GROUP BY date_id, account_id, campaign_id, ad_set_id, ad_id, age_bracket_id, gender_id
			HAVING COUNT(*) > 1
		) d`,
		batchID,
	).Scan(&duplicates)
	if err != nil {
		return 0, fmt.Errorf("failed to check duplicate grains: %w", err)
	}
	return duplicates, nil
}

func (s *factStore) SpendTotal(ctx context.Context, batchID uuid.UUID) (float64, error) {
	var total float64
	err := s.exec.QueryRow(
		ctx,
		`SELECT COALESCE(SUM(spend), 0)::float8 FROM fact_ad_performance WHERE batch_id = $1`,
		batchID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum fact spend: %w", err)
	}
	return total, nil
}

func (s *factStore) Count(ctx context.Context, batchID uuid.UUID) (int, error) {
	var count int
	if err := s.exec.QueryRow(ctx, `SELECT COUNT(*) FROM fact_ad_performance WHERE batch_id = $1`, batchID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	return count, nil
}

func (s *factStore) DeleteByBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	tag, err := s.exec.Exec(ctx, `DELETE FROM fact_ad_performance WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete facts of batch %s: %w", batchID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *factStore) Query(ctx context.Context, filter domain.FactFilter) ([]domain.Fact, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(expr string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(expr, len(args)))
	}

	if filter.DateFrom != nil {
		add("date_id >= $%d", domain.DateID(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		add("date_id <= $%d", domain.DateID(*filter.DateTo))
	}
	for _, c := range []struct {
		column string
		value  *int64
	}{
		{"account_id", filter.AccountID},
		{"campaign_id", filter.CampaignID},
		{"ad_set_id", filter.AdSetID},
		{"ad_id", filter.AdID},
		{"age_bracket_id", filter.AgeBracketID},
		{"gender_id", filter.GenderID},
	} {
		if c.value != nil {
			add(c.column+" = $%d", *c.value)
		}
	}
	if filter.BatchID != nil {
		add("batch_id = $%d", *filter.BatchID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.exec.Query(
		ctx,
		fmt.Sprintf(
			`SELECT %s FROM fact_ad_performance %s
			 ORDER BY date_id, account_id, campaign_id, ad_set_id, ad_id, age_bracket_id, gender_id
			 LIMIT $%d OFFSET $%d`,
			factColumns, where, len(args)-1, len(args),
		),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	facts := []domain.Fact{}
	for rows.Next() {
		var (
			fact domain.Fact
			m    = &fact.Metrics
		)
		if scanErr := rows.Scan(
			&fact.DateID, &fact.AccountID, &fact.CampaignID, &fact.AdSetID, &fact.AdID, &fact.AgeBracketID, &fact.GenderID, &fact.CurrencyID,
			&m.Spend, &m.Impressions, &m.Reach, &m.Clicks, &m.Results, &m.Purchases, &m.PurchaseValue,
			&m.VideoPlays, &m.VideoP25, &m.VideoP50, &m.VideoP75, &m.VideoP95, &m.VideoP100,
			&m.PostEngagements, &m.PostReactions, &m.PostComments, &m.PostShares,
			&m.Frequency, &m.AvgWatchTime, &fact.RowCount, &fact.BatchID, &fact.LoadedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", scanErr)
		}
		facts = append(facts, fact)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate facts: %w", rowsErr)
	}
	return facts, nil
}
