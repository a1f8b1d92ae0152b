package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/adwarehouse/internal/domain"
)

type bridgeStore struct {
	exec Executor
}

func (s *bridgeStore) Replace(ctx context.Context, adSetID int64, links []domain.AudienceLink) error {
	if _, err := s.exec.Exec(ctx, `DELETE FROM bridge_ad_set_audience WHERE ad_set_id = $1`, adSetID); err != nil {
		return fmt.Errorf("failed to clear audiences of ad set %d: %w", adSetID, err)
	}
	if len(links) == 0 {
		return nil
	}

	audienceIDs := make([]int64, len(links))
	kinds := make([]string, len(links))
	for i, link := range links {
		audienceIDs[i] = link.AudienceID
		kinds[i] = string(link.Kind)
	}

	if _, err := s.exec.Exec(
		ctx,
		`INSERT INTO bridge_ad_set_audience (ad_set_id, audience_id, kind)
		 SELECT $1, a, k FROM unnest($2::bigint[], $3::text[]) AS t(a, k)
		 ON CONFLICT DO NOTHING`,
		adSetID,
		audienceIDs,
		kinds,
	); err != nil {
		return fmt.Errorf("failed to link audiences of ad set %d: %w", adSetID, err)
	}
	return nil
}

func (s *bridgeStore) List(ctx context.Context, adSetID int64) ([]domain.AudienceLink, error) {
	rows, err := s.exec.Query(
		ctx,
		`SELECT ad_set_id, audience_id, kind
		 FROM bridge_ad_set_audience
		 WHERE ad_set_id = $1
		 ORDER BY kind, audience_id`,
		adSetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audiences of ad set %d: %w", adSetID, err)
	}
	defer rows.Close()

	links := []domain.AudienceLink{}
	for rows.Next() {
		var (
			link domain.AudienceLink
			kind string
		)
		if scanErr := rows.Scan(&link.AdSetID, &link.AudienceID, &kind); scanErr != nil {
			return nil, fmt.Errorf("failed to scan audience link: %w", scanErr)
		}
		link.Kind = domain.AudienceKind(kind)
		links = append(links, link)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate audience links: %w", rowsErr)
	}
	return links, nil
}
