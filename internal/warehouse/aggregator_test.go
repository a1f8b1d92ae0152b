package warehouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// resolved runs dimension resolution for rows against a fresh warehouse.
func resolved(t *testing.T, rows []domain.NormalizedRow) (*ResolvedDimensions, Histories) {
	t.Helper()
	ctx := context.Background()
	stores := newMemWarehouse().View()

	dims, err := NewResolver(zaptest.NewLogger(t)).Resolve(ctx, stores, rows, uuid.New(), day(t, "2024-03-01"))
	require.NoError(t, err)

	var h Histories
	h.Campaigns, err = CampaignDimension.History(ctx, stores, dims.Campaigns.Keys)
	require.NoError(t, err)
	h.AdSets, err = AdSetDimension.History(ctx, stores, dims.AdSets.Keys)
	require.NoError(t, err)
	h.Ads, err = AdDimension.History(ctx, stores, dims.Ads.Keys)
	require.NoError(t, err)
	return dims, h
}

func TestAggregateSumsRowsSharingAGrain(t *testing.T) {
	a := row(1, "2024-03-01", "Summer Sale", "Broad", "Video A")
	a.Metrics.Spend = 10
	a.Metrics.Frequency = 1
	b := row(2, "2024-03-01", "Summer Sale", "Broad", "Video A")
	b.Metrics.Spend = 15
	b.Metrics.Frequency = 2
	other := row(3, "2024-03-01", "Summer Sale", "Broad", "Video A")
	other.Gender = "male"

	rows := []domain.NormalizedRow{a, b, other}
	dims, histories := resolved(t, rows)

	facts, err := NewAggregator(2, AverageMean, zaptest.NewLogger(t)).
		Aggregate(context.Background(), rows, dims, histories, uuid.New(), time.Now())
	require.NoError(t, err)
	require.Len(t, facts, 2)

	var merged domain.Fact
	for _, fact := range facts {
		if fact.RowCount == 2 {
			merged = fact
		}
	}
	assert.Equal(t, 25.0, merged.Metrics.Spend)
	assert.Equal(t, int64(2000), merged.Metrics.Impressions)
	assert.Equal(t, int64(40), merged.Metrics.Clicks)
	assert.InDelta(t, 1.5, merged.Metrics.Frequency, 1e-9)
	require.NotNil(t, merged.CurrencyID)
	usd, ok := dims.References.Lookup(domain.RefCurrency, "USD")
	require.True(t, ok)
	assert.Equal(t, usd, *merged.CurrencyID)
}

func TestAggregateImpressionWeightedAverages(t *testing.T) {
	a := row(1, "2024-03-01", "Summer Sale", "Broad", "Video A")
	a.Metrics.Impressions = 300
	a.Metrics.Frequency = 1
	a.Metrics.AvgWatchTime = 10
	b := row(2, "2024-03-01", "Summer Sale", "Broad", "Video A")
	b.Metrics.Impressions = 100
	b.Metrics.Frequency = 3
	b.Metrics.AvgWatchTime = 2

	rows := []domain.NormalizedRow{a, b}
	dims, histories := resolved(t, rows)

	facts, err := NewAggregator(1, AverageImpressionWeighted, nil).
		Aggregate(context.Background(), rows, dims, histories, uuid.New(), time.Now())
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.InDelta(t, 1.5, facts[0].Metrics.Frequency, 1e-9)
	assert.InDelta(t, 8.0, facts[0].Metrics.AvgWatchTime, 1e-9)
}

func TestAggregateWeightedWithoutImpressionsFallsBackToMean(t *testing.T) {
	a := row(1, "2024-03-01", "Summer Sale", "Broad", "Video A")
	a.Metrics.Impressions = 0
	a.Metrics.Frequency = 1
	b := row(2, "2024-03-01", "Summer Sale", "Broad", "Video A")
	b.Metrics.Impressions = 0
	b.Metrics.Frequency = 3

	rows := []domain.NormalizedRow{a, b}
	dims, histories := resolved(t, rows)

	facts, err := NewAggregator(1, AverageImpressionWeighted, nil).
		Aggregate(context.Background(), rows, dims, histories, uuid.New(), time.Now())
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.InDelta(t, 2.0, facts[0].Metrics.Frequency, 1e-9)
}

func TestAggregateIsDeterministicAcrossWorkerCounts(t *testing.T) {
	var rows []domain.NormalizedRow
	n := 0
	for d := 1; d <= 5; d++ {
		for ad := 0; ad < 120; ad++ {
			n++
			r := row(n, fmt.Sprintf("2024-03-%02d", d), "Summer Sale", fmt.Sprintf("Set %d", ad%7), fmt.Sprintf("Ad %d", ad))
			r.Metrics.Spend = float64(ad%13) + 0.25
			rows = append(rows, r)
			if ad%10 == 0 {
				dup := r
				n++
				dup.RowNumber = n
				rows = append(rows, dup)
			}
		}
	}
	dims, histories := resolved(t, rows)
	batchID := uuid.New()
	loadedAt := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	single, err := NewAggregator(1, AverageMean, nil).Aggregate(context.Background(), rows, dims, histories, batchID, loadedAt)
	require.NoError(t, err)
	parallel, err := NewAggregator(8, AverageMean, nil).Aggregate(context.Background(), rows, dims, histories, batchID, loadedAt)
	require.NoError(t, err)

	assert.Equal(t, single, parallel)
	assert.Len(t, single, 600)

	var rowSpend, factSpend float64
	for _, r := range rows {
		rowSpend += r.Metrics.Spend
	}
	seen := make(map[domain.Grain]struct{}, len(single))
	for i, fact := range single {
		factSpend += fact.Metrics.Spend
		_, dup := seen[fact.Grain]
		assert.False(t, dup, "grain %s repeated", fact.Grain)
		seen[fact.Grain] = struct{}{}
		if i > 0 {
			assert.True(t, single[i-1].Grain.Less(fact.Grain))
		}
	}
	assert.InDelta(t, rowSpend, factSpend, 1e-6)
}

func TestAggregateMissingVersionIsDependencyError(t *testing.T) {
	r := row(1, "2024-03-01", "Summer Sale", "Broad", "Video A")
	rows := []domain.NormalizedRow{r}
	dims, histories := resolved(t, rows)
	histories.Ads = nil

	_, err := NewAggregator(2, AverageMean, nil).Aggregate(context.Background(), rows, dims, histories, uuid.New(), time.Now())
	var depErr *DependencyResolutionError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "ad", depErr.Missing)
}

func TestAggregateResolvesVersionByRowDate(t *testing.T) {
	early := row(1, "2024-03-01", "Summer Sale", "Broad", "Video A")
	late := row(2, "2024-03-10", "Summer Sale", "Broad", "Video A")
	rows := []domain.NormalizedRow{early, late}
	dims, histories := resolved(t, rows)

	key := KeysOf(early).Campaign
	v1 := histories.Campaigns[key][0]
	closed := day(t, "2024-03-05")
	v1.ValidTo = &closed
	v1.IsCurrent = false
	v2 := domain.DimensionVersion[domain.CampaignAttributes]{
		ID: 9999, NaturalKey: key, Version: 2, ValidFrom: closed, IsCurrent: true,
	}
	histories.Campaigns[key] = []domain.DimensionVersion[domain.CampaignAttributes]{v1, v2}

	facts, err := NewAggregator(2, AverageMean, nil).Aggregate(context.Background(), rows, dims, histories, uuid.New(), time.Now())
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, v1.ID, facts[0].CampaignID)
	assert.Equal(t, int64(9999), facts[1].CampaignID)
}

func TestAggregateRejectsMixedCurrencyGrain(t *testing.T) {
	usd := row(1, "2024-03-01", "Summer Sale", "Broad", "Video A")
	eur := row(2, "2024-03-01", "Summer Sale", "Broad", "Video A")
	eur.Currency = "EUR"
	rows := []domain.NormalizedRow{usd, eur}
	dims, histories := resolved(t, rows)

	_, err := NewAggregator(2, AverageMean, nil).Aggregate(context.Background(), rows, dims, histories, uuid.New(), time.Now())
	var recErr *ReconciliationError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "mixed_currency", recErr.Check)
	assert.Contains(t, recErr.Detail, "row 2")

	// the same currencies on different grains are fine
	rows[1].Gender = "male"
	dims, histories = resolved(t, rows)
	facts, err := NewAggregator(2, AverageMean, nil).Aggregate(context.Background(), rows, dims, histories, uuid.New(), time.Now())
	require.NoError(t, err)
	assert.Len(t, facts, 2)
}

func TestParseAveragePolicy(t *testing.T) {
	policy, err := ParseAveragePolicy("")
	require.NoError(t, err)
	assert.Equal(t, AverageMean, policy)

	policy, err = ParseAveragePolicy("impression_weighted")
	require.NoError(t, err)
	assert.Equal(t, AverageImpressionWeighted, policy)

	_, err = ParseAveragePolicy("median")
	require.Error(t, err)
}
