package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rpattn/adwarehouse/internal/domain"
	"go.uber.org/zap"
)

// AveragePolicy selects how non-additive measures combine within a grain.
type AveragePolicy string

const (
	// AverageMean takes the arithmetic mean over the grain's rows.
	AverageMean AveragePolicy = "mean"
	// AverageImpressionWeighted weights each row by its impressions.
	AverageImpressionWeighted AveragePolicy = "impression_weighted"
)

// ParseAveragePolicy accepts the configured policy name.
func ParseAveragePolicy(raw string) (AveragePolicy, error) {
	switch AveragePolicy(raw) {
	case "", AverageMean:
		return AverageMean, nil
	case AverageImpressionWeighted:
		return AverageImpressionWeighted, nil
	}
	return "", fmt.Errorf("unknown average policy %q", raw)
}

const aggregateChunkSize = 256

// Histories holds the version chains facts are resolved against.
type Histories struct {
	Campaigns map[string][]domain.DimensionVersion[domain.CampaignAttributes]
	AdSets    map[string][]domain.DimensionVersion[domain.AdSetAttributes]
	Ads       map[string][]domain.DimensionVersion[domain.AdAttributes]
}

// Aggregator groups valid rows by grain and folds their measures.
type Aggregator struct {
	workers int
	policy  AveragePolicy
	logger  *zap.Logger
}

// NewAggregator builds an aggregator using at most workers goroutines.
func NewAggregator(workers int, policy AveragePolicy, logger *zap.Logger) *Aggregator {
	if workers < 1 {
		workers = 1
	}
	if policy == "" {
		policy = AverageMean
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{workers: workers, policy: policy, logger: logger}
}

type grainGroup struct {
	grain domain.Grain
	rows  []int
}

// Aggregate turns rows into one fact per grain. Campaign, ad set and ad are
// resolved to the version valid on each row's date. Facts come back
// ordered by grain and do not depend on worker scheduling.
func (a *Aggregator) Aggregate(
	ctx context.Context,
	rows []domain.NormalizedRow,
	dims *ResolvedDimensions,
	histories Histories,
	batchID uuid.UUID,
	loadedAt time.Time,
) ([]domain.Fact, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	pool := pond.NewPool(a.workers)
	defer pool.StopAndWait()

	index := xsync.NewMap[domain.Grain, []int]()
	group := pool.NewGroupContext(ctx)
	for start := 0; start < len(rows); start += aggregateChunkSize {
		end := min(start+aggregateChunkSize, len(rows))
		group.SubmitErr(func() error {
			for i := start; i < end; i++ {
				grain, err := grainOf(rows[i], dims, histories)
				if err != nil {
					return err
				}
				index.Compute(grain, func(old []int, loaded bool) ([]int, xsync.ComputeOp) {
					return append(old, i), xsync.UpdateOp
				})
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		if errors.Is(err, pond.ErrGroupStopped) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	groups := make([]grainGroup, 0, index.Size())
	index.Range(func(grain domain.Grain, members []int) bool {
		sorted := append([]int(nil), members...)
		sort.Ints(sorted)
		groups = append(groups, grainGroup{grain: grain, rows: sorted})
		return true
	})
	sort.Slice(groups, func(i, j int) bool { return groups[i].grain.Less(groups[j].grain) })

	facts := make([]domain.Fact, len(groups))
	folds := pool.NewGroupContext(ctx)
	for i := range groups {
		folds.SubmitErr(func() error {
			fact, err := a.fold(groups[i], rows, dims, batchID, loadedAt)
			facts[i] = fact
			return err
		})
	}
	if err := folds.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	a.logger.Debug("rows aggregated",
		zap.String("batch_id", batchID.String()),
		zap.Int("rows", len(rows)),
		zap.Int("facts", len(facts)),
		zap.String("average_policy", string(a.policy)))

	return facts, nil
}

func grainOf(row domain.NormalizedRow, dims *ResolvedDimensions, histories Histories) (domain.Grain, error) {
	keys := KeysOf(row)
	day := row.Day()

	account, ok := dims.Accounts[keys.Account]
	if !ok {
		return domain.Grain{}, &DependencyResolutionError{Entity: "fact", NaturalKey: keys.Ad, Missing: "account", Value: keys.Account}
	}
	campaign, ok := domain.VersionAt(histories.Campaigns[keys.Campaign], day)
	if !ok {
		return domain.Grain{}, &DependencyResolutionError{Entity: "fact", NaturalKey: keys.Ad, Missing: "campaign", Value: keys.Campaign}
	}
	adSet, ok := domain.VersionAt(histories.AdSets[keys.AdSet], day)
	if !ok {
		return domain.Grain{}, &DependencyResolutionError{Entity: "fact", NaturalKey: keys.Ad, Missing: "ad_set", Value: keys.AdSet}
	}
	ad, ok := domain.VersionAt(histories.Ads[keys.Ad], day)
	if !ok {
		return domain.Grain{}, &DependencyResolutionError{Entity: "fact", NaturalKey: keys.Ad, Missing: "ad"}
	}
	age, ok := dims.References.Lookup(domain.RefAgeBracket, row.AgeBracket)
	if !ok {
		return domain.Grain{}, &DependencyResolutionError{Entity: "fact", NaturalKey: keys.Ad, Missing: "age_bracket", Value: row.AgeBracket}
	}
	gender, ok := dims.References.Lookup(domain.RefGender, row.Gender)
	if !ok {
		return domain.Grain{}, &DependencyResolutionError{Entity: "fact", NaturalKey: keys.Ad, Missing: "gender", Value: row.Gender}
	}

	return domain.Grain{
		DateID:       domain.DateID(day),
		AccountID:    account.ID,
		CampaignID:   campaign.ID,
		AdSetID:      adSet.ID,
		AdID:         ad.ID,
		AgeBracketID: age,
		GenderID:     gender,
	}, nil
}

// fold sums the rows of one grain. Spend in different currencies cannot be
// added, so a grain mixing them fails the batch.
func (a *Aggregator) fold(g grainGroup, rows []domain.NormalizedRow, dims *ResolvedDimensions, batchID uuid.UUID, loadedAt time.Time) (domain.Fact, error) {
	fact := domain.Fact{
		Grain:    g.grain,
		RowCount: len(g.rows),
		BatchID:  batchID,
		LoadedAt: loadedAt,
	}

	var frequency, watch, weightedFrequency, weightedWatch, impressions float64
	for _, i := range g.rows {
		m := rows[i].Metrics
		fact.Metrics.Add(m)
		if id, ok := dims.References.Lookup(domain.RefCurrency, rows[i].Currency); ok {
			if fact.CurrencyID != nil && *fact.CurrencyID != id {
				return domain.Fact{}, &ReconciliationError{
					Check:  "mixed_currency",
					Detail: fmt.Sprintf("grain %s mixes currencies, row %d has %q", g.grain, rows[i].RowNumber, rows[i].Currency),
				}
			}
			fact.CurrencyID = &id
		}
		frequency += m.Frequency
		watch += m.AvgWatchTime
		weightedFrequency += m.Frequency * float64(m.Impressions)
		weightedWatch += m.AvgWatchTime * float64(m.Impressions)
		impressions += float64(m.Impressions)
	}

	// rows without impressions carry no weight, fall back to the mean
	if a.policy == AverageImpressionWeighted && impressions > 0 {
		fact.Metrics.Frequency = weightedFrequency / impressions
		fact.Metrics.AvgWatchTime = weightedWatch / impressions
	} else {
		n := float64(len(g.rows))
		fact.Metrics.Frequency = frequency / n
		fact.Metrics.AvgWatchTime = watch / n
	}

	if fact.CurrencyID == nil {
		if account, ok := dims.Accounts[KeysOf(rows[g.rows[0]]).Account]; ok {
			fact.CurrencyID = account.CurrencyID
		}
	}
	return fact, nil
}
