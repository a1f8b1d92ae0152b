package warehouse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
	"go.uber.org/zap"
)

// RowKeys are the natural keys of the entities one row refers to.
type RowKeys struct {
	Account  string
	Campaign string
	AdSet    string
	Ad       string
}

// KeysOf derives the natural keys of a row's hierarchy.
func KeysOf(row domain.NormalizedRow) RowKeys {
	return RowKeys{
		Account:  domain.NaturalKey(row.AccountName),
		Campaign: domain.NaturalKey(row.AccountName, row.CampaignName),
		AdSet:    domain.NaturalKey(row.AccountName, row.CampaignName, row.AdSetName),
		Ad:       domain.NaturalKey(row.AccountName, row.CampaignName, row.AdSetName, row.AdName),
	}
}

// ReferenceIDs maps cleaned values to surrogate ids per reference kind.
type ReferenceIDs map[domain.ReferenceKind]map[string]int64

// Lookup returns the id of a cleaned value.
func (r ReferenceIDs) Lookup(kind domain.ReferenceKind, value string) (int64, bool) {
	id, ok := r[kind][domain.ReferenceValue(value)]
	return id, ok
}

// ResolvedDimensions is the dimensional state a batch resolved to.
type ResolvedDimensions struct {
	Accounts   map[string]domain.Account
	References ReferenceIDs
	Campaigns  Resolution[domain.CampaignAttributes]
	AdSets     Resolution[domain.AdSetAttributes]
	Ads        Resolution[domain.AdAttributes]
	Dates      int
	Bridged    int
}

// Resolver upserts every dimension a batch touches in dependency order.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver builds a resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve runs accounts, reference dimensions, dates, currency backfill,
// campaigns, ad sets, ads and audience bridges against stores. rows must be
// valid and ordered by row number.
func (r *Resolver) Resolve(ctx context.Context, stores repository.Stores, rows []domain.NormalizedRow, batchID uuid.UUID, effectiveAt time.Time) (*ResolvedDimensions, error) {
	out := &ResolvedDimensions{}
	var err error

	if out.Accounts, err = r.resolveAccounts(ctx, stores, rows); err != nil {
		return nil, inStep("resolve_accounts", err)
	}
	if out.References, err = r.resolveReferences(ctx, stores, rows); err != nil {
		return nil, inStep("resolve_references", err)
	}
	if out.Dates, err = r.resolveDates(ctx, stores, rows); err != nil {
		return nil, inStep("resolve_dates", err)
	}
	if err = r.backfillCurrencies(ctx, stores, rows, out); err != nil {
		return nil, inStep("backfill_currency", err)
	}

	campaigns, err := campaignCandidates(rows, out)
	if err != nil {
		return nil, inStep("resolve_campaigns", err)
	}
	if out.Campaigns, err = CampaignDimension.Upsert(ctx, stores, campaigns, effectiveAt, batchID, r.logger); err != nil {
		return nil, inStep("resolve_campaigns", err)
	}

	adSets, err := adSetCandidates(rows, out)
	if err != nil {
		return nil, inStep("resolve_ad_sets", err)
	}
	if out.AdSets, err = AdSetDimension.Upsert(ctx, stores, adSets, effectiveAt, batchID, r.logger); err != nil {
		return nil, inStep("resolve_ad_sets", err)
	}

	ads, err := adCandidates(rows, out)
	if err != nil {
		return nil, inStep("resolve_ads", err)
	}
	if out.Ads, err = AdDimension.Upsert(ctx, stores, ads, effectiveAt, batchID, r.logger); err != nil {
		return nil, inStep("resolve_ads", err)
	}

	if out.Bridged, err = r.replaceAudiences(ctx, stores, rows, out); err != nil {
		return nil, inStep("resolve_audiences", err)
	}

	r.logger.Info("dimensions resolved",
		zap.String("batch_id", batchID.String()),
		zap.Int("accounts", len(out.Accounts)),
		zap.Int("dates", out.Dates),
		zap.Any("campaigns", out.Campaigns.Stats),
		zap.Any("ad_sets", out.AdSets.Stats),
		zap.Any("ads", out.Ads.Stats),
		zap.Int("bridged_ad_sets", out.Bridged))

	return out, nil
}

func (r *Resolver) resolveAccounts(ctx context.Context, stores repository.Stores, rows []domain.NormalizedRow) (map[string]domain.Account, error) {
	var inputs []domain.AccountInput
	for _, row := range rows {
		inputs = append(inputs, domain.AccountInput{
			NaturalKey: domain.NaturalKey(row.AccountName),
			Name:       domain.ReferenceValue(row.AccountName),
		})
	}
	accounts, err := stores.Accounts.Ensure(ctx, inputs)
	if err != nil {
		return nil, err
	}
	for _, input := range inputs {
		if _, ok := accounts[input.NaturalKey]; !ok {
			return nil, &DependencyResolutionError{Entity: "account", NaturalKey: input.NaturalKey, Missing: "account row"}
		}
	}
	return accounts, nil
}

// referenceValues lists the values a row contributes to each kind.
func referenceValues(row domain.NormalizedRow) map[domain.ReferenceKind][]string {
	values := map[domain.ReferenceKind][]string{
		domain.RefCurrency:   {row.Currency},
		domain.RefAgeBracket: {row.AgeBracket},
		domain.RefGender:     {row.Gender},
	}
	optional := []struct {
		kind  domain.ReferenceKind
		value *string
	}{
		{domain.RefObjective, row.Objective},
		{domain.RefBudgetType, row.BudgetType},
		{domain.RefURL, row.LandingURL},
		{domain.RefCampaignStatus, row.CampaignStatus},
		{domain.RefAdSetStatus, row.AdSetStatus},
		{domain.RefAdStatus, row.AdStatus},
	}
	for _, o := range optional {
		if o.value != nil {
			values[o.kind] = append(values[o.kind], *o.value)
		}
	}
	values[domain.RefAudience] = append(
		domain.SplitAudiences(row.IncludedAudiences),
		domain.SplitAudiences(row.ExcludedAudiences)...,
	)
	return values
}

func (r *Resolver) resolveReferences(ctx context.Context, stores repository.Stores, rows []domain.NormalizedRow) (ReferenceIDs, error) {
	collected := make(map[domain.ReferenceKind][]string)
	for _, row := range rows {
		for kind, values := range referenceValues(row) {
			for _, value := range values {
				if cleaned := domain.ReferenceValue(value); cleaned != "" {
					collected[kind] = append(collected[kind], cleaned)
				}
			}
		}
	}

	ids := make(ReferenceIDs, len(collected))
	for _, kind := range domain.ReferenceKinds() {
		resolved, err := stores.References.Ensure(ctx, kind, collected[kind])
		if err != nil {
			return nil, err
		}
		ids[kind] = resolved
	}
	return ids, nil
}

func (r *Resolver) resolveDates(ctx context.Context, stores repository.Stores, rows []domain.NormalizedRow) (int, error) {
	seen := make(map[int]domain.DateDimension)
	for _, row := range rows {
		day := domain.NewDateDimension(row.Date)
		seen[day.DateID] = day
	}
	days := make([]domain.DateDimension, 0, len(seen))
	for _, day := range seen {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].DateID < days[j].DateID })
	if err := stores.Dates.Ensure(ctx, days); err != nil {
		return 0, err
	}
	return len(days), nil
}

// backfillCurrencies gives an account without a currency the last currency
// its rows carry. Accounts that already have one are left alone.
func (r *Resolver) backfillCurrencies(ctx context.Context, stores repository.Stores, rows []domain.NormalizedRow, out *ResolvedDimensions) error {
	latest := make(map[string]string)
	for _, row := range rows {
		if currency := domain.ReferenceValue(row.Currency); currency != "" {
			latest[domain.NaturalKey(row.AccountName)] = currency
		}
	}

	keys := make([]string, 0, len(latest))
	for key := range latest {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		account := out.Accounts[key]
		if account.CurrencyID != nil {
			continue
		}
		currencyID, ok := out.References.Lookup(domain.RefCurrency, latest[key])
		if !ok {
			return &DependencyResolutionError{Entity: "account", NaturalKey: key, Missing: "currency", Value: latest[key]}
		}
		updated, err := stores.Accounts.BackfillCurrency(ctx, account.ID, currencyID)
		if err != nil {
			return err
		}
		if updated {
			account.CurrencyID = &currencyID
			out.Accounts[key] = account
			r.logger.Debug("account currency backfilled",
				zap.String("account", key),
				zap.Int64("currency_id", currencyID))
		}
	}
	return nil
}

func optionalRef(refs ReferenceIDs, kind domain.ReferenceKind, entity, key string, value *string) (*int64, error) {
	if value == nil {
		return nil, nil
	}
	cleaned := domain.ReferenceValue(*value)
	if cleaned == "" {
		return nil, nil
	}
	id, ok := refs.Lookup(kind, cleaned)
	if !ok {
		return nil, &DependencyResolutionError{Entity: entity, NaturalKey: key, Missing: string(kind), Value: cleaned}
	}
	return &id, nil
}

func optionalText(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := domain.ReferenceValue(*value)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

func campaignCandidates(rows []domain.NormalizedRow, out *ResolvedDimensions) ([]Candidate[domain.CampaignAttributes], error) {
	candidates := make([]Candidate[domain.CampaignAttributes], 0, len(rows))
	for _, row := range rows {
		keys := KeysOf(row)
		account, ok := out.Accounts[keys.Account]
		if !ok {
			return nil, &DependencyResolutionError{Entity: "campaign", NaturalKey: keys.Campaign, Missing: "account", Value: keys.Account}
		}
		attrs := domain.CampaignAttributes{
			AccountID: account.ID,
			Name:      domain.ReferenceValue(row.CampaignName),
			Budget:    row.Budget,
		}
		var err error
		if attrs.ObjectiveID, err = optionalRef(out.References, domain.RefObjective, "campaign", keys.Campaign, row.Objective); err != nil {
			return nil, err
		}
		if attrs.BudgetTypeID, err = optionalRef(out.References, domain.RefBudgetType, "campaign", keys.Campaign, row.BudgetType); err != nil {
			return nil, err
		}
		if attrs.StatusID, err = optionalRef(out.References, domain.RefCampaignStatus, "campaign", keys.Campaign, row.CampaignStatus); err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate[domain.CampaignAttributes]{NaturalKey: keys.Campaign, RowNumber: row.RowNumber, Attributes: attrs})
	}
	return candidates, nil
}

func adSetCandidates(rows []domain.NormalizedRow, out *ResolvedDimensions) ([]Candidate[domain.AdSetAttributes], error) {
	candidates := make([]Candidate[domain.AdSetAttributes], 0, len(rows))
	for _, row := range rows {
		keys := KeysOf(row)
		campaign, ok := out.Campaigns.Current[keys.Campaign]
		if !ok {
			return nil, &DependencyResolutionError{Entity: "ad_set", NaturalKey: keys.AdSet, Missing: "campaign", Value: keys.Campaign}
		}
		attrs := domain.AdSetAttributes{
			CampaignID: campaign.ID,
			Name:       domain.ReferenceValue(row.AdSetName),
		}
		var err error
		if attrs.StatusID, err = optionalRef(out.References, domain.RefAdSetStatus, "ad_set", keys.AdSet, row.AdSetStatus); err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate[domain.AdSetAttributes]{NaturalKey: keys.AdSet, RowNumber: row.RowNumber, Attributes: attrs})
	}
	return candidates, nil
}

func adCandidates(rows []domain.NormalizedRow, out *ResolvedDimensions) ([]Candidate[domain.AdAttributes], error) {
	candidates := make([]Candidate[domain.AdAttributes], 0, len(rows))
	for _, row := range rows {
		keys := KeysOf(row)
		adSet, ok := out.AdSets.Current[keys.AdSet]
		if !ok {
			return nil, &DependencyResolutionError{Entity: "ad", NaturalKey: keys.Ad, Missing: "ad_set", Value: keys.AdSet}
		}
		attrs := domain.AdAttributes{
			AdSetID:      adSet.ID,
			Name:         domain.ReferenceValue(row.AdName),
			PreviewURL:   optionalText(row.PreviewURL),
			ThumbnailURL: optionalText(row.ThumbnailURL),
			Body:         optionalText(row.AdBody),
		}
		var err error
		if attrs.StatusID, err = optionalRef(out.References, domain.RefAdStatus, "ad", keys.Ad, row.AdStatus); err != nil {
			return nil, err
		}
		if attrs.LandingURLID, err = optionalRef(out.References, domain.RefURL, "ad", keys.Ad, row.LandingURL); err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate[domain.AdAttributes]{NaturalKey: keys.Ad, RowNumber: row.RowNumber, Attributes: attrs})
	}
	return candidates, nil
}

// AudienceSet is the union of audiences named on an ad set's rows, in
// first-seen order.
type AudienceSet struct {
	Included []string
	Excluded []string
}

// CollectAudiences unions the audience lists of each ad set's rows.
func CollectAudiences(rows []domain.NormalizedRow) map[string]AudienceSet {
	sets := make(map[string]AudienceSet)
	for _, row := range rows {
		key := KeysOf(row).AdSet
		set := sets[key]
		set.Included = domain.SplitAudiences(joinAudiences(set.Included, row.IncludedAudiences))
		set.Excluded = domain.SplitAudiences(joinAudiences(set.Excluded, row.ExcludedAudiences))
		sets[key] = set
	}
	return sets
}

func joinAudiences(known []string, raw string) string {
	return strings.Join(append(known[:len(known):len(known)], raw), "\n")
}

func (r *Resolver) replaceAudiences(ctx context.Context, stores repository.Stores, rows []domain.NormalizedRow, out *ResolvedDimensions) (int, error) {
	sets := CollectAudiences(rows)
	keys := make([]string, 0, len(sets))
	for key := range sets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		adSet, ok := out.AdSets.Current[key]
		if !ok {
			return 0, &DependencyResolutionError{Entity: "audience_bridge", NaturalKey: key, Missing: "ad_set"}
		}
		set := sets[key]
		var links []domain.AudienceLink
		for _, group := range []struct {
			kind  domain.AudienceKind
			names []string
		}{
			{domain.AudienceIncluded, set.Included},
			{domain.AudienceExcluded, set.Excluded},
		} {
			for _, name := range group.names {
				id, ok := out.References.Lookup(domain.RefAudience, name)
				if !ok {
					return 0, &DependencyResolutionError{Entity: "audience_bridge", NaturalKey: key, Missing: "audience", Value: name}
				}
				links = append(links, domain.AudienceLink{AdSetID: adSet.ID, AudienceID: id, Kind: group.kind})
			}
		}
		if err := stores.Audiences.Replace(ctx, adSet.ID, links); err != nil {
			return 0, fmt.Errorf("failed to replace audiences of %q: %w", key, err)
		}
	}
	return len(keys), nil
}
