package warehouse

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
	"go.uber.org/zap"
)

// VersionedDimension configures the type 2 upsert of one dimension.
type VersionedDimension[A any] struct {
	Entity domain.EntityKind
	// Store picks the dimension's table out of a store set.
	Store func(repository.Stores) repository.VersionStore[A]
	// Changes lists tracked attributes that differ. Any entry opens a new
	// version.
	Changes func(current, incoming A) []string
	// UntrackedChanged reports attributes rewritten on the open version.
	UntrackedChanged func(current, incoming A) bool
}

// CampaignDimension versions campaigns on objective, budget, budget type
// and status.
var CampaignDimension = VersionedDimension[domain.CampaignAttributes]{
	Entity:           domain.EntityCampaign,
	Store:            func(s repository.Stores) repository.VersionStore[domain.CampaignAttributes] { return s.Campaigns },
	Changes:          domain.CampaignChanges,
	UntrackedChanged: domain.CampaignUntrackedChanged,
}

// AdSetDimension versions ad sets on parent campaign version and status.
var AdSetDimension = VersionedDimension[domain.AdSetAttributes]{
	Entity:           domain.EntityAdSet,
	Store:            func(s repository.Stores) repository.VersionStore[domain.AdSetAttributes] { return s.AdSets },
	Changes:          domain.AdSetChanges,
	UntrackedChanged: domain.AdSetUntrackedChanged,
}

// AdDimension versions ads on parent ad set version, status and landing URL.
var AdDimension = VersionedDimension[domain.AdAttributes]{
	Entity:           domain.EntityAd,
	Store:            func(s repository.Stores) repository.VersionStore[domain.AdAttributes] { return s.Ads },
	Changes:          domain.AdChanges,
	UntrackedChanged: domain.AdUntrackedChanged,
}

// Candidate is the state of one natural key as seen on one row.
type Candidate[A any] struct {
	NaturalKey string
	RowNumber  int
	Attributes A
}

// UpsertStats counts what happened to each key.
type UpsertStats struct {
	Inserted  int `json:"inserted"`
	Versioned int `json:"versioned"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Total is the number of keys handled.
func (s UpsertStats) Total() int {
	return s.Inserted + s.Versioned + s.Updated + s.Unchanged
}

// Resolution is the open version of every key after an upsert.
type Resolution[A any] struct {
	Current map[string]domain.DimensionVersion[A]
	Keys    []string
	Stats   UpsertStats
}

// Collapse keeps the candidate with the highest row number per key and
// returns them ordered by key.
func Collapse[A any](candidates []Candidate[A]) []Candidate[A] {
	latest := make(map[string]Candidate[A], len(candidates))
	for _, candidate := range candidates {
		if prev, ok := latest[candidate.NaturalKey]; ok && prev.RowNumber > candidate.RowNumber {
			continue
		}
		latest[candidate.NaturalKey] = candidate
	}
	out := make([]Candidate[A], 0, len(latest))
	for _, candidate := range latest {
		out = append(out, candidate)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	return out
}

// Upsert applies candidates to the dimension: read the open version,
// compare, then insert a first version, close and insert the next version,
// or update the open version in place.
//
// effectiveAt is the batch timestamp: where a new version starts and
// where the version it replaces ends. It must fall after the open
// version's valid_from, otherwise the closed version would cover nothing
// and ErrEffectiveTimeRegression is returned.
func (d VersionedDimension[A]) Upsert(
	ctx context.Context,
	stores repository.Stores,
	candidates []Candidate[A],
	effectiveAt time.Time,
	batchID uuid.UUID,
	logger *zap.Logger,
) (Resolution[A], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := d.Store(stores)
	collapsed := Collapse(candidates)

	keys := make([]string, len(collapsed))
	for i, candidate := range collapsed {
		keys[i] = candidate.NaturalKey
	}

	res := Resolution[A]{
		Current: make(map[string]domain.DimensionVersion[A], len(collapsed)),
		Keys:    keys,
	}

	current, err := store.Current(ctx, keys)
	if err != nil {
		return res, fmt.Errorf("failed to read current %s versions: %w", d.Entity, err)
	}

	for _, candidate := range collapsed {
		existing, found := current[candidate.NaturalKey]
		if !found {
			version := domain.DimensionVersion[A]{
				NaturalKey: candidate.NaturalKey,
				Version:    1,
				ValidFrom:  effectiveAt,
				IsCurrent:  true,
				BatchID:    batchID,
				Attributes: candidate.Attributes,
			}
			if version.ID, err = store.Insert(ctx, version); err != nil {
				return res, err
			}
			res.Current[candidate.NaturalKey] = version
			res.Stats.Inserted++
			continue
		}

		if changed := d.Changes(existing.Attributes, candidate.Attributes); len(changed) > 0 {
			if !effectiveAt.After(existing.ValidFrom) {
				return res, fmt.Errorf("%s %q version %d starts %s, batch effective %s: %w",
					d.Entity, candidate.NaturalKey, existing.Version,
					existing.ValidFrom.Format(time.RFC3339), effectiveAt.Format(time.RFC3339),
					ErrEffectiveTimeRegression)
			}
			if err := store.Close(ctx, existing.ID, effectiveAt); err != nil {
				return res, err
			}
			version := domain.DimensionVersion[A]{
				NaturalKey: candidate.NaturalKey,
				Version:    existing.Version + 1,
				ValidFrom:  effectiveAt,
				IsCurrent:  true,
				BatchID:    batchID,
				Attributes: candidate.Attributes,
			}
			if version.ID, err = store.Insert(ctx, version); err != nil {
				return res, err
			}
			logger.Debug("dimension versioned",
				zap.String("entity", string(d.Entity)),
				zap.String("natural_key", candidate.NaturalKey),
				zap.Int("version", version.Version),
				zap.Strings("changed", changed))
			res.Current[candidate.NaturalKey] = version
			res.Stats.Versioned++
			continue
		}

		if d.UntrackedChanged(existing.Attributes, candidate.Attributes) {
			if err := store.UpdateUntracked(ctx, existing.ID, candidate.Attributes); err != nil {
				return res, err
			}
			existing.Attributes = candidate.Attributes
			res.Current[candidate.NaturalKey] = existing
			res.Stats.Updated++
			continue
		}

		res.Current[candidate.NaturalKey] = existing
		res.Stats.Unchanged++
	}

	return res, nil
}

// History returns every version of the given keys, sorted by version.
func (d VersionedDimension[A]) History(ctx context.Context, stores repository.Stores, keys []string) (map[string][]domain.DimensionVersion[A], error) {
	history, err := d.Store(stores).History(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s history: %w", d.Entity, err)
	}
	for key := range history {
		domain.SortVersions(history[key])
	}
	return history, nil
}

// CheckChains verifies the version chain of every key.
func (d VersionedDimension[A]) CheckChains(ctx context.Context, stores repository.Stores, keys []string) error {
	history, err := d.History(ctx, stores, keys)
	if err != nil {
		return err
	}
	for _, key := range keys {
		versions := history[key]
		if len(versions) == 0 {
			return &ReconciliationError{Check: "version_chain", Detail: fmt.Sprintf("%s %q has no versions", d.Entity, key)}
		}
		if err := domain.CheckVersionChain(versions); err != nil {
			return &ReconciliationError{Check: "version_chain", Detail: fmt.Sprintf("%s: %v", d.Entity, err)}
		}
	}
	return nil
}
