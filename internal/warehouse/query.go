package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
)

// VersionView is a dimension version with its attributes left untyped so
// every entity kind shares one response shape.
type VersionView struct {
	ID         int64      `json:"id"`
	NaturalKey string     `json:"natural_key"`
	Version    int        `json:"version"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	IsCurrent  bool       `json:"is_current"`
	BatchID    uuid.UUID  `json:"batch_id"`
	Attributes any        `json:"attributes"`
}

func viewsOf[A any](versions []domain.DimensionVersion[A]) []VersionView {
	views := make([]VersionView, len(versions))
	for i, v := range versions {
		views[i] = VersionView{
			ID:         v.ID,
			NaturalKey: v.NaturalKey,
			Version:    v.Version,
			ValidFrom:  v.ValidFrom,
			ValidTo:    v.ValidTo,
			IsCurrent:  v.IsCurrent,
			BatchID:    v.BatchID,
			Attributes: v.Attributes,
		}
	}
	return views
}

// Queries answers read requests about batches and the warehouse.
type Queries struct {
	batches    repository.BatchRepository
	audit      repository.AuditLogRepository
	rejections repository.RejectionRepository
	warehouse  repository.Warehouse
}

// NewQueries wires the read side.
func NewQueries(deps Dependencies) *Queries {
	return &Queries{
		batches:    deps.Batches,
		audit:      deps.Audit,
		rejections: deps.Rejections,
		warehouse:  deps.Warehouse,
	}
}

// Batch returns one batch.
func (q *Queries) Batch(ctx context.Context, id uuid.UUID) (domain.Batch, error) {
	return q.batches.GetByID(ctx, id)
}

// Batches lists batches in the given statuses, all when none are given.
func (q *Queries) Batches(ctx context.Context, statuses []domain.BatchStatus, limit, offset int) ([]domain.Batch, error) {
	return q.batches.ListByStatus(ctx, statuses, limit, offset)
}

// AuditLog returns the audit entries of a batch in write order.
func (q *Queries) AuditLog(ctx context.Context, batchID uuid.UUID) ([]domain.AuditLogEntry, error) {
	return q.audit.List(ctx, batchID)
}

// Rejections returns the rejected rows of a batch.
func (q *Queries) Rejections(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]domain.RejectionEntry, error) {
	return q.rejections.List(ctx, batchID, limit, offset)
}

// Facts returns facts matching the filter.
func (q *Queries) Facts(ctx context.Context, filter domain.FactFilter) ([]domain.Fact, error) {
	return q.warehouse.View().Facts.Query(ctx, filter)
}

// Audiences returns the audience links of an ad set version.
func (q *Queries) Audiences(ctx context.Context, adSetID int64) ([]domain.AudienceLink, error) {
	return q.warehouse.View().Audiences.List(ctx, adSetID)
}

// History returns every version of a natural key, oldest first.
func (q *Queries) History(ctx context.Context, entity domain.EntityKind, naturalKey string) ([]VersionView, error) {
	return q.versions(ctx, entity, naturalKey, nil)
}

// AsOf returns the version of a natural key valid at the given instant.
func (q *Queries) AsOf(ctx context.Context, entity domain.EntityKind, naturalKey string, at time.Time) (VersionView, bool, error) {
	views, err := q.versions(ctx, entity, naturalKey, &at)
	if err != nil || len(views) == 0 {
		return VersionView{}, false, err
	}
	return views[0], true, nil
}

func (q *Queries) versions(ctx context.Context, entity domain.EntityKind, naturalKey string, at *time.Time) ([]VersionView, error) {
	stores := q.warehouse.View()
	switch entity {
	case domain.EntityCampaign:
		return lookupVersions(ctx, CampaignDimension, stores, naturalKey, at)
	case domain.EntityAdSet:
		return lookupVersions(ctx, AdSetDimension, stores, naturalKey, at)
	case domain.EntityAd:
		return lookupVersions(ctx, AdDimension, stores, naturalKey, at)
	}
	return nil, fmt.Errorf("unknown entity %q", entity)
}

func lookupVersions[A any](ctx context.Context, dim VersionedDimension[A], stores repository.Stores, naturalKey string, at *time.Time) ([]VersionView, error) {
	history, err := dim.History(ctx, stores, []string{naturalKey})
	if err != nil {
		return nil, err
	}
	chain := history[naturalKey]
	if at == nil {
		return viewsOf(chain), nil
	}
	version, ok := domain.VersionAt(chain, *at)
	if !ok {
		return nil, nil
	}
	return viewsOf([]domain.DimensionVersion[A]{version}), nil
}
