package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rpattn/adwarehouse/internal/domain"
)

var (
	// ErrBatchNotFound is returned when no batch carries the requested id.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrDuplicateSource is returned when an export with the same hash was
	// already staged.
	ErrDuplicateSource = errors.New("source already staged")
)

// Executor is implemented by both *pgxpool.Pool and pgx.Tx so stores can run
// inside or outside the load transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// BatchRepository persists batch lifecycle records.
type BatchRepository interface {
	Create(ctx context.Context, batch domain.Batch) (domain.Batch, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error)
	GetBySourceHash(ctx context.Context, hash string) (domain.Batch, error)
	ListByStatus(ctx context.Context, statuses []domain.BatchStatus, limit int, offset int) ([]domain.Batch, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	Finish(ctx context.Context, id uuid.UUID, outcome domain.BatchOutcome, finishedAt time.Time) error
}

// StagingRepository holds normalized rows waiting to be loaded.
type StagingRepository interface {
	// Stage creates the batch and copies its rows in one transaction.
	Stage(ctx context.Context, batch domain.Batch, rows []domain.NormalizedRow) (domain.Batch, error)
	Rows(ctx context.Context, batchID uuid.UUID) ([]domain.NormalizedRow, error)
}

// AuditLogRepository is the append-only step log.
type AuditLogRepository interface {
	Record(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, batchID uuid.UUID) ([]domain.AuditLogEntry, error)
}

// RejectionRepository stores rows excluded from a batch.
type RejectionRepository interface {
	// Record inserts entries, skipping rows already rejected for the batch.
	// It returns the number of new entries.
	Record(ctx context.Context, entries []domain.RejectionEntry) (int, error)
	List(ctx context.Context, batchID uuid.UUID, limit int, offset int) ([]domain.RejectionEntry, error)
	Count(ctx context.Context, batchID uuid.UUID) (int, error)
}

// Warehouse gives access to the dimensional model.
type Warehouse interface {
	// WithinLoadTx runs fn in a transaction holding the global load lock.
	// Failing to get the lock yields db.ErrLoadLockBusy.
	WithinLoadTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
	// View returns stores reading outside any transaction.
	View() Stores
}

// Stores groups the per-table stores of the warehouse, all bound to the
// same executor.
type Stores struct {
	Accounts   AccountStore
	References ReferenceStore
	Dates      DateStore
	Campaigns  VersionStore[domain.CampaignAttributes]
	AdSets     VersionStore[domain.AdSetAttributes]
	Ads        VersionStore[domain.AdAttributes]
	Audiences  BridgeStore
	Facts      FactStore
}

// AccountStore manages dim_account.
type AccountStore interface {
	// Ensure inserts missing accounts and returns all of them by natural key.
	Ensure(ctx context.Context, inputs []domain.AccountInput) (map[string]domain.Account, error)
	// BackfillCurrency sets the currency of an account that has none.
	BackfillCurrency(ctx context.Context, accountID int64, currencyID int64) (bool, error)
}

// ReferenceStore manages the insert-only lookup dimensions.
type ReferenceStore interface {
	// Ensure inserts missing values and returns the id of every value.
	Ensure(ctx context.Context, kind domain.ReferenceKind, values []string) (map[string]int64, error)
}

// DateStore manages dim_date.
type DateStore interface {
	Ensure(ctx context.Context, days []domain.DateDimension) error
}

// VersionStore manages one SCD type 2 dimension table.
type VersionStore[A any] interface {
	// Current returns the open version of each key that has one.
	Current(ctx context.Context, keys []string) (map[string]domain.DimensionVersion[A], error)
	// History returns every version of each key ordered by version.
	History(ctx context.Context, keys []string) (map[string][]domain.DimensionVersion[A], error)
	Insert(ctx context.Context, version domain.DimensionVersion[A]) (int64, error)
	// Close ends an open version at validTo and clears its current flag.
	Close(ctx context.Context, id int64, validTo time.Time) error
	UpdateUntracked(ctx context.Context, id int64, attrs A) error
}

// BridgeStore manages ad set to audience links.
type BridgeStore interface {
	Replace(ctx context.Context, adSetID int64, links []domain.AudienceLink) error
	List(ctx context.Context, adSetID int64) ([]domain.AudienceLink, error)
}

// FactStore manages fact_ad_performance.
type FactStore interface {
	// Upsert writes facts, replacing the metrics of existing grains.
	Upsert(ctx context.Context, facts []domain.Fact) (int, error)
	DuplicateGrains(ctx context.Context, batchID uuid.UUID) (int, error)
	SpendTotal(ctx context.Context, batchID uuid.UUID) (float64, error)
	Count(ctx context.Context, batchID uuid.UUID) (int, error)
	DeleteByBatch(ctx context.Context, batchID uuid.UUID) (int, error)
	Query(ctx context.Context, filter domain.FactFilter) ([]domain.Fact, error)
}
