package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/domain"
	"go.uber.org/zap"
)

// loadLockKey is the advisory lock serializing every warehouse load.
const loadLockKey int64 = 0x6164776c6f6164

type pgWarehouse struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewWarehouse wires the dimensional model stores backed by pgxpool.
func NewWarehouse(pool *pgxpool.Pool, logger *zap.Logger) Warehouse {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pgWarehouse{pool: pool, logger: logger}
}

func (w *pgWarehouse) WithinLoadTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error {
	if w.pool == nil {
		return fmt.Errorf("warehouse not initialized")
	}
	return db.WithTx(ctx, w.pool, w.logger, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, loadLockKey).Scan(&locked); err != nil {
			return fmt.Errorf("failed to acquire load lock: %w", err)
		}
		if !locked {
			return db.ErrLoadLockBusy
		}
		return fn(ctx, newStores(tx))
	})
}

func (w *pgWarehouse) View() Stores {
	return newStores(w.pool)
}

func newStores(exec Executor) Stores {
	return Stores{
		Accounts:   &accountStore{exec: exec},
		References: &referenceStore{exec: exec},
		Dates:      &dateStore{exec: exec},
		Campaigns:  &versionStore[domain.CampaignAttributes]{exec: exec, table: campaignTable},
		AdSets:     &versionStore[domain.AdSetAttributes]{exec: exec, table: adSetTable},
		Ads:        &versionStore[domain.AdAttributes]{exec: exec, table: adTable},
		Audiences:  &bridgeStore{exec: exec},
		Facts:      &factStore{exec: exec},
	}
}
