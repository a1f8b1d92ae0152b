package warehouse

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
	"github.com/rpattn/adwarehouse/internal/retry"
	"go.uber.org/zap"
)

// Config tunes the batch loader.
type Config struct {
	MaxErrorPercentage float64
	SpendTolerance     float64
	TxTimeout          time.Duration
	Workers            int
	AveragePolicy      AveragePolicy
	LockRetries        int
}

// DefaultConfig returns the loader defaults.
func DefaultConfig() Config {
	return Config{
		MaxErrorPercentage: 5,
		SpendTolerance:     0.01,
		TxTimeout:          10 * time.Minute,
		Workers:            4,
		AveragePolicy:      AverageMean,
		LockRetries:        5,
	}
}

// LoadOptions adjusts a single load.
type LoadOptions struct {
	// ValidateOnly stops after validation.
	ValidateOnly bool
	// ForceReload reloads a batch that already committed, deleting its
	// facts first.
	ForceReload bool
	// MaxErrorPercentage overrides the configured threshold.
	MaxErrorPercentage *float64
	// EffectiveAt overrides when new dimension versions start. It defaults
	// to the batch timestamp, the moment processing starts.
	EffectiveAt *time.Time
}

// DimensionStats summarizes what a load did to the versioned dimensions.
type DimensionStats struct {
	Campaigns UpsertStats `json:"campaigns"`
	AdSets    UpsertStats `json:"ad_sets"`
	Ads       UpsertStats `json:"ads"`
}

// BatchResult reports the outcome of LoadBatch.
type BatchResult struct {
	BatchID    uuid.UUID          `json:"batch_id"`
	Status     domain.BatchStatus `json:"status"`
	Phase      domain.LoadPhase   `json:"phase"`
	RowsLoaded int                `json:"rows_loaded"`
	FactRows   int                `json:"fact_rows"`
	Report     ValidationReport   `json:"report"`
	Dimensions DimensionStats     `json:"dimensions"`
	Errors     []string           `json:"errors,omitempty"`
}

// Dependencies are the stores the loader works against.
type Dependencies struct {
	Batches    repository.BatchRepository
	Staging    repository.StagingRepository
	Rejections repository.RejectionRepository
	Audit      repository.AuditLogRepository
	Warehouse  repository.Warehouse
}

// Loader orchestrates validation, dimension resolution and fact loading of
// one batch at a time.
type Loader struct {
	deps       Dependencies
	cfg        Config
	validator  *Validator
	resolver   *Resolver
	aggregator *Aggregator
	audit      *auditor
	logger     *zap.Logger
	now        func() time.Time

	// retry settings for opening the load transaction
	lockRetry retry.Config

	mu sync.Mutex
}

// NewLoader wires a loader.
func NewLoader(deps Dependencies, cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultConfig().TxTimeout
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Loader{
		deps:       deps,
		cfg:        cfg,
		validator:  NewValidator(deps.Staging, deps.Rejections, logger),
		resolver:   NewResolver(logger),
		aggregator: NewAggregator(cfg.Workers, cfg.AveragePolicy, logger),
		audit:      &auditor{repo: deps.Audit, logger: logger, now: now},
		logger:     logger,
		now:        now,
		lockRetry:  retry.LockConfig(cfg.LockRetries),
	}
}

// ValidateBatch computes the validation report of a staged batch and
// records its rejections. The batch status is left unchanged.
func (l *Loader) ValidateBatch(ctx context.Context, batchID uuid.UUID) (ValidationReport, error) {
	if _, err := l.deps.Batches.GetByID(ctx, batchID); err != nil {
		return ValidationReport{}, err
	}

	var report ValidationReport
	err := l.audit.step(ctx, batchID, StepValidate, func() (int, error) {
		var err error
		report, _, err = l.validator.Validate(ctx, batchID, l.cfg.MaxErrorPercentage)
		return report.TotalRows, err
	})
	return report, err
}

// LoadBatch validates a staged batch and, when it passes, resolves its
// dimensions and upserts its facts in one transaction holding the global
// load lock. The batch and audit log always record the outcome.
func (l *Loader) LoadBatch(ctx context.Context, batchID uuid.UUID, opts LoadOptions) (BatchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logger := l.logger.With(zap.String("batch_id", batchID.String()))
	result := BatchResult{BatchID: batchID}

	batch, err := l.deps.Batches.GetByID(ctx, batchID)
	if err != nil {
		return result, err
	}
	result.Status = batch.Status

	if !opts.ForceReload && !opts.ValidateOnly {
		switch {
		case batch.Status.Loaded():
			return result, fmt.Errorf("batch %s is %s: %w", batchID, batch.Status, ErrAlreadyLoaded)
		case batch.Status == domain.BatchStatusProcessing:
			return result, fmt.Errorf("batch %s: %w", batchID, ErrBatchInProgress)
		}
	}

	threshold := l.cfg.MaxErrorPercentage
	if opts.MaxErrorPercentage != nil {
		threshold = *opts.MaxErrorPercentage
	}
	if threshold < 0 || threshold > 100 || math.IsNaN(threshold) {
		return result, fmt.Errorf("max error percentage must be within [0, 100], got %v", threshold)
	}

	var valid []domain.NormalizedRow
	err = l.audit.step(ctx, batchID, StepValidate, func() (int, error) {
		var err error
		result.Report, valid, err = l.validator.Validate(ctx, batchID, threshold)
		if err != nil {
			return result.Report.TotalRows, err
		}
		if !result.Report.Passed {
			return result.Report.TotalRows, &ValidationError{Report: result.Report}
		}
		return result.Report.TotalRows, nil
	})
	if err != nil {
		logger.Warn("batch failed validation", zap.Error(err))
		if batch.Status.Loaded() {
			// committed facts stay, so the batch keeps its status
			result.Errors = append(result.Errors, err.Error())
			return result, err
		}
		return l.fail(ctx, result, err, domain.PhaseValidated)
	}
	result.Phase = domain.PhaseValidated

	if opts.ValidateOnly {
		logger.Info("validate-only run finished", zap.Float64("error_percentage", result.Report.ErrorPercentage))
		return result, nil
	}

	startedAt := l.now()
	if err := l.deps.Batches.MarkProcessing(ctx, batchID, startedAt); err != nil {
		return result, err
	}
	result.Status = domain.BatchStatusProcessing

	if opts.ForceReload {
		if err := l.cleanup(ctx, batchID); err != nil {
			return l.fail(ctx, result, &TransactionError{BatchID: batchID, Step: StepCleanup, Err: err}, domain.PhaseRolledBack)
		}
	}

	// dimension versions change at the batch timestamp; rows keep resolving
	// to the version valid on their own date
	effectiveAt := startedAt
	if opts.EffectiveAt != nil {
		effectiveAt = opts.EffectiveAt.UTC()
	}

	if err := l.transact(ctx, batchID, valid, effectiveAt, &result); err != nil {
		step, cause := stepOf(err, StepTransaction)
		txErr := &TransactionError{BatchID: batchID, Step: step, Err: cause}
		logger.Error("batch rolled back", zap.String("step", step), zap.Error(cause))
		return l.fail(ctx, result, txErr, domain.PhaseRolledBack)
	}

	result.Phase = domain.PhaseCommitted
	result.Status = domain.BatchStatusCompleted
	if result.Report.RejectedRows > 0 {
		result.Status = domain.BatchStatusCompletedWithErrors
	}
	if err := l.finish(ctx, result, nil); err != nil {
		return result, err
	}

	logger.Info("batch loaded",
		zap.String("status", string(result.Status)),
		zap.Int("rows_loaded", result.RowsLoaded),
		zap.Int("fact_rows", result.FactRows),
		zap.Int("rejected_rows", result.Report.RejectedRows))
	return result, nil
}

// LoadPending loads every pending batch, oldest first. A failing batch does
// not stop the others; the first error is returned after all ran.
func (l *Loader) LoadPending(ctx context.Context) ([]BatchResult, error) {
	pending, err := l.deps.Batches.ListByStatus(ctx, []domain.BatchStatus{domain.BatchStatusPending}, 0, 0)
	if err != nil {
		return nil, err
	}

	var (
		results  []BatchResult
		firstErr error
	)
	for _, batch := range pending {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		result, err := l.LoadBatch(ctx, batch.ID, LoadOptions{})
		results = append(results, result)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// transact runs resolution, fact load and post-load checks in one
// transaction. Only failing to open it (lock busy, connection trouble) is
// retried.
func (l *Loader) transact(ctx context.Context, batchID uuid.UUID, rows []domain.NormalizedRow, effectiveAt time.Time, result *BatchResult) error {
	txCtx, cancel := context.WithTimeout(ctx, l.cfg.TxTimeout)
	defer cancel()

	return l.audit.step(ctx, batchID, StepTransaction, func() (int, error) {
		var entered bool
		cfg := l.lockRetry
		cfg.Retryable = func(err error) bool { return !entered && db.IsTransient(err) }

		var factRows int
		err := retry.WithBackoff(txCtx, cfg, l.logger, "load_transaction", func() error {
			return l.deps.Warehouse.WithinLoadTx(txCtx, func(ctx context.Context, stores repository.Stores) error {
				entered = true
				var err error
				factRows, err = l.load(ctx, stores, batchID, rows, effectiveAt, result)
				return err
			})
		})
		if err != nil {
			if ctxErr := txCtx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				err = fmt.Errorf("%w: %w", ctxErr, err)
			}
			return 0, err
		}
		result.RowsLoaded = len(rows)
		result.FactRows = factRows
		return len(rows), nil
	})
}

func (l *Loader) load(ctx context.Context, stores repository.Stores, batchID uuid.UUID, rows []domain.NormalizedRow, effectiveAt time.Time, result *BatchResult) (int, error) {
	var dims *ResolvedDimensions
	err := l.audit.step(ctx, batchID, StepResolveDimensions, func() (int, error) {
		var err error
		dims, err = l.resolver.Resolve(ctx, stores, rows, batchID, effectiveAt)
		if err != nil {
			return 0, err
		}
		result.Phase = domain.PhaseDimensionResolution
		result.Dimensions = DimensionStats{
			Campaigns: dims.Campaigns.Stats,
			AdSets:    dims.AdSets.Stats,
			Ads:       dims.Ads.Stats,
		}
		return dims.Campaigns.Stats.Total() + dims.AdSets.Stats.Total() + dims.Ads.Stats.Total(), nil
	})
	if err != nil {
		return 0, inStep(StepResolveDimensions, err)
	}

	var facts []domain.Fact
	err = l.audit.step(ctx, batchID, StepLoadFacts, func() (int, error) {
		histories, err := l.histories(ctx, stores, dims)
		if err != nil {
			return 0, err
		}
		facts, err = l.aggregator.Aggregate(ctx, rows, dims, histories, batchID, l.now())
		if err != nil {
			return 0, err
		}
		written, err := stores.Facts.Upsert(ctx, facts)
		if err != nil {
			return written, err
		}
		result.Phase = domain.PhaseFactLoad
		return written, nil
	})
	if err != nil {
		return 0, inStep(StepLoadFacts, err)
	}

	err = l.audit.step(ctx, batchID, StepPostValidation, func() (int, error) {
		if err := l.postValidate(ctx, stores, batchID, rows, dims); err != nil {
			return len(facts), err
		}
		result.Phase = domain.PhasePostValidation
		return len(facts), nil
	})
	if err != nil {
		return 0, inStep(StepPostValidation, err)
	}
	return len(facts), nil
}

func (l *Loader) histories(ctx context.Context, stores repository.Stores, dims *ResolvedDimensions) (Histories, error) {
	var (
		h   Histories
		err error
	)
	if h.Campaigns, err = CampaignDimension.History(ctx, stores, dims.Campaigns.Keys); err != nil {
		return h, err
	}
	if h.AdSets, err = AdSetDimension.History(ctx, stores, dims.AdSets.Keys); err != nil {
		return h, err
	}
	if h.Ads, err = AdDimension.History(ctx, stores, dims.Ads.Keys); err != nil {
		return h, err
	}
	return h, nil
}

// postValidate checks that the batch produced no duplicate grain, that
// fact spend matches the spend of the valid rows and that every touched
// natural key still has a single open version in an unbroken chain.
func (l *Loader) postValidate(ctx context.Context, stores repository.Stores, batchID uuid.UUID, rows []domain.NormalizedRow, dims *ResolvedDimensions) error {
	duplicates, err := stores.Facts.DuplicateGrains(ctx, batchID)
	if err != nil {
		return err
	}
	if duplicates > 0 {
		return &ReconciliationError{Check: "duplicate_grain", Detail: fmt.Sprintf("%d grains loaded more than once", duplicates)}
	}

	var expected float64
	for _, row := range rows {
		expected += row.Metrics.Spend
	}
	actual, err := stores.Facts.SpendTotal(ctx, batchID)
	if err != nil {
		return err
	}
	if math.Abs(actual-expected) > l.cfg.SpendTolerance {
		return &ReconciliationError{
			Check:  "spend_total",
			Detail: fmt.Sprintf("fact spend %.4f differs from row spend %.4f by more than %.4f", actual, expected, l.cfg.SpendTolerance),
		}
	}

	if err := CampaignDimension.CheckChains(ctx, stores, dims.Campaigns.Keys); err != nil {
		return err
	}
	if err := AdSetDimension.CheckChains(ctx, stores, dims.AdSets.Keys); err != nil {
		return err
	}
	return AdDimension.CheckChains(ctx, stores, dims.Ads.Keys)
}

// cleanup removes the facts a previous load of the batch committed.
func (l *Loader) cleanup(ctx context.Context, batchID uuid.UUID) error {
	existing, err := l.deps.Warehouse.View().Facts.Count(ctx, batchID)
	if err != nil {
		return err
	}
	if existing == 0 {
		return nil
	}

	return l.audit.step(ctx, batchID, StepCleanup, func() (int, error) {
		var deleted int
		cfg := l.lockRetry
		cfg.Retryable = db.IsTransient
		err := retry.WithBackoff(ctx, cfg, l.logger, "cleanup_transaction", func() error {
			return l.deps.Warehouse.WithinLoadTx(ctx, func(ctx context.Context, stores repository.Stores) error {
				var err error
				deleted, err = stores.Facts.DeleteByBatch(ctx, batchID)
				return err
			})
		})
		if err == nil {
			l.logger.Info("previous facts removed",
				zap.String("batch_id", batchID.String()),
				zap.Int("deleted", deleted))
		}
		return deleted, err
	})
}

func (l *Loader) fail(ctx context.Context, result BatchResult, cause error, phase domain.LoadPhase) (BatchResult, error) {
	result.Status = domain.BatchStatusFailed
	result.Phase = phase
	result.RowsLoaded = 0
	result.FactRows = 0
	result.Errors = append(result.Errors, cause.Error())
	if err := l.finish(ctx, result, cause); err != nil {
		return result, errors.Join(cause, err)
	}
	return result, cause
}

func (l *Loader) finish(ctx context.Context, result BatchResult, cause error) error {
	outcome := domain.BatchOutcome{
		Status:       result.Status,
		TotalRows:    result.Report.TotalRows,
		ValidRows:    result.Report.ValidRows,
		RejectedRows: result.Report.RejectedRows,
		RowsLoaded:   result.RowsLoaded,
		FactRows:     result.FactRows,
		Err:          cause,
	}
	// the batch row must reflect the outcome even if ctx is done
	if err := l.deps.Batches.Finish(context.WithoutCancel(ctx), result.BatchID, outcome, l.now()); err != nil {
		l.logger.Error("failed to record batch outcome",
			zap.String("batch_id", result.BatchID.String()),
			zap.String("status", string(result.Status)),
			zap.Error(err))
		return err
	}
	return nil
}
