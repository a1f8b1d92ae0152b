package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
)

// memState is the in-memory warehouse. clone gives the snapshot a
// transaction restores on rollback.
type memState struct {
	nextID    int64
	accounts  map[string]domain.Account
	refs      map[domain.ReferenceKind]map[string]int64
	dates     map[int]domain.DateDimension
	campaigns []domain.DimensionVersion[domain.CampaignAttributes]
	adSets    []domain.DimensionVersion[domain.AdSetAttributes]
	ads       []domain.DimensionVersion[domain.AdAttributes]
	bridges   map[int64][]domain.AudienceLink
	facts     map[domain.Grain]domain.Fact
}

func newMemState() *memState {
	return &memState{
		accounts: map[string]domain.Account{},
		refs:     map[domain.ReferenceKind]map[string]int64{},
		dates:    map[int]domain.DateDimension{},
		bridges:  map[int64][]domain.AudienceLink{},
		facts:    map[domain.Grain]domain.Fact{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:    s.nextID,
		accounts:  make(map[string]domain.Account, len(s.accounts)),
		refs:      make(map[domain.ReferenceKind]map[string]int64, len(s.refs)),
		dates:     make(map[int]domain.DateDimension, len(s.dates)),
		campaigns: append([]domain.DimensionVersion[domain.CampaignAttributes](nil), s.campaigns...),
		adSets:    append([]domain.DimensionVersion[domain.AdSetAttributes](nil), s.adSets...),
		ads:       append([]domain.DimensionVersion[domain.AdAttributes](nil), s.ads...),
		bridges:   make(map[int64][]domain.AudienceLink, len(s.bridges)),
		facts:     make(map[domain.Grain]domain.Fact, len(s.facts)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for kind, values := range s.refs {
		c.refs[kind] = make(map[string]int64, len(values))
		for k, v := range values {
			c.refs[kind][k] = v
		}
	}
	for k, v := range s.dates {
		c.dates[k] = v
	}
	for k, v := range s.bridges {
		c.bridges[k] = append([]domain.AudienceLink(nil), v...)
	}
	for k, v := range s.facts {
		c.facts[k] = v
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// rowCount is the number of dimension and fact rows, used to prove a
// rejected batch changed nothing.
func (s *memState) rowCount() int {
	n := len(s.accounts) + len(s.dates) + len(s.campaigns) + len(s.adSets) + len(s.ads) + len(s.facts)
	for _, values := range s.refs {
		n += len(values)
	}
	for _, links := range s.bridges {
		n += len(links)
	}
	return n
}

type memWarehouse struct {
	mu    sync.Mutex
	state *memState

	// lockBusy makes the next n transactions fail to get the load lock.
	lockBusy int
	// upsertErr fails the fact upsert.
	upsertErr error
	// dropFacts discards the first n facts of an upsert.
	dropFacts int
	// duplicateGrains is what the duplicate grain check reports.
	duplicateGrains int
	// beforeCommit runs after fn succeeded, before the changes are kept.
	beforeCommit func(ctx context.Context) error
	txCount      int
}

func newMemWarehouse() *memWarehouse {
	return &memWarehouse{state: newMemState()}
}

func (w *memWarehouse) WithinLoadTx(ctx context.Context, fn func(ctx context.Context, stores repository.Stores) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if w.lockBusy > 0 {
		w.lockBusy--
		return db.ErrLoadLockBusy
	}
	w.txCount++

	snapshot := w.state.clone()
	if err := fn(ctx, w.stores()); err != nil {
		w.state = snapshot
		return err
	}
	if w.beforeCommit != nil {
		if err := w.beforeCommit(ctx); err != nil {
			w.state = snapshot
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		w.state = snapshot
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (w *memWarehouse) View() repository.Stores {
	return w.stores()
}

func (w *memWarehouse) stores() repository.Stores {
	return repository.Stores{
		Accounts:   &memAccounts{w: w},
		References: &memReferences{w: w},
		Dates:      &memDates{w: w},
		Campaigns: &memVersions[domain.CampaignAttributes]{
			w:    w,
			rows: func(s *memState) *[]domain.DimensionVersion[domain.CampaignAttributes] { return &s.campaigns },
			untracked: func(cur, in domain.CampaignAttributes) domain.CampaignAttributes {
				cur.AccountID, cur.Name = in.AccountID, in.Name
				return cur
			},
		},
		AdSets: &memVersions[domain.AdSetAttributes]{
			w:    w,
			rows: func(s *memState) *[]domain.DimensionVersion[domain.AdSetAttributes] { return &s.adSets },
			untracked: func(cur, in domain.AdSetAttributes) domain.AdSetAttributes {
				cur.Name = in.Name
				return cur
			},
		},
		Ads: &memVersions[domain.AdAttributes]{
			w:    w,
			rows: func(s *memState) *[]domain.DimensionVersion[domain.AdAttributes] { return &s.ads },
			untracked: func(cur, in domain.AdAttributes) domain.AdAttributes {
				cur.Name, cur.PreviewURL, cur.ThumbnailURL, cur.Body = in.Name, in.PreviewURL, in.ThumbnailURL, in.Body
				return cur
			},
		},
		Audiences: &memBridges{w: w},
		Facts:     &memFacts{w: w},
	}
}

type memAccounts struct{ w *memWarehouse }

func (s *memAccounts) Ensure(ctx context.Context, inputs []domain.AccountInput) (map[string]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.w.state
	out := make(map[string]domain.Account, len(inputs))
	for _, input := range inputs {
		account, ok := st.accounts[input.NaturalKey]
		if !ok {
			account = domain.Account{ID: st.id(), NaturalKey: input.NaturalKey, Name: input.Name}
			st.accounts[input.NaturalKey] = account
		}
		out[input.NaturalKey] = account
	}
	return out, nil
}

func (s *memAccounts) BackfillCurrency(_ context.Context, accountID int64, currencyID int64) (bool, error) {
	st := s.w.state
	for key, account := range st.accounts {
		if account.ID == accountID && account.CurrencyID == nil {
			account.CurrencyID = &currencyID
			st.accounts[key] = account
			return true, nil
		}
	}
	return false, nil
}

type memReferences struct{ w *memWarehouse }

func (s *memReferences) Ensure(ctx context.Context, kind domain.ReferenceKind, values []string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.w.state
	if st.refs[kind] == nil {
		st.refs[kind] = map[string]int64{}
	}
	out := make(map[string]int64, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		id, ok := st.refs[kind][value]
		if !ok {
			id = st.id()
			st.refs[kind][value] = id
		}
		out[value] = id
	}
	return out, nil
}

type memDates struct{ w *memWarehouse }

func (s *memDates) Ensure(ctx context.Context, days []domain.DateDimension) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, day := range days {
		if _, ok := s.w.state.dates[day.DateID]; !ok {
			s.w.state.dates[day.DateID] = day
		}
	}
	return nil
}

type memVersions[A any] struct {
	w         *memWarehouse
	rows      func(*memState) *[]domain.DimensionVersion[A]
	untracked func(current, incoming A) A
}

func (s *memVersions[A]) Current(ctx context.Context, keys []string) (map[string]domain.DimensionVersion[A], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := toSet(keys)
	out := map[string]domain.DimensionVersion[A]{}
	for _, v := range *s.rows(s.w.state) {
		if _, ok := wanted[v.NaturalKey]; ok && v.ValidTo == nil {
			out[v.NaturalKey] = v
		}
	}
	return out, nil
}

func (s *memVersions[A]) History(_ context.Context, keys []string) (map[string][]domain.DimensionVersion[A], error) {
	wanted := toSet(keys)
	out := map[string][]domain.DimensionVersion[A]{}
	for _, v := range *s.rows(s.w.state) {
		if _, ok := wanted[v.NaturalKey]; ok {
			out[v.NaturalKey] = append(out[v.NaturalKey], v)
		}
	}
	for key := range out {
		domain.SortVersions(out[key])
	}
	return out, nil
}

func (s *memVersions[A]) Insert(ctx context.Context, version domain.DimensionVersion[A]) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rows := s.rows(s.w.state)
	for _, existing := range *rows {
		if existing.NaturalKey != version.NaturalKey {
			continue
		}
		if existing.Version == version.Version {
			return 0, fmt.Errorf("duplicate version %d of %q", version.Version, version.NaturalKey)
		}
		if existing.ValidTo == nil && version.ValidTo == nil {
			return 0, fmt.Errorf("second open version of %q", version.NaturalKey)
		}
	}
	version.ID = s.w.state.id()
	*rows = append(*rows, version)
	return version.ID, nil
}

func (s *memVersions[A]) Close(ctx context.Context, id int64, validTo time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := *s.rows(s.w.state)
	for i := range rows {
		if rows[i].ID == id && rows[i].ValidTo == nil {
			end := validTo
			rows[i].ValidTo = &end
			rows[i].IsCurrent = false
			return nil
		}
	}
	return fmt.Errorf("no open version %d", id)
}

func (s *memVersions[A]) UpdateUntracked(ctx context.Context, id int64, attrs A) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := *s.rows(s.w.state)
	for i := range rows {
		if rows[i].ID == id {
			rows[i].Attributes = s.untracked(rows[i].Attributes, attrs)
			return nil
		}
	}
	return fmt.Errorf("version %d not found", id)
}

type memBridges struct{ w *memWarehouse }

func (s *memBridges) Replace(ctx context.Context, adSetID int64, links []domain.AudienceLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.w.state.bridges[adSetID] = append([]domain.AudienceLink(nil), links...)
	return nil
}

func (s *memBridges) List(_ context.Context, adSetID int64) ([]domain.AudienceLink, error) {
	return append([]domain.AudienceLink{}, s.w.state.bridges[adSetID]...), nil
}

type memFacts struct{ w *memWarehouse }

func (s *memFacts) Upsert(ctx context.Context, facts []domain.Fact) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.w.upsertErr != nil {
		return 0, s.w.upsertErr
	}
	if s.w.dropFacts > 0 && len(facts) > 0 {
		facts = facts[min(s.w.dropFacts, len(facts)):]
	}
	for _, fact := range facts {
		s.w.state.facts[fact.Grain] = fact
	}
	return len(facts), nil
}

func (s *memFacts) DuplicateGrains(ctx context.Context, _ uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// the map key is the grain, so duplicates only exist when configured
	return s.w.duplicateGrains, nil
}

func (s *memFacts) SpendTotal(_ context.Context, batchID uuid.UUID) (float64, error) {
	var total float64
	for _, fact := range s.w.state.facts {
		if fact.BatchID == batchID {
			total += fact.Metrics.Spend
		}
	}
	return total, nil
}

func (s *memFacts) Count(_ context.Context, batchID uuid.UUID) (int, error) {
	n := 0
	for _, fact := range s.w.state.facts {
		if fact.BatchID == batchID {
			n++
		}
	}
	return n, nil
}

func (s *memFacts) DeleteByBatch(_ context.Context, batchID uuid.UUID) (int, error) {
	n := 0
	for grain, fact := range s.w.state.facts {
		if fact.BatchID == batchID {
			delete(s.w.state.facts, grain)
			n++
		}
	}
	return n, nil
}

func (s *memFacts) Query(_ context.Context, filter domain.FactFilter) ([]domain.Fact, error) {
	var out []domain.Fact
	for _, fact := range s.w.state.facts {
		if filter.Matches(fact) {
			out = append(out, fact)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Grain.Less(out[j].Grain) })
	if filter.Offset > 0 {
		out = out[min(filter.Offset, len(out)):]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// memBatches and friends back the pool-side repositories.
type memBatches struct {
	mu      sync.Mutex
	batches map[uuid.UUID]domain.Batch
	order   []uuid.UUID
}

func newMemBatches() *memBatches {
	return &memBatches{batches: map[uuid.UUID]domain.Batch{}}
}

func (r *memBatches) Create(_ context.Context, batch domain.Batch) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.batches {
		if existing.SourceHash == batch.SourceHash {
			return domain.Batch{}, repository.ErrDuplicateSource
		}
	}
	r.batches[batch.ID] = batch
	r.order = append(r.order, batch.ID)
	return batch, nil
}

func (r *memBatches) GetByID(_ context.Context, id uuid.UUID) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, fmt.Errorf("batch %s: %w", id, repository.ErrBatchNotFound)
	}
	return batch, nil
}

func (r *memBatches) GetBySourceHash(_ context.Context, hash string) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, batch := range r.batches {
		if batch.SourceHash == hash {
			return batch, nil
		}
	}
	return domain.Batch{}, repository.ErrBatchNotFound
}

func (r *memBatches) ListByStatus(_ context.Context, statuses []domain.BatchStatus, _ int, _ int) ([]domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Batch
	for _, id := range r.order {
		batch := r.batches[id]
		if len(statuses) == 0 {
			out = append(out, batch)
			continue
		}
		for _, status := range statuses {
			if batch.Status == status {
				out = append(out, batch)
				break
			}
		}
	}
	return out, nil
}

func (r *memBatches) MarkProcessing(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return repository.ErrBatchNotFound
	}
	batch.Status = domain.BatchStatusProcessing
	batch.StartedAt = &startedAt
	batch.CompletedAt = nil
	batch.ErrorMessage = nil
	r.batches[id] = batch
	return nil
}

func (r *memBatches) Finish(_ context.Context, id uuid.UUID, outcome domain.BatchOutcome, finishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return repository.ErrBatchNotFound
	}
	batch.Status = outcome.Status
	batch.TotalRows = outcome.TotalRows
	batch.ValidRows = outcome.ValidRows
	batch.RejectedRows = outcome.RejectedRows
	batch.RowsLoaded = outcome.RowsLoaded
	batch.FactRows = outcome.FactRows
	batch.CompletedAt = &finishedAt
	batch.ErrorMessage = nil
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		batch.ErrorMessage = &msg
	}
	r.batches[id] = batch
	return nil
}

type memStaging struct {
	batches *memBatches
	rows    map[uuid.UUID][]domain.NormalizedRow
}

func (r *memStaging) Stage(ctx context.Context, batch domain.Batch, rows []domain.NormalizedRow) (domain.Batch, error) {
	created, err := r.batches.Create(ctx, batch)
	if err != nil {
		return domain.Batch{}, err
	}
	r.rows[batch.ID] = append([]domain.NormalizedRow(nil), rows...)
	return created, nil
}

func (r *memStaging) Rows(_ context.Context, batchID uuid.UUID) ([]domain.NormalizedRow, error) {
	rows := append([]domain.NormalizedRow(nil), r.rows[batchID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowNumber < rows[j].RowNumber })
	return rows, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditLogEntry
}

func (r *memAudit) Record(ctx context.Context, entry domain.AuditLogEntry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memAudit) List(_ context.Context, batchID uuid.UUID) ([]domain.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditLogEntry
	for _, entry := range r.entries {
		if entry.BatchID == batchID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type memRejections struct {
	mu      sync.Mutex
	entries map[uuid.UUID]map[int]domain.RejectionEntry
}

func (r *memRejections) Record(_ context.Context, entries []domain.RejectionEntry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inserted := 0
	for _, entry := range entries {
		if r.entries[entry.BatchID] == nil {
			r.entries[entry.BatchID] = map[int]domain.RejectionEntry{}
		}
		if _, ok := r.entries[entry.BatchID][entry.RowNumber]; ok {
			continue
		}
		r.entries[entry.BatchID][entry.RowNumber] = entry
		inserted++
	}
	return inserted, nil
}

func (r *memRejections) List(_ context.Context, batchID uuid.UUID, _ int, _ int) ([]domain.RejectionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RejectionEntry
	for _, entry := range r.entries[batchID] {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out, nil
}

func (r *memRejections) Count(_ context.Context, batchID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[batchID]), nil
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}

// fixture bundles an in-memory loader.
// testClock hands out increasing instants, one second apart, starting at
// whatever set last placed it on.
type testClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.at
	c.at = c.at.Add(time.Second)
	return at
}

func (c *testClock) set(raw string) {
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.at = at.UTC()
	c.mu.Unlock()
}

type fixture struct {
	clock      *testClock
	warehouse  *memWarehouse
	batches    *memBatches
	staging    *memStaging
	audit      *memAudit
	rejections *memRejections
	deps       Dependencies
}

func newFixture() *fixture {
	batches := newMemBatches()
	f := &fixture{
		clock:      &testClock{at: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		warehouse:  newMemWarehouse(),
		batches:    batches,
		staging:    &memStaging{batches: batches, rows: map[uuid.UUID][]domain.NormalizedRow{}},
		audit:      &memAudit{},
		rejections: &memRejections{entries: map[uuid.UUID]map[int]domain.RejectionEntry{}},
	}
	f.deps = Dependencies{
		Batches:    f.batches,
		Staging:    f.staging,
		Rejections: f.rejections,
		Audit:      f.audit,
		Warehouse:  f.warehouse,
	}
	return f
}

func (f *fixture) stage(rows ...domain.NormalizedRow) uuid.UUID {
	batch := domain.NewBatch("export.csv", uuid.NewString())
	if _, err := f.staging.Stage(context.Background(), batch, rows); err != nil {
		panic(err)
	}
	return batch.ID
}

// row builds a valid normalized row for the given hierarchy and day.
func row(number int, day string, campaign, adSet, ad string) domain.NormalizedRow {
	date, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return domain.NormalizedRow{
		RowNumber:    number,
		Date:         date,
		AccountName:  "Acme Retail",
		CampaignName: campaign,
		AdSetName:    adSet,
		AdName:       ad,
		AgeBracket:   "25-34",
		Gender:       "female",
		Currency:     "USD",
		Metrics: domain.Metrics{
			Spend:       10,
			Impressions: 1000,
			Clicks:      20,
			Frequency:   1.5,
		},
		Valid: true,
	}
}
