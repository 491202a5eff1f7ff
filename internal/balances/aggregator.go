// Package balances keeps the balances of a user's trading accounts fresh
// and aggregates them into summary figures.
package balances

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vadiminshakov/cabinet/internal/clients"
	"github.com/vadiminshakov/cabinet/internal/domain"
	"github.com/vadiminshakov/cabinet/internal/metrics"
	"github.com/vadiminshakov/cabinet/pkg/retrier"
)

const (
	DefaultDebounce       = 300 * time.Millisecond
	DefaultHistoryLimit   = 100
	DefaultHistoryRetries = 2
)

type accountsAPI interface {
	Accounts(ctx context.Context) ([]domain.AccountRecord, error)
	AccountBalance(ctx context.Context, id string) (domain.AccountBalance, error)
}

type historyAPI interface {
	ApprovedDeposits(ctx context.Context, limit int) ([]domain.Transfer, error)
	ApprovedWithdrawals(ctx context.Context, limit int) ([]domain.Transfer, error)
}

type summaryPublisher interface {
	Publish(s domain.AccountSummary)
}

// Option configures the Aggregator.
type Option func(*Aggregator)

// WithPlatform sets the trading platform tag used for account classification.
func WithPlatform(platform string) Option {
	return func(a *Aggregator) {
		a.platform = platform
	}
}

// WithDebounce sets the delay between the last refresh and the recomputation.
func WithDebounce(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.debounce = d
		}
	}
}

// WithHistoryLimit sets how many approved transfers are requested per kind.
func WithHistoryLimit(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// WithHistoryRetries sets how often a failed history request is retried.
func WithHistoryRetries(n int) Option {
	return func(a *Aggregator) {
		a.historyRetries = n
	}
}

// WithClock replaces the clock.
func WithClock(c clockwork.Clock) Option {
	return func(a *Aggregator) {
		a.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.l = l
		}
	}
}

// Aggregator reconciles snapshot and live balances of the user's accounts
// and keeps the summary over the real ones up to date.
type Aggregator struct {
	api     accountsAPI
	history historyAPI
	pub     summaryPublisher
	clock   clockwork.Clock
	l       *zap.Logger

	platform       string
	debounce       time.Duration
	historyLimit   int
	historyRetries int

	store     *Store
	debouncer *Debouncer
	refreshes singleflight.Group
	computing atomic.Bool

	mu        sync.RWMutex
	records   map[string]domain.AccountRecord
	active    []domain.AccountRecord
	archived  []domain.AccountRecord
	summary   domain.AccountSummary
	firstDone bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator and starts its recompute loop. Close releases it.
func NewAggregator(api accountsAPI, history historyAPI, pub summaryPublisher, opts ...Option) *Aggregator {
	a := &Aggregator{
		api:            api,
		history:        history,
		pub:            pub,
		clock:          clockwork.NewRealClock(),
		l:              zap.NewNop(),
		debounce:       DefaultDebounce,
		historyLimit:   DefaultHistoryLimit,
		historyRetries: DefaultHistoryRetries,
		store:          NewStore(),
		records:        make(map[string]domain.AccountRecord),
		summary:        domain.AccountSummary{Loading: true},
	}

	for _, opt := range opts {
		opt(a)
	}

	a.debouncer = NewDebouncer(a.clock, a.debounce)
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.wg.Add(1)
	go a.recomputeLoop()

	return a
}

func (a *Aggregator) recomputeLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.debouncer.C():
			if _, ok := a.Recompute(a.ctx, false); !ok {
				// a computation was in flight and may have missed the latest refresh
				a.debouncer.Trigger()
			}
		}
	}
}

// IngestSnapshot deduplicates the records, partitions them into active and archived
// and seeds the store from their embedded balances. Accounts missing from the
// snapshot are dropped from the store.
func (a *Aggregator) IngestSnapshot(records []domain.AccountRecord) []domain.AccountBalance {
	records = domain.Dedup(records)
	now := a.clock.Now()

	byID := make(map[string]domain.AccountRecord, len(records))
	var active, archived []domain.AccountRecord
	seeded := make([]domain.AccountBalance, 0, len(records))
	kept := make([]string, 0, len(records))

	for _, r := range records {
		byID[r.Identifier] = r

		switch domain.Classify(r, a.platform) {
		case domain.ClassActive:
			active = append(active, r)
		case domain.ClassArchived:
			archived = append(archived, r)
		default:
			continue
		}

		b := r.StoredBalance(now)
		a.store.Put(b)
		seeded = append(seeded, b)
		kept = append(kept, r.Identifier)
	}

	a.mu.Lock()
	a.records = byID
	a.active = active
	a.archived = archived
	dropped := a.store.Retain(kept)
	a.mu.Unlock()

	a.l.Debug("ingested account snapshot",
		zap.Int("records", len(records)),
		zap.Int("active", len(active)),
		zap.Int("archived", len(archived)),
		zap.Int("dropped", dropped),
		zap.Int("stored", a.store.Len()))

	return seeded
}

// RefreshOne fetches the live balance of one account and replaces its store entry.
// Any failure returns nil and leaves the store untouched.
func (a *Aggregator) RefreshOne(ctx context.Context, id string) *domain.AccountBalance {
	v, err, _ := a.refreshes.Do(id, func() (any, error) {
		b, err := a.api.AccountBalance(ctx, id)
		if err != nil {
			return nil, err
		}

		b.Identifier = id
		b.Source = domain.SourceLive
		b.UpdatedAt = a.clock.Now()

		// a re-sync may have removed the account while the request was in flight
		a.mu.RLock()
		_, known := a.records[id]
		if known {
			a.store.Put(b)
		}
		a.mu.RUnlock()
		if !known {
			return nil, errors.Errorf("account %s is not in the current snapshot", id)
		}
		a.debouncer.Trigger()

		return b, nil
	})
	if err != nil {
		result := "failed"
		if errors.Is(err, clients.ErrUnauthenticated) {
			result = "unauthenticated"
		}
		metrics.BalanceRefreshTotal.WithLabelValues(result).Inc()
		a.l.Debug("live balance refresh failed, keeping stored value",
			zap.String("account", id), zap.Error(err))
		return nil
	}

	metrics.BalanceRefreshTotal.WithLabelValues("ok").Inc()
	b := v.(domain.AccountBalance)

	return &b
}

// RefreshAll refreshes every account concurrently and returns immediately.
func (a *Aggregator) RefreshAll(ids []string) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return
	}

	for _, id := range ids {
		a.wg.Add(1)
		go func(id string) {
			defer a.wg.Done()
			a.RefreshOne(a.ctx, id)
		}(id)
	}
}

// ComputeSummary sums the balances of ids and adds the given transfer totals.
// It returns false without computing when another computation is in flight.
func (a *Aggregator) ComputeSummary(ids []string, deposits, withdrawals decimal.Decimal, showLoading bool) (domain.AccountSummary, bool) {
	if !a.computing.CompareAndSwap(false, true) {
		metrics.SummaryComputeTotal.WithLabelValues("skipped").Inc()
		return a.Summary(), false
	}
	defer a.computing.Store(false)

	if showLoading {
		a.publishLoading(ids)
	}

	return a.compute(ids, deposits, withdrawals), true
}

// Recompute fetches approved transfer totals and computes the summary over the real accounts.
func (a *Aggregator) Recompute(ctx context.Context, showLoading bool) (domain.AccountSummary, bool) {
	if !a.computing.CompareAndSwap(false, true) {
		metrics.SummaryComputeTotal.WithLabelValues("skipped").Inc()
		return a.Summary(), false
	}
	defer a.computing.Store(false)

	ids := a.RealIdentifiers()
	if showLoading {
		a.publishLoading(ids)
	}

	prev := a.Summary()
	deposits, withdrawals := a.transferTotals(ctx, prev.TotalDeposits, prev.TotalWithdrawals)

	return a.compute(ids, deposits, withdrawals), true
}

// publishLoading publishes the snapshot figures flagged as loading,
// unless the first aggregation already completed.
func (a *Aggregator) publishLoading(ids []string) {
	a.mu.Lock()
	if a.firstDone {
		a.mu.Unlock()
		return
	}
	s := a.sum(ids)
	s.TotalDeposits = a.summary.TotalDeposits
	s.TotalWithdrawals = a.summary.TotalWithdrawals
	s.Loading = true
	a.summary = s
	a.mu.Unlock()

	a.pub.Publish(s)
}

func (a *Aggregator) compute(ids []string, deposits, withdrawals decimal.Decimal) domain.AccountSummary {
	a.mu.Lock()
	s := a.sum(ids)
	s.TotalDeposits = deposits
	s.TotalWithdrawals = withdrawals
	a.summary = s
	a.firstDone = true
	a.mu.Unlock()

	metrics.SummaryComputeTotal.WithLabelValues("computed").Inc()
	a.pub.Publish(s)

	return s
}

// sum adds up stored balances of ids, falling back to the record's own figures.
// Callers hold a.mu.
func (a *Aggregator) sum(ids []string) domain.AccountSummary {
	s := domain.AccountSummary{
		ComputedAt:   a.clock.Now(),
		TotalBalance: decimal.Zero,
		TotalCredit:  decimal.Zero,
		TotalEquity:  decimal.Zero,
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		b, ok := a.store.Get(id)
		if !ok {
			r, known := a.records[id]
			if !known {
				continue
			}
			b = r.StoredBalance(s.ComputedAt)
		}

		s.TotalBalance = s.TotalBalance.Add(b.Balance)
		s.TotalCredit = s.TotalCredit.Add(b.Credit)
		s.TotalEquity = s.TotalEquity.Add(b.Equity)
		s.Accounts++
	}

	return s
}

// transferTotals fetches approved deposit and withdrawal totals concurrently.
// A failed fetch contributes zero. A fetch cut short by ctx keeps the previous total.
func (a *Aggregator) transferTotals(ctx context.Context, prevDeposits, prevWithdrawals decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	deposits, withdrawals := decimal.Zero, decimal.Zero

	r := retrier.New(
		retrier.WithMaxRetries(a.historyRetries),
		retrier.WithRetryIf(func(err error) bool {
			return !errors.Is(err, clients.ErrUnauthenticated)
		}),
		retrier.WithOnRetry(func(attempt int, err error) {
			a.l.Debug("retrying transfer history", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)

	var g errgroup.Group
	g.Go(func() error {
		transfers, err := retrier.DoWithData(r, ctx, func(ctx context.Context) ([]domain.Transfer, error) {
			return a.history.ApprovedDeposits(ctx, a.historyLimit)
		})
		if err != nil {
			if ctx.Err() != nil {
				deposits = prevDeposits
				return nil
			}
			a.l.Warn("failed to fetch approved deposits", zap.Error(err))
			return nil
		}
		deposits = domain.SumTransfers(transfers)
		return nil
	})
	g.Go(func() error {
		transfers, err := retrier.DoWithData(r, ctx, func(ctx context.Context) ([]domain.Transfer, error) {
			return a.history.ApprovedWithdrawals(ctx, a.historyLimit)
		})
		if err != nil {
			if ctx.Err() != nil {
				withdrawals = prevWithdrawals
				return nil
			}
			a.l.Warn("failed to fetch approved withdrawals", zap.Error(err))
			return nil
		}
		withdrawals = domain.SumTransfers(transfers)
		return nil
	})
	_ = g.Wait()

	return deposits, withdrawals
}

// Load fetches the accounts list, paints the first summary and starts
// background refreshes of the active accounts. It is also used for an explicit sync.
// Only an authentication failure is returned.
func (a *Aggregator) Load(ctx context.Context) error {
	records, err := a.api.Accounts(ctx)
	if err != nil {
		if errors.Is(err, clients.ErrUnauthenticated) {
			return err
		}

		a.l.Error("failed to load accounts", zap.Error(err))
		a.settle()
		return nil
	}

	a.IngestSnapshot(records)
	a.Recompute(ctx, true)
	a.RefreshAll(a.activeIdentifiers())

	return nil
}

// settle clears the loading flag over whatever data exists.
func (a *Aggregator) settle() {
	a.mu.Lock()
	if !a.summary.Loading {
		a.mu.Unlock()
		return
	}
	a.summary.Loading = false
	a.summary.ComputedAt = a.clock.Now()
	a.firstDone = true
	s := a.summary
	a.mu.Unlock()

	a.pub.Publish(s)
}

// Summary returns the last computed summary.
func (a *Aggregator) Summary() domain.AccountSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summary
}

// Balance returns the stored balance of one account.
func (a *Aggregator) Balance(id string) (domain.AccountBalance, bool) {
	return a.store.Get(id)
}

// Balances returns all stored balances.
func (a *Aggregator) Balances() []domain.AccountBalance {
	return a.store.All()
}

// Active returns the active accounts of the last snapshot.
func (a *Aggregator) Active() []domain.AccountRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.AccountRecord(nil), a.active...)
}

// Archived returns the archived accounts of the last snapshot.
func (a *Aggregator) Archived() []domain.AccountRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.AccountRecord(nil), a.archived...)
}

// RealIdentifiers returns the identifiers of the active non-demo accounts.
func (a *Aggregator) RealIdentifiers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.active))
	for _, r := range a.active {
		if domain.IsReal(r, a.platform) {
			ids = append(ids, r.Identifier)
		}
	}
	return ids
}

func (a *Aggregator) activeIdentifiers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.active))
	for _, r := range a.active {
		ids = append(ids, r.Identifier)
	}
	return ids
}

// Close stops the debouncer, cancels in-flight refreshes and waits for them.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.debouncer.Stop()
	a.cancel()
	a.wg.Wait()
}
