package balances

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cabinet/internal/clients"
	"github.com/vadiminshakov/cabinet/internal/domain"
)

const testPlatform = "mt5"

type fakeAPI struct {
	mu          sync.Mutex
	records     []domain.AccountRecord
	accountsErr error
	balances    map[string]domain.AccountBalance
	balanceErr  map[string]error
	calls       map[string]int
}

func newFakeAPI(records ...domain.AccountRecord) *fakeAPI {
	return &fakeAPI{
		records:    records,
		balances:   make(map[string]domain.AccountBalance),
		balanceErr: make(map[string]error),
		calls:      make(map[string]int),
	}
}

func (f *fakeAPI) Accounts(context.Context) ([]domain.AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	return append([]domain.AccountRecord(nil), f.records...), nil
}

func (f *fakeAPI) AccountBalance(_ context.Context, id string) (domain.AccountBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err := f.balanceErr[id]; err != nil {
		return domain.AccountBalance{}, err
	}
	b, ok := f.balances[id]
	if !ok {
		return domain.AccountBalance{}, errors.New("no balance")
	}
	return b, nil
}

func (f *fakeAPI) setBalance(id string, balance int64) {
	f.mu.Lock()
	f.balances[id] = domain.AccountBalance{Identifier: id, Balance: decimal.NewFromInt(balance)}
	f.mu.Unlock()
}

func (f *fakeAPI) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeHistory struct {
	deposits    []domain.Transfer
	withdrawals []domain.Transfer
	err         error
	entered     chan struct{}
	release     chan struct{}
}

func (f *fakeHistory) wait() {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
}

func (f *fakeHistory) ApprovedDeposits(ctx context.Context, _ int) ([]domain.Transfer, error) {
	f.wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.deposits, nil
}

func (f *fakeHistory) ApprovedWithdrawals(ctx context.Context, _ int) ([]domain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.withdrawals, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.AccountSummary
}

func (p *recordingPublisher) Publish(s domain.AccountSummary) {
	p.mu.Lock()
	p.published = append(p.published, s)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []domain.AccountSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.AccountSummary(nil), p.published...)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *recordingPublisher) last() (domain.AccountSummary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return domain.AccountSummary{}, false
	}
	return p.published[len(p.published)-1], true
}

func record(id string, balance int64) domain.AccountRecord {
	return domain.AccountRecord{
		Identifier: id,
		Platform:   testPlatform,
		Balance:    decimal.NewFromInt(balance),
	}
}

func transfers(amounts ...int64) []domain.Transfer {
	out := make([]domain.Transfer, 0, len(amounts))
	for i, a := range amounts {
		out = append(out, domain.Transfer{ID: fmt.Sprint(i), Amount: decimal.NewFromInt(a)})
	}
	return out
}

func newTestAggregator(t *testing.T, api *fakeAPI, history *fakeHistory) (*Aggregator, *recordingPublisher, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}
	a := NewAggregator(api, history, pub,
		WithPlatform(testPlatform),
		WithClock(clock),
		WithHistoryRetries(0),
		WithLogger(zap.NewNop()),
	)
	t.Cleanup(a.Close)

	return a, pub, clock
}

func TestAggregator_IngestSnapshot(t *testing.T) {
	t.Run("duplicates keep first occurrence", func(t *testing.T) {
		a, _, _ := newTestAggregator(t, newFakeAPI(), &fakeHistory{})

		seeded := a.IngestSnapshot([]domain.AccountRecord{
			record("A", 100),
			record("A", 200),
			record("B", 50),
		})

		require.Len(t, seeded, 2)
		require.Len(t, a.Balances(), 2)

		b, ok := a.Balance("A")
		require.True(t, ok)
		assert.True(t, b.Balance.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, domain.SourceSnapshot, b.Source)

		b, ok = a.Balance("B")
		require.True(t, ok)
		assert.True(t, b.Balance.Equal(decimal.NewFromInt(50)))
	})

	t.Run("partitions by classification", func(t *testing.T) {
		a, _, _ := newTestAggregator(t, newFakeAPI(), &fakeHistory{})

		archived := record("C", 30)
		archived.AccountStatus = "suspended"
		foreign := record("D", 40)
		foreign.Platform = "ctrader"
		demo := record("E", 1000)
		demo.IsDemo = true
		nullStatus := record("F", 10)
		nullStatus.AccountStatus = "NULL"

		a.IngestSnapshot([]domain.AccountRecord{record("A", 100), archived, foreign, demo, nullStatus})

		var active []string
		for _, r := range a.Active() {
			active = append(active, r.Identifier)
		}
		assert.Equal(t, []string{"A", "E", "F"}, active)
		require.Len(t, a.Archived(), 1)
		assert.Equal(t, "C", a.Archived()[0].Identifier)
		assert.Equal(t, []string{"A", "F"}, a.RealIdentifiers())

		_, ok := a.Balance("D")
		assert.False(t, ok, "foreign accounts are not stored")
	})

	t.Run("empty platform tag matches untagged records only", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		a := NewAggregator(newFakeAPI(), &fakeHistory{}, &recordingPublisher{},
			WithPlatform(""), WithClock(clock), WithLogger(zap.NewNop()))
		t.Cleanup(a.Close)

		untagged := domain.AccountRecord{Identifier: "A", Balance: decimal.NewFromInt(100)}
		tagged := record("B", 50)

		seeded := a.IngestSnapshot([]domain.AccountRecord{untagged, tagged})
		require.Len(t, seeded, 1)
		assert.Equal(t, "A", seeded[0].Identifier)
		assert.Equal(t, []string{"A"}, a.RealIdentifiers())
	})

	t.Run("resync drops removed accounts", func(t *testing.T) {
		a, _, _ := newTestAggregator(t, newFakeAPI(), &fakeHistory{})

		a.IngestSnapshot([]domain.AccountRecord{record("A", 100), record("B", 50)})
		a.IngestSnapshot([]domain.AccountRecord{record("A", 100)})

		require.Len(t, a.Balances(), 1)
		assert.Equal(t, "A", a.Balances()[0].Identifier)
		_, ok := a.Balance("B")
		assert.False(t, ok)
	})
}

func TestAggregator_RefreshOne(t *testing.T) {
	t.Run("success replaces the whole record", func(t *testing.T) {
		api := newFakeAPI()
		a, _, _ := newTestAggregator(t, api, &fakeHistory{})

		r := record("X", 10)
		r.Credit = decimal.NewFromInt(5)
		r.Equity = decimal.NewFromInt(12)
		r.Leverage = decimal.NewFromInt(100)
		a.IngestSnapshot([]domain.AccountRecord{r})

		api.setBalance("X", 42)

		got := a.RefreshOne(context.Background(), "X")
		require.NotNil(t, got)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(42)))

		stored, ok := a.Balance("X")
		require.True(t, ok)
		assert.True(t, stored.Balance.Equal(decimal.NewFromInt(42)))
		assert.True(t, stored.Credit.IsZero())
		assert.True(t, stored.Equity.IsZero())
		assert.True(t, stored.Leverage.IsZero())
		assert.Equal(t, domain.SourceLive, stored.Source)
	})

	t.Run("failure keeps the stored value", func(t *testing.T) {
		api := newFakeAPI()
		a, _, _ := newTestAggregator(t, api, &fakeHistory{})

		a.IngestSnapshot([]domain.AccountRecord{record("X", 10)})
		before, _ := a.Balance("X")

		api.balanceErr["X"] = errors.New("connection reset")
		assert.Nil(t, a.RefreshOne(context.Background(), "X"))

		api.balanceErr["X"] = errors.Wrap(clients.ErrUnauthenticated, "GET /accounts/X/balance")
		assert.Nil(t, a.RefreshOne(context.Background(), "X"))

		after, ok := a.Balance("X")
		require.True(t, ok)
		assert.Equal(t, before, after)
	})

	t.Run("accounts outside the snapshot are not stored", func(t *testing.T) {
		api := newFakeAPI()
		a, _, _ := newTestAggregator(t, api, &fakeHistory{})

		api.setBalance("gone", 10)
		assert.Nil(t, a.RefreshOne(context.Background(), "gone"))
		_, ok := a.Balance("gone")
		assert.False(t, ok)
	})
}

func TestAggregator_Scenario(t *testing.T) {
	api := newFakeAPI()
	a, _, _ := newTestAggregator(t, api, &fakeHistory{})

	a.IngestSnapshot([]domain.AccountRecord{record("A", 100), record("A", 200), record("B", 50)})

	api.setBalance("B", 75)
	require.NotNil(t, a.RefreshOne(context.Background(), "B"))

	s, ok := a.ComputeSummary([]string{"A", "B"}, decimal.NewFromInt(500), decimal.NewFromInt(100), false)
	require.True(t, ok)
	assert.True(t, s.TotalBalance.Equal(decimal.NewFromInt(175)), s.TotalBalance.String())
	assert.True(t, s.TotalDeposits.Equal(decimal.NewFromInt(500)))
	assert.True(t, s.TotalWithdrawals.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 2, s.Accounts)
	assert.False(t, s.Loading)
}

func TestAggregator_ComputeSummary(t *testing.T) {
	t.Run("idempotent without store changes", func(t *testing.T) {
		a, _, _ := newTestAggregator(t, newFakeAPI(), &fakeHistory{})
		a.IngestSnapshot([]domain.AccountRecord{record("A", 100), record("B", 50)})

		first, ok := a.ComputeSummary([]string{"A", "B"}, decimal.NewFromInt(1), decimal.NewFromInt(2), false)
		require.True(t, ok)
		second, ok := a.ComputeSummary([]string{"A", "B"}, decimal.NewFromInt(1), decimal.NewFromInt(2), false)
		require.True(t, ok)

		assert.True(t, first.Equal(second))
	})

	t.Run("unknown and repeated identifiers", func(t *testing.T) {
		a, _, _ := newTestAggregator(t, newFakeAPI(), &fakeHistory{})
		a.IngestSnapshot([]domain.AccountRecord{record("A", 100)})

		s, ok := a.ComputeSummary([]string{"A", "A", "missing"}, decimal.Zero, decimal.Zero, false)
		require.True(t, ok)
		assert.True(t, s.TotalBalance.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, 1, s.Accounts)
	})

	t.Run("no-op while another computation is in flight", func(t *testing.T) {
		history := &fakeHistory{
			deposits: transfers(10),
			entered:  make(chan struct{}, 1),
			release:  make(chan struct{}),
		}
		a, _, _ := newTestAggregator(t, newFakeAPI(), history)
		a.IngestSnapshot([]domain.AccountRecord{record("A", 100)})

		done := make(chan domain.AccountSummary)
		go func() {
			s, _ := a.Recompute(context.Background(), false)
			done <- s
		}()

		<-history.entered
		_, ok := a.ComputeSummary([]string{"A"}, decimal.Zero, decimal.Zero, false)
		assert.False(t, ok)
		_, ok = a.Recompute(context.Background(), false)
		assert.False(t, ok)

		close(history.release)
		s := <-done
		assert.True(t, s.TotalDeposits.Equal(decimal.NewFromInt(10)))

		_, ok = a.ComputeSummary([]string{"A"}, decimal.Zero, decimal.Zero, false)
		assert.True(t, ok)
	})
}

func TestAggregator_LoadingDoesNotFlicker(t *testing.T) {
	api := newFakeAPI(record("A", 100), record("B", 50))
	api.setBalance("A", 110)
	api.setBalance("B", 60)
	history := &fakeHistory{deposits: transfers(300, 200), withdrawals: transfers(100)}
	a, pub, clock := newTestAggregator(t, api, history)

	assert.True(t, a.Summary().Loading)

	require.NoError(t, a.Load(context.Background()))

	published := pub.all()
	require.GreaterOrEqual(t, len(published), 2)
	assert.True(t, published[0].Loading, "first paint shows the loading indicator")
	assert.True(t, published[0].TotalBalance.Equal(decimal.NewFromInt(150)))
	assert.False(t, published[1].Loading)
	assert.True(t, published[1].TotalDeposits.Equal(decimal.NewFromInt(500)))

	require.Eventually(t, func() bool {
		clock.Advance(DefaultDebounce)
		last, ok := pub.last()
		return ok && last.TotalBalance.Equal(decimal.NewFromInt(170))
	}, time.Second, 10*time.Millisecond)

	a.Recompute(context.Background(), true)

	for i, s := range pub.all()[1:] {
		assert.False(t, s.Loading, "summary %d flipped back to loading", i+1)
	}
	assert.False(t, a.Summary().Loading)
}

func TestAggregator_DebounceCoalescesRefreshes(t *testing.T) {
	api := newFakeAPI()
	var records []domain.AccountRecord
	var ids []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("acc-%d", i)
		ids = append(ids, id)
		records = append(records, record(id, 1))
		api.setBalance(id, 10)
	}

	a, pub, clock := newTestAggregator(t, api, &fakeHistory{})
	a.IngestSnapshot(records)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			a.RefreshOne(context.Background(), id)
		}(id)
	}
	wg.Wait()

	clock.Advance(DefaultDebounce - time.Millisecond)
	assert.Never(t, func() bool { return pub.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return pub.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	last, _ := pub.last()
	assert.True(t, last.TotalBalance.Equal(decimal.NewFromInt(100)), last.TotalBalance.String())
	assert.Equal(t, 10, last.Accounts)
}

func TestAggregator_DebounceRearmsWhileComputing(t *testing.T) {
	api := newFakeAPI()
	history := &fakeHistory{entered: make(chan struct{}, 1), release: make(chan struct{})}
	a, pub, clock := newTestAggregator(t, api, history)
	a.IngestSnapshot([]domain.AccountRecord{record("A", 100)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Recompute(context.Background(), false)
	}()
	<-history.entered

	api.setBalance("A", 150)
	require.NotNil(t, a.RefreshOne(context.Background(), "A"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clock.Advance(DefaultDebounce)
	// the fired timer is gone, a new one means the skipped recompute was re-armed
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	close(history.release)
	<-done
	published := pub.count()

	clock.Advance(DefaultDebounce)
	require.Eventually(t, func() bool { return pub.count() > published }, time.Second, 5*time.Millisecond)

	last, _ := pub.last()
	assert.True(t, last.TotalBalance.Equal(decimal.NewFromInt(150)), last.TotalBalance.String())
}

func TestAggregator_ResyncDropsRemovedAccounts(t *testing.T) {
	api := newFakeAPI(record("A", 100), record("B", 50))
	a, _, _ := newTestAggregator(t, api, &fakeHistory{})

	require.NoError(t, a.Load(context.Background()))
	require.Len(t, a.Balances(), 2)

	api.mu.Lock()
	api.records = []domain.AccountRecord{record("A", 100)}
	api.mu.Unlock()

	require.NoError(t, a.Load(context.Background()))

	var ids []string
	for _, b := range a.Balances() {
		ids = append(ids, b.Identifier)
	}
	assert.Equal(t, []string{"A"}, ids)

	s := a.Summary()
	assert.Equal(t, 1, s.Accounts)
	assert.True(t, s.TotalBalance.Equal(decimal.NewFromInt(100)))
}

func TestAggregator_CancelledRecomputeKeepsTotals(t *testing.T) {
	api := newFakeAPI(record("A", 100))
	history := &fakeHistory{deposits: transfers(300, 200), withdrawals: transfers(100)}
	a, _, _ := newTestAggregator(t, api, history)

	require.NoError(t, a.Load(context.Background()))
	require.True(t, a.Summary().TotalDeposits.Equal(decimal.NewFromInt(500)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, ok := a.Recompute(ctx, false)
	require.True(t, ok)
	assert.True(t, s.TotalDeposits.Equal(decimal.NewFromInt(500)), s.TotalDeposits.String())
	assert.True(t, s.TotalWithdrawals.Equal(decimal.NewFromInt(100)), s.TotalWithdrawals.String())
	assert.True(t, s.TotalBalance.Equal(decimal.NewFromInt(100)))
}

func TestAggregator_Load(t *testing.T) {
	t.Run("unauthenticated is propagated", func(t *testing.T) {
		api := newFakeAPI()
		api.accountsErr = errors.Wrap(clients.ErrUnauthenticated, "GET /accounts")
		a, pub, _ := newTestAggregator(t, api, &fakeHistory{})

		err := a.Load(context.Background())
		assert.ErrorIs(t, err, clients.ErrUnauthenticated)
		assert.Equal(t, 0, pub.count())
	})

	t.Run("other failures settle the summary", func(t *testing.T) {
		api := newFakeAPI()
		api.accountsErr = errors.New("gateway timeout")
		a, pub, _ := newTestAggregator(t, api, &fakeHistory{})

		require.NoError(t, a.Load(context.Background()))
		assert.False(t, a.Summary().Loading)
		assert.Equal(t, 1, pub.count())
	})

	t.Run("refreshes active accounts only", func(t *testing.T) {
		archived := record("B", 50)
		archived.AccountStatus = "disabled"
		api := newFakeAPI(record("A", 100), archived)
		api.setBalance("A", 120)
		api.setBalance("B", 999)
		a, _, _ := newTestAggregator(t, api, &fakeHistory{})

		require.NoError(t, a.Load(context.Background()))

		require.Eventually(t, func() bool {
			b, ok := a.Balance("A")
			return ok && b.Source == domain.SourceLive
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, api.callsFor("B"))
	})

	t.Run("failed history contributes zero", func(t *testing.T) {
		api := newFakeAPI(record("A", 100))
		a, _, _ := newTestAggregator(t, api, &fakeHistory{err: errors.New("bad shape")})

		require.NoError(t, a.Load(context.Background()))
		s := a.Summary()
		assert.True(t, s.TotalBalance.Equal(decimal.NewFromInt(100)))
		assert.True(t, s.TotalDeposits.IsZero())
		assert.True(t, s.TotalWithdrawals.IsZero())
	})
}

func TestAggregator_CloseStopsRefreshes(t *testing.T) {
	api := newFakeAPI(record("A", 100))
	api.setBalance("A", 1)
	a, _, _ := newTestAggregator(t, api, &fakeHistory{})

	a.Close()
	a.Close()

	a.RefreshAll([]string{"A"})
	assert.Never(t, func() bool { return api.callsFor("A") > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
