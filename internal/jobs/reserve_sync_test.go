package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchOnchainReserves(ctx context.Context, marketID uint64) (*onchain.MarketRecord, error) {
	args := m.Called(ctx, marketID)
	rec, _ := args.Get(0).(*onchain.MarketRecord)
	return rec, args.Error(1)
}

func (m *MockFetcher) Invalidate(ctx context.Context, marketID uint64) {
	m.Called(ctx, marketID)
}

// memMarkets is a map-backed MarketStore.
type memMarkets struct {
	mu      sync.Mutex
	markets map[uint64]*domain.Market
}

func newMemMarkets(ms ...*domain.Market) *memMarkets {
	s := &memMarkets{markets: make(map[uint64]*domain.Market)}
	for _, m := range ms {
		s.markets[m.ID] = m
	}
	return s
}

func (s *memMarkets) GetMarket(ctx context.Context, id uint64) (*domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memMarkets) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]*domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Market
	for _, m := range s.markets {
		if opts.Status == "" || m.Status == opts.Status {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memMarkets) UpsertMarket(ctx context.Context, m *domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *memMarkets) SyncReserves(ctx context.Context, id uint64, r cpmm.Reserves, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Reserves = r
	m.Status = status
	return nil
}

func market(id uint64, yes, no uint64, status domain.Status) *domain.Market {
	return &domain.Market{ID: id, Status: status, Reserves: cpmm.NewReserves(yes, no)}
}

func record(id uint64, yes, no uint64, status domain.Status) *onchain.MarketRecord {
	return &onchain.MarketRecord{ID: id, Reserves: cpmm.NewReserves(yes, no), Status: status}
}

func TestSyncOnceConvergesToChain(t *testing.T) {
	markets := newMemMarkets(
		market(1, 100, 100, domain.StatusOpen),
		market(2, 100, 100, domain.StatusOpen),
		market(3, 100, 100, domain.StatusOpen),
		market(4, 100, 100, domain.StatusResolved),
	)
	chain := new(MockFetcher)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(1)).Return(record(1, 100, 100, domain.StatusOpen), nil)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(2)).Return(record(2, 80, 125, domain.StatusOpen), nil)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(3)).Return(nil, onchain.ErrUnavailable)
	chain.On("Invalidate", mock.Anything, uint64(2)).Return()

	job := NewReserveSync(chain, markets, zap.NewNop().Sugar(), ReserveSyncConfig{PageSize: 2, Concurrency: 2})
	stats, err := job.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Checked: 3, Updated: 1, Failed: 1}, stats)

	m, err := markets.GetMarket(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "80", m.Reserves.Yes.Dec())
	assert.Equal(t, "125", m.Reserves.No.Dec())

	chain.AssertNotCalled(t, "FetchOnchainReserves", mock.Anything, uint64(4))
	chain.AssertNotCalled(t, "Invalidate", mock.Anything, uint64(1))
}

func TestSyncOnceRecordsChainClosure(t *testing.T) {
	markets := newMemMarkets(market(1, 100, 100, domain.StatusOpen))
	chain := new(MockFetcher)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(1)).Return(record(1, 100, 100, domain.StatusClosed), nil)
	chain.On("Invalidate", mock.Anything, uint64(1)).Return()

	job := NewReserveSync(chain, markets, zap.NewNop().Sugar(), ReserveSyncConfig{})
	stats, err := job.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	m, _ := markets.GetMarket(context.Background(), 1)
	assert.Equal(t, domain.StatusClosed, m.Status)
}

func TestStartStops(t *testing.T) {
	chain := new(MockFetcher)
	job := NewReserveSync(chain, newMemMarkets(), zap.NewNop().Sugar(), ReserveSyncConfig{})

	done := make(chan error, 1)
	go func() { done <- job.Start(context.Background()) }()
	// Stop may race with Start installing its cancel func; retry until it lands.
	require.Eventually(t, func() bool {
		job.Stop()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBackfill(t *testing.T) {
	markets := newMemMarkets(market(2, 100, 100, domain.StatusOpen))
	chain := new(MockFetcher)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(1)).Return(record(1, 10, 90, domain.StatusOpen), nil)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(2)).Return(record(2, 60, 40, domain.StatusOpen), nil)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(3)).
		Return(nil, &onchain.ParseError{Field: "yes_reserves", Reason: "is missing"})
	chain.On("FetchOnchainReserves", mock.Anything, uint64(4)).Return(nil, domain.ErrNotFound)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(5)).Return(nil, errors.New("boom"))
	chain.On("Invalidate", mock.Anything, mock.Anything).Return()

	results, err := Backfill(context.Background(), chain, markets, zap.NewNop().Sugar(), BackfillOptions{From: 1, To: 5, Concurrency: 3})
	require.NoError(t, err)
	require.Len(t, results, 5)

	want := []BackfillOutcome{OutcomeCreated, OutcomeSynced, OutcomeMalformed, OutcomeMissing, OutcomeError}
	for i, res := range results {
		assert.Equal(t, uint64(i+1), res.MarketID)
		assert.Equal(t, want[i], res.Outcome, "market %d", res.MarketID)
	}

	var perr *onchain.ParseError
	require.True(t, errors.As(results[2].Err, &perr))
	assert.Equal(t, "yes_reserves", perr.Field)

	created, err := markets.GetMarket(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "90", created.Reserves.No.Dec())
	synced, _ := markets.GetMarket(context.Background(), 2)
	assert.Equal(t, "60", synced.Reserves.Yes.Dec())
}

func TestBackfillDryRunAndRange(t *testing.T) {
	markets := newMemMarkets()
	chain := new(MockFetcher)
	chain.On("FetchOnchainReserves", mock.Anything, uint64(1)).Return(record(1, 10, 90, domain.StatusOpen), nil)

	results, err := Backfill(context.Background(), chain, markets, zap.NewNop().Sugar(), BackfillOptions{From: 1, To: 1, DryRun: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFound, results[0].Outcome)
	_, err = markets.GetMarket(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = Backfill(context.Background(), chain, markets, zap.NewNop().Sugar(), BackfillOptions{From: 5, To: 2})
	assert.Error(t, err)
}
