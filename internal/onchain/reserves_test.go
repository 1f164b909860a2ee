package onchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockChainReader struct {
	mock.Mock
}

func (m *MockChainReader) MarketRecord(ctx context.Context, marketID uint64) (*MarketRecord, error) {
	args := m.Called(ctx, marketID)
	rec, _ := args.Get(0).(*MarketRecord)
	return rec, args.Error(1)
}

func (m *MockChainReader) Balance(ctx context.Context, address string) (*uint256.Int, error) {
	args := m.Called(ctx, address)
	v, _ := args.Get(0).(*uint256.Int)
	return v, args.Error(1)
}

func (m *MockChainReader) TransactionStatus(ctx context.Context, txID string) (*TransactionStatus, error) {
	args := m.Called(ctx, txID)
	st, _ := args.Get(0).(*TransactionStatus)
	return st, args.Error(1)
}

func (m *MockChainReader) LatestHeight(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

type fakeMarkets struct {
	mu      sync.Mutex
	markets map[uint64]*domain.Market
	err     error
}

func (f *fakeMarkets) GetMarket(ctx context.Context, id uint64) (*domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.markets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeMarkets) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]*domain.Market, error) {
	return nil, nil
}

func (f *fakeMarkets) UpsertMarket(ctx context.Context, m *domain.Market) error { return nil }

func (f *fakeMarkets) SyncReserves(ctx context.Context, id uint64, r cpmm.Reserves, status domain.Status) error {
	return nil
}

func testRecord(id uint64, yes, no uint64) *MarketRecord {
	return &MarketRecord{ID: id, Creator: testCreator, Reserves: cpmm.NewReserves(yes, no), Status: domain.StatusOpen}
}

func newTestReserveService(chain ChainReader, markets domain.MarketStore) *ReserveService {
	return NewReserveService(chain, markets, store.NewInMemoryCache(zap.NewNop().Sugar(), nil), zap.NewNop().Sugar(),
		WithBackoff(ConstantBackoff(2, time.Millisecond)),
		WithCacheTTL(time.Minute),
	)
}

func TestFetchOnchainReservesRetriesTransientErrors(t *testing.T) {
	chain := new(MockChainReader)
	transient := fmt.Errorf("%w: connection reset", ErrUnavailable)
	chain.On("MarketRecord", mock.Anything, uint64(1)).Return(nil, transient).Twice()
	chain.On("MarketRecord", mock.Anything, uint64(1)).Return(testRecord(1, 50, 50), nil).Once()

	svc := newTestReserveService(chain, &fakeMarkets{})
	rec, err := svc.FetchOnchainReserves(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "50", rec.Reserves.Yes.Dec())
	chain.AssertNumberOfCalls(t, "MarketRecord", 3)
}

func TestFetchOnchainReservesGivesUp(t *testing.T) {
	chain := new(MockChainReader)
	chain.On("MarketRecord", mock.Anything, uint64(1)).Return(nil, fmt.Errorf("%w: 503", ErrUnavailable))

	svc := newTestReserveService(chain, &fakeMarkets{})
	_, err := svc.FetchOnchainReserves(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnavailable)
	chain.AssertNumberOfCalls(t, "MarketRecord", 3)
}

func TestFetchOnchainReservesDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", domain.ErrNotFound},
		{"parse error", &ParseError{Field: "yes_reserves", Reason: "is missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := new(MockChainReader)
			chain.On("MarketRecord", mock.Anything, uint64(5)).Return(nil, tt.err)

			svc := newTestReserveService(chain, &fakeMarkets{})
			_, err := svc.FetchOnchainReserves(context.Background(), 5)
			assert.ErrorIs(t, err, tt.err)
			chain.AssertNumberOfCalls(t, "MarketRecord", 1)
		})
	}
}

func TestFetchOnchainReservesIsUncached(t *testing.T) {
	chain := new(MockChainReader)
	chain.On("MarketRecord", mock.Anything, uint64(2)).Return(testRecord(2, 70, 30), nil)

	svc := newTestReserveService(chain, &fakeMarkets{})
	first, err := svc.FetchOnchainReserves(context.Background(), 2)
	require.NoError(t, err)
	second, err := svc.FetchOnchainReserves(context.Background(), 2)
	require.NoError(t, err)

	assert.True(t, first.Reserves.Equal(second.Reserves))
	chain.AssertNumberOfCalls(t, "MarketRecord", 2)
}

func TestDisplayReservesPrefersCacheThenMirror(t *testing.T) {
	chain := new(MockChainReader)
	markets := &fakeMarkets{markets: map[uint64]*domain.Market{
		3: {ID: 3, Status: domain.StatusOpen, Reserves: cpmm.NewReserves(40, 60)},
	}}

	svc := newTestReserveService(chain, markets)
	ctx := context.Background()

	snap, err := svc.DisplayReserves(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, SourceMirror, snap.Source)
	assert.Equal(t, "60", snap.Reserves.No.Dec())

	snap, err = svc.DisplayReserves(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, snap.Source)

	svc.Invalidate(ctx, 3)
	snap, err = svc.DisplayReserves(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, SourceMirror, snap.Source)

	chain.AssertNotCalled(t, "MarketRecord", mock.Anything, mock.Anything)
}

func TestDisplayReservesFallsBackToChain(t *testing.T) {
	tests := []struct {
		name    string
		markets *fakeMarkets
	}{
		{"missing from mirror", &fakeMarkets{}},
		{"mirror unavailable", &fakeMarkets{err: errors.New("connection refused")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := new(MockChainReader)
			chain.On("MarketRecord", mock.Anything, uint64(4)).Return(testRecord(4, 10, 90), nil).Once()

			svc := newTestReserveService(chain, tt.markets)
			snap, err := svc.DisplayReserves(context.Background(), 4)
			require.NoError(t, err)
			assert.Equal(t, SourceChain, snap.Source)
			assert.Equal(t, "10", snap.Reserves.Yes.Dec())
			chain.AssertExpectations(t)
		})
	}
}

func TestDisplayReservesNotFound(t *testing.T) {
	chain := new(MockChainReader)
	chain.On("MarketRecord", mock.Anything, uint64(99)).Return(nil, domain.ErrNotFound)

	svc := newTestReserveService(chain, &fakeMarkets{})
	_, err := svc.DisplayReserves(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchMirroredMarketWrapsStoreErrors(t *testing.T) {
	svc := newTestReserveService(new(MockChainReader), &fakeMarkets{err: errors.New("disk full")})
	_, err := svc.FetchMirroredMarket(context.Background(), 1)

	var serr *domain.StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "get market", serr.Op)
}

func TestUserServiceGetBalance(t *testing.T) {
	chain := new(MockChainReader)
	chain.On("Balance", mock.Anything, testTrader).Return(uint256.NewInt(3_000_000), nil).Once()

	svc := NewUserService(chain, store.NewInMemoryCache(zap.NewNop().Sugar(), nil), zap.NewNop().Sugar())
	ctx := context.Background()

	bal, err := svc.GetBalance(ctx, testTrader)
	require.NoError(t, err)
	assert.Equal(t, "3000000", bal.Dec())

	// second read is served from cache
	bal, err = svc.GetBalance(ctx, testTrader)
	require.NoError(t, err)
	assert.Equal(t, "3000000", bal.Dec())
	chain.AssertExpectations(t)

	_, err = svc.GetBalance(ctx, "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
