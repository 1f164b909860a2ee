package trading

import (
	"context"
	"time"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/stretchr/testify/mock"
)

type MockReserveReader struct {
	mock.Mock
}

func (m *MockReserveReader) FetchOnchainReserves(ctx context.Context, marketID uint64) (*onchain.MarketRecord, error) {
	args := m.Called(ctx, marketID)
	rec, _ := args.Get(0).(*onchain.MarketRecord)
	return rec, args.Error(1)
}

func (m *MockReserveReader) FetchMirroredMarket(ctx context.Context, marketID uint64) (*domain.Market, error) {
	args := m.Called(ctx, marketID)
	mk, _ := args.Get(0).(*domain.Market)
	return mk, args.Error(1)
}

func (m *MockReserveReader) Invalidate(ctx context.Context, marketID uint64) {
	m.Called(ctx, marketID)
}

type MockTradeStore struct {
	mock.Mock
}

func (m *MockTradeStore) RecordTrade(ctx context.Context, t *domain.Trade) (*domain.Trade, error) {
	args := m.Called(ctx, t)
	if fn, ok := args.Get(0).(func(context.Context, *domain.Trade) *domain.Trade); ok {
		return fn(ctx, t), args.Error(1)
	}
	stored, _ := args.Get(0).(*domain.Trade)
	return stored, args.Error(1)
}

func (m *MockTradeStore) ListTrades(ctx context.Context, marketID uint64, limit int) ([]*domain.Trade, error) {
	args := m.Called(ctx, marketID, limit)
	trades, _ := args.Get(0).([]*domain.Trade)
	return trades, args.Error(1)
}

func (m *MockTradeStore) Volume(ctx context.Context, marketID uint64, since time.Time) (*uint256.Int, error) {
	args := m.Called(ctx, marketID, since)
	v, _ := args.Get(0).(*uint256.Int)
	return v, args.Error(1)
}

type MockStatusSource struct {
	mock.Mock
}

func (m *MockStatusSource) TransactionStatus(ctx context.Context, txID string) (*onchain.TransactionStatus, error) {
	args := m.Called(ctx, txID)
	st, _ := args.Get(0).(*onchain.TransactionStatus)
	return st, args.Error(1)
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, tx *onchain.Transaction) (string, error) {
	args := m.Called(ctx, tx)
	return args.String(0), args.Error(1)
}
