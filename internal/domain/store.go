package domain

import (
	"context"
	"time"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
)

// MarketStore is the mirrored market table.
type MarketStore interface {
	GetMarket(ctx context.Context, id uint64) (*Market, error)
	ListMarkets(ctx context.Context, opts ListOpts) ([]*Market, error)
	UpsertMarket(ctx context.Context, m *Market) error
	// SyncReserves overwrites reserves and status with chain values.
	SyncReserves(ctx context.Context, id uint64, r cpmm.Reserves, status Status) error
}

// TradeStore is the append-only trade log.
type TradeStore interface {
	// RecordTrade appends t and advances the market aggregates atomically.
	// Replaying a known tx hash returns the stored trade.
	RecordTrade(ctx context.Context, t *Trade) (*Trade, error)
	ListTrades(ctx context.Context, marketID uint64, limit int) ([]*Trade, error)
	// Volume sums trade amounts on marketID since the given time.
	Volume(ctx context.Context, marketID uint64, since time.Time) (*uint256.Int, error)
}

type Store interface {
	MarketStore
	TradeStore
	Ping(ctx context.Context) error
	Close() error
}
