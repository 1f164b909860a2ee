package api

import (
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
)

// Amounts are decimal strings: micro-units for on-chain integers, display
// units where the field name says so.

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ReadinessDTO struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	ChainHeight uint64            `json:"chain_height,omitempty"`
}

type PricesDTO struct {
	Yes string `json:"yes"`
	No  string `json:"no"`
}

type MarketDTO struct {
	ID          uint64    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Creator     string    `json:"creator,omitempty"`
	Status      string    `json:"status"`
	YesReserves string    `json:"yes_reserves"`
	NoReserves  string    `json:"no_reserves"`
	FeeBps      uint32    `json:"fee_bps"`
	Prices      PricesDTO `json:"prices"`
	Odds        PricesDTO `json:"odds"`
	ROI         PricesDTO `json:"roi"`
	Liquidity   string    `json:"liquidity_display"`
	TotalVolume string    `json:"total_volume"`
	Volume24h   string    `json:"volume_24h,omitempty"`
	TradeCount  uint64    `json:"trade_count"`
	ClosesAt    *int64    `json:"closes_at,omitempty"`
	ResolvesAt  *int64    `json:"resolves_at,omitempty"`
	SyncedAt    *int64    `json:"synced_at,omitempty"`
	ReserveSrc  string    `json:"reserve_source,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
}

type MarketListDTO struct {
	Markets []MarketDTO `json:"markets"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

type OnchainMarketDTO struct {
	ID          uint64    `json:"id"`
	Creator     string    `json:"creator"`
	MarketType  uint8     `json:"market_type"`
	Status      string    `json:"status"`
	StatusCode  uint8     `json:"status_code"`
	YesReserves string    `json:"yes_reserves"`
	NoReserves  string    `json:"no_reserves"`
	Prices      PricesDTO `json:"prices"`
	AsOf        int64     `json:"asOf"`
}

type QuoteDTO struct {
	MarketID       uint64    `json:"market_id"`
	Side           string    `json:"side"`
	AmountIn       string    `json:"amount_in"`
	Fee            string    `json:"fee"`
	SharesOut      string    `json:"shares_out"`
	SharesDisplay  string    `json:"shares_display"`
	PriceBefore    PricesDTO `json:"price_before"`
	PriceAfter     PricesDTO `json:"price_after"`
	PriceImpactPct string    `json:"price_impact_pct"`
	AvgPrice       string    `json:"avg_price"`
	PotentialROI   string    `json:"potential_roi_pct"`
	ReserveSource  string    `json:"reserve_source"`
	AsOf           int64     `json:"asOf"`
}

type TradeDTO struct {
	ID               string `json:"id"`
	MarketID         uint64 `json:"market_id"`
	Side             string `json:"side"`
	Trader           string `json:"trader,omitempty"`
	Shares           string `json:"shares"`
	Amount           string `json:"amount"`
	PriceBefore      string `json:"price_before"`
	PriceAfter       string `json:"price_after"`
	YesReservesAfter string `json:"yes_reserves_after"`
	NoReservesAfter  string `json:"no_reserves_after"`
	TxHash           string `json:"tx_hash,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

type TradeListDTO struct {
	Trades []TradeDTO `json:"trades"`
}

// RecordTradeRequest mirrors a trade the client saw confirmed. Quantities
// are micro-unit strings; prices are decimals.
type RecordTradeRequest struct {
	MarketID         *uint64 `json:"market_id"`
	Side             string  `json:"side"`
	Trader           string  `json:"trader"`
	Shares           string  `json:"shares"`
	Amount           string  `json:"amount"`
	PriceBefore      string  `json:"price_before"`
	PriceAfter       string  `json:"price_after"`
	YesReservesAfter string  `json:"yes_reserves_after"`
	NoReservesAfter  string  `json:"no_reserves_after"`
	TxHash           string  `json:"tx_hash"`
}

// PlaceBetRequest takes the amount in display units.
type PlaceBetRequest struct {
	MarketID uint64 `json:"market_id"`
	Side     string `json:"side"`
	Amount   string `json:"amount"`
	Trader   string `json:"trader"`
}

type ConfirmBetRequest struct {
	TxID string `json:"tx_id"`
}

type TransitionDTO struct {
	State  string `json:"state"`
	At     int64  `json:"at"`
	Reason string `json:"reason,omitempty"`
}

type BetAttemptDTO struct {
	ID          string               `json:"id"`
	MarketID    uint64               `json:"market_id"`
	Side        string               `json:"side"`
	Amount      string               `json:"amount"`
	Trader      string               `json:"trader"`
	State       string               `json:"state"`
	History     []TransitionDTO      `json:"history"`
	Reason      string               `json:"reason,omitempty"`
	Quote       *QuoteDTO            `json:"quote,omitempty"`
	Transaction *onchain.Transaction `json:"transaction,omitempty"`
	TxID        string               `json:"tx_id,omitempty"`
	Trade       *TradeDTO            `json:"trade,omitempty"`
	CreatedAt   int64                `json:"created_at"`
	UpdatedAt   int64                `json:"updated_at"`
}

// CreateMarketRequest builds create_market and stores the off-chain
// metadata. Liquidity is per side, in display units.
type CreateMarketRequest struct {
	ID          uint64 `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Creator     string `json:"creator"`
	Liquidity   string `json:"liquidity"`
	FeeBps      uint32 `json:"fee_bps"`
	ClosesAt    *int64 `json:"closes_at"`
	ResolvesAt  *int64 `json:"resolves_at"`
}

type ResolveMarketRequest struct {
	WinningSide string `json:"winning_side"`
}

type ShieldRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type UnsignedTransactionDTO struct {
	Transaction *onchain.Transaction `json:"transaction"`
	Market      *MarketDTO           `json:"market,omitempty"`
}

type BalanceDTO struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Display string `json:"display"`
	AsOf    int64  `json:"asOf"`
}
