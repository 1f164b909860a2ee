package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/shopspring/decimal"
)

// Status is a market lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// StatusFromCode maps the chain's u8 status code.
func StatusFromCode(code uint8) (Status, error) {
	switch code {
	case 0:
		return StatusOpen, nil
	case 1:
		return StatusClosed, nil
	case 2:
		return StatusResolved, nil
	case 3:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown market status code %d", code)
	}
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusOpen, StatusClosed, StatusResolved, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown market status %q", s)
	}
}

func (s Status) IsOpen() bool { return s == StatusOpen }

// Market is the mirrored row for one market. Reserves and aggregates follow
// the chain; title, category and deadlines exist only here.
type Market struct {
	ID          uint64
	Title       string
	Description string
	Category    string
	Creator     string
	MarketType  uint8
	Status      Status
	Reserves    cpmm.Reserves
	FeeBps      uint32
	TotalVolume *uint256.Int
	TradeCount  uint64
	ClosesAt    *time.Time
	ResolvesAt  *time.Time
	SyncedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Liquidity is the sum of both pools in micro-units.
func (m *Market) Liquidity() decimal.Decimal {
	if m.Reserves.Yes == nil || m.Reserves.No == nil {
		return decimal.Zero
	}
	return m.Reserves.Liquidity()
}

// Trade is an immutable record of one executed bet.
type Trade struct {
	ID               string
	MarketID         uint64
	Side             cpmm.Side
	Trader           string
	Shares           *uint256.Int
	Amount           *uint256.Int
	PriceBefore      decimal.Decimal
	PriceAfter       decimal.Decimal
	YesReservesAfter *uint256.Int
	NoReservesAfter  *uint256.Int
	TxHash           string
	CreatedAt        time.Time
}

// ReservesAfter returns the pool pair the trade left behind.
func (t *Trade) ReservesAfter() cpmm.Reserves {
	return cpmm.Reserves{Yes: t.YesReservesAfter, No: t.NoReservesAfter}
}

// Validate checks the fields a trade must carry before it is stored.
func (t *Trade) Validate() error {
	switch {
	case t.MarketID == 0:
		return &ValidationError{Field: "market_id", Reason: "is required"}
	case !t.Side.Valid():
		return &ValidationError{Field: "side", Reason: "must be yes or no"}
	case t.Shares == nil:
		return &ValidationError{Field: "shares", Reason: "is required"}
	case t.Amount == nil:
		return &ValidationError{Field: "amount", Reason: "is required"}
	case t.YesReservesAfter == nil:
		return &ValidationError{Field: "yes_reserves_after", Reason: "is required"}
	case t.NoReservesAfter == nil:
		return &ValidationError{Field: "no_reserves_after", Reason: "is required"}
	}
	return nil
}

// ListOpts filters a market listing.
type ListOpts struct {
	Status   Status
	Category string
	Limit    int
	Offset   int
}
