package trading

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
)

// State is a step in a bet attempt's lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateQuoting    State = "quoting"
	StateSubmitting State = "submitting"
	StateConfirming State = "confirming"
	StateRecorded   State = "recorded"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"

	// StateRecordFailed: the chain executed the bet but the mirror write
	// failed. The chain stays authoritative; the trade is backfilled later.
	StateRecordFailed State = "record_failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateRecorded, StateRejected, StateFailed, StateRecordFailed:
		return true
	}
	return false
}

// BetIntent is what the user asked for. Amount is in micro-units.
type BetIntent struct {
	MarketID uint64
	Side     cpmm.Side
	Amount   *uint256.Int
	Trader   string
}

type Transition struct {
	State  State     `json:"state"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Attempt is one bet from intent to durable record.
type Attempt struct {
	ID      string
	Intent  BetIntent
	State   State
	History []Transition

	// Reserves were read from the chain for this attempt only.
	Reserves    cpmm.Reserves
	Quote       *cpmm.Quote
	Transaction *onchain.Transaction

	TxID        string
	SubmittedAt time.Time
	Trade       *domain.Trade
	Reason      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Attempt) transition(s State, at time.Time, reason string) {
	a.State = s
	a.UpdatedAt = at
	if reason != "" {
		a.Reason = reason
	}
	a.History = append(a.History, Transition{State: s, At: at, Reason: reason})
}

// attemptRecord is the cached JSON form. The quote is not stored; it is
// recomputed from the stored reserves, which is exact.
type attemptRecord struct {
	ID          string               `json:"id"`
	MarketID    uint64               `json:"market_id"`
	Side        string               `json:"side"`
	Amount      string               `json:"amount"`
	Trader      string               `json:"trader"`
	State       State                `json:"state"`
	History     []Transition         `json:"history"`
	YesReserves string               `json:"yes_reserves,omitempty"`
	NoReserves  string               `json:"no_reserves,omitempty"`
	FeeBps      uint32               `json:"fee_bps"`
	Transaction *onchain.Transaction `json:"transaction,omitempty"`
	TxID        string               `json:"tx_id,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at,omitempty"`
	TradeID     string               `json:"trade_id,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func (a *Attempt) toRecord() attemptRecord {
	rec := attemptRecord{
		ID:          a.ID,
		MarketID:    a.Intent.MarketID,
		Side:        string(a.Intent.Side),
		Trader:      a.Intent.Trader,
		State:       a.State,
		History:     a.History,
		Transaction: a.Transaction,
		TxID:        a.TxID,
		SubmittedAt: a.SubmittedAt,
		Reason:      a.Reason,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
	if a.Intent.Amount != nil {
		rec.Amount = a.Intent.Amount.Dec()
	}
	if a.Reserves.Yes != nil && a.Reserves.No != nil {
		rec.YesReserves = a.Reserves.Yes.Dec()
		rec.NoReserves = a.Reserves.No.Dec()
	}
	if a.Quote != nil {
		rec.FeeBps = a.Quote.FeeBps
	}
	if a.Trade != nil {
		rec.TradeID = a.Trade.ID
	}
	return rec
}

func (r attemptRecord) toAttempt() (*Attempt, error) {
	a := &Attempt{
		ID: r.ID,
		Intent: BetIntent{
			MarketID: r.MarketID,
			Side:     cpmm.Side(r.Side),
			Trader:   r.Trader,
		},
		State:       r.State,
		History:     r.History,
		Transaction: r.Transaction,
		TxID:        r.TxID,
		SubmittedAt: r.SubmittedAt,
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Amount != "" {
		amt, err := cpmm.ParseU128(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("attempt %s amount: %w", r.ID, err)
		}
		a.Intent.Amount = amt
	}
	if r.YesReserves != "" {
		res, err := cpmm.ParseReserves(r.YesReserves, r.NoReserves)
		if err != nil {
			return nil, fmt.Errorf("attempt %s reserves: %w", r.ID, err)
		}
		a.Reserves = res
		q, err := cpmm.QuoteTradeWithFee(res, a.Intent.Side, a.Intent.Amount, r.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("attempt %s quote: %w", r.ID, err)
		}
		a.Quote = &q
	}
	if r.TradeID != "" {
		a.Trade = &domain.Trade{ID: r.TradeID, MarketID: r.MarketID, TxHash: r.TxID}
	}
	return a, nil
}
