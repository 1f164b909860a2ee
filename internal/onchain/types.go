package onchain

import (
	"time"

	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
)

// MarketRecord is the typed form of the program's markets mapping value.
type MarketRecord struct {
	ID         uint64
	Creator    string
	MarketType uint8
	Reserves   cpmm.Reserves
	StatusCode uint8
	Status     domain.Status
}

// TxState is the coarse lifecycle of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxFinalized TxState = "finalized"
	TxRejected  TxState = "rejected"
)

func (s TxState) Terminal() bool {
	return s == TxFinalized || s == TxRejected
}

type TransactionStatus struct {
	TxID   string
	State  TxState
	Reason string
}

// Transaction is the unsigned execution request handed to a wallet.
type Transaction struct {
	Program    string   `json:"program"`
	Function   string   `json:"function"`
	Inputs     []string `json:"inputs"`
	Fee        uint64   `json:"fee"`
	PrivateFee bool     `json:"privateFee"`
}

// ReserveSource tells where a reserve snapshot came from.
type ReserveSource string

const (
	SourceChain  ReserveSource = "chain"
	SourceMirror ReserveSource = "mirror"
	SourceCache  ReserveSource = "cache"
)

type ReserveSnapshot struct {
	MarketID  uint64
	Reserves  cpmm.Reserves
	Status    domain.Status
	Source    ReserveSource
	FetchedAt time.Time
}

// cachedSnapshot is the JSON form kept in the cache.
type cachedSnapshot struct {
	MarketID  uint64    `json:"market_id"`
	Yes       string    `json:"yes"`
	No        string    `json:"no"`
	Status    string    `json:"status"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (s *ReserveSnapshot) toCache() cachedSnapshot {
	return cachedSnapshot{
		MarketID:  s.MarketID,
		Yes:       s.Reserves.Yes.Dec(),
		No:        s.Reserves.No.Dec(),
		Status:    string(s.Status),
		Source:    string(s.Source),
		FetchedAt: s.FetchedAt,
	}
}

func (c cachedSnapshot) toSnapshot() (*ReserveSnapshot, error) {
	r, err := cpmm.ParseReserves(c.Yes, c.No)
	if err != nil {
		return nil, err
	}
	st, err := domain.ParseStatus(c.Status)
	if err != nil {
		return nil, err
	}
	return &ReserveSnapshot{
		MarketID:  c.MarketID,
		Reserves:  r,
		Status:    st,
		Source:    SourceCache,
		FetchedAt: c.FetchedAt,
	}, nil
}
