package cpmm

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MaxFeeBps is an exclusive upper bound for fees.
const MaxFeeBps = 10_000

// Quote is the outcome of a constant-product swap.
type Quote struct {
	Side        Side
	AmountIn    *uint256.Int // gross amount paid, in micro-units
	Fee         *uint256.Int // deducted from AmountIn before the swap
	FeeBps      uint32
	SharesOut   *uint256.Int
	Before      Reserves
	After       Reserves
	PriceBefore Prices
	PriceAfter  Prices
	// PriceImpact is the relative move of the purchased side's price, in percent.
	PriceImpact decimal.Decimal
	// AvgPrice is AmountIn / SharesOut.
	AvgPrice decimal.Decimal
}

// QuoteTrade prices buying side with amountIn against r without a fee.
//
// The buyer pays into the opposite pool; the purchased pool shrinks to
// ceil(k / opposite'), so the product never falls below k and the pool is
// never drained.
func QuoteTrade(r Reserves, side Side, amountIn *uint256.Int) (Quote, error) {
	return QuoteTradeWithFee(r, side, amountIn, 0)
}

// QuoteTradeWithFee deducts floor(amountIn*feeBps/10000) before the swap.
func QuoteTradeWithFee(r Reserves, side Side, amountIn *uint256.Int, feeBps uint32) (Quote, error) {
	if amountIn == nil || amountIn.IsZero() {
		return Quote{}, ErrInvalidAmount
	}
	if amountIn.Gt(MaxU128) {
		return Quote{}, ErrOverflow
	}
	if !side.Valid() {
		return Quote{}, ErrInvalidSide
	}
	if feeBps >= MaxFeeBps {
		return Quote{}, ErrInvalidFee
	}
	if err := r.Validate(); err != nil {
		return Quote{}, err
	}
	if !r.Tradeable() {
		return Quote{}, ErrZeroReserves
	}

	fee := new(uint256.Int).Mul(amountIn, uint256.NewInt(uint64(feeBps)))
	fee.Div(fee, uint256.NewInt(MaxFeeBps))
	net := new(uint256.Int).Sub(amountIn, fee)
	if net.IsZero() {
		return Quote{}, ErrTradeTooSmall
	}

	k := r.K()
	take, pay := r.leg(side)
	payAfter := new(uint256.Int).Add(pay, net)
	if payAfter.Gt(MaxU128) {
		return Quote{}, ErrOverflow
	}
	takeAfter := ceilDiv(k, payAfter)
	shares := new(uint256.Int).Sub(take, takeAfter)
	if shares.IsZero() {
		return Quote{}, ErrTradeTooSmall
	}

	after := Reserves{Yes: takeAfter, No: payAfter}
	if side == SideNo {
		after = Reserves{Yes: payAfter, No: takeAfter}
	}

	before, err := PriceOf(r)
	if err != nil {
		return Quote{}, err
	}
	post, err := PriceOf(after)
	if err != nil {
		return Quote{}, err
	}

	impact := decimal.Zero
	if p := before.Of(side); p.IsPositive() {
		impact = post.Of(side).Sub(p).DivRound(p, PriceScale).Mul(hundred)
	}

	return Quote{
		Side:        side,
		AmountIn:    new(uint256.Int).Set(amountIn),
		Fee:         fee,
		FeeBps:      feeBps,
		SharesOut:   shares,
		Before:      r.Clone(),
		After:       after,
		PriceBefore: before,
		PriceAfter:  post,
		PriceImpact: impact,
		AvgPrice:    toDecimal(amountIn).DivRound(toDecimal(shares), PriceScale),
	}, nil
}

func ceilDiv(x, y *uint256.Int) *uint256.Int {
	q, rem := new(uint256.Int).DivMod(x, y, new(uint256.Int))
	if !rem.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}
