package cpmm

import (
	"github.com/shopspring/decimal"
)

// PriceScale is the number of fractional digits kept by price division.
// Enough to keep 1/(2*MaxU128) distinguishable from zero.
const PriceScale int32 = 40

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Prices holds the implied probability of each outcome.
type Prices struct {
	Yes decimal.Decimal
	No  decimal.Decimal
}

// Of returns the price of side.
func (p Prices) Of(side Side) decimal.Decimal {
	if side == SideYes {
		return p.Yes
	}
	return p.No
}

// PriceOf derives yesPrice = no/(yes+no) and noPrice = 1 - yesPrice.
func PriceOf(r Reserves) (Prices, error) {
	if err := r.Validate(); err != nil {
		return Prices{}, err
	}
	total := r.Liquidity()
	if total.IsZero() {
		return Prices{}, ErrZeroReserves
	}
	yes := toDecimal(r.No).DivRound(total, PriceScale)
	return Prices{Yes: yes, No: one.Sub(yes)}, nil
}

// ROI is the percentage return on a winning share bought at price:
// ((1/price) - 1) * 100.
func ROI(price decimal.Decimal) (decimal.Decimal, error) {
	odds, err := Odds(price)
	if err != nil {
		return decimal.Zero, err
	}
	return odds.Sub(one).Mul(hundred), nil
}

// Odds returns decimal odds 1/price.
func Odds(price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, ErrZeroPrice
	}
	return one.DivRound(price, PriceScale), nil
}
