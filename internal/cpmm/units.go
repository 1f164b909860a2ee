package cpmm

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// maxU128Digits is the decimal length of MaxU128.
const maxU128Digits = 39

// MicroToDisplay converts chain micro-units into a human amount. Exact.
func MicroToDisplay(micro *uint256.Int, decimals int32) decimal.Decimal {
	if micro == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(micro.ToBig(), -decimals)
}

// DisplayToMicro converts a human amount into micro-units, truncating toward
// zero any digits beyond decimals. The magnitude is bounded from the
// coefficient length and exponent before any rescaling, so exponent
// notation cannot force a huge expansion.
func DisplayToMicro(d decimal.Decimal, decimals int32) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	if d.IsZero() {
		return new(uint256.Int), nil
	}

	// number of integer digits once shifted by decimals
	intDigits := int64(len(d.Coefficient().Text(10))) + int64(d.Exponent()) + int64(decimals)
	if intDigits > maxU128Digits {
		return nil, ErrOverflow
	}
	if intDigits <= 0 {
		return new(uint256.Int), nil
	}

	micro := d.Shift(decimals).Truncate(0)
	v, overflow := uint256.FromBig(micro.BigInt())
	if overflow || v.Gt(MaxU128) {
		return nil, ErrOverflow
	}
	return v, nil
}

// ParseDisplayAmount parses a decimal string such as "12.5" into micro-units.
// Errors quote at most the first 32 bytes of s.
func ParseDisplayAmount(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", clip(s))
	}
	v, err := DisplayToMicro(d, decimals)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", clip(s), err)
	}
	return v, nil
}

func clip(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
