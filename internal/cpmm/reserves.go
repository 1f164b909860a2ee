package cpmm

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Side is the outcome a trade buys.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Bool is the on-chain encoding of the side (yes=true).
func (s Side) Bool() bool { return s == SideYes }

func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// MaxU128 is the largest value a chain u128 can hold.
var MaxU128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// Reserves is a pool pair in micro-units.
type Reserves struct {
	Yes *uint256.Int
	No  *uint256.Int
}

func NewReserves(yes, no uint64) Reserves {
	return Reserves{Yes: uint256.NewInt(yes), No: uint256.NewInt(no)}
}

// ParseReserves reads two base-10 integer strings.
func ParseReserves(yes, no string) (Reserves, error) {
	y, err := ParseU128(yes)
	if err != nil {
		return Reserves{}, fmt.Errorf("yes reserves: %w", err)
	}
	n, err := ParseU128(no)
	if err != nil {
		return Reserves{}, fmt.Errorf("no reserves: %w", err)
	}
	return Reserves{Yes: y, No: n}, nil
}

// ParseU128 parses a base-10 unsigned integer that must fit in 128 bits.
func ParseU128(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if v.Gt(MaxU128) {
		return nil, fmt.Errorf("%w: %s", ErrOverflow, s)
	}
	return v, nil
}

func (r Reserves) Validate() error {
	if r.Yes == nil || r.No == nil {
		return ErrZeroReserves
	}
	if r.Yes.Gt(MaxU128) || r.No.Gt(MaxU128) {
		return ErrOverflow
	}
	return nil
}

// Tradeable reports whether both legs are positive.
func (r Reserves) Tradeable() bool {
	return r.Yes != nil && r.No != nil && !r.Yes.IsZero() && !r.No.IsZero()
}

// K is the constant product yes*no. Two u128 values never overflow 256 bits.
func (r Reserves) K() *uint256.Int {
	return new(uint256.Int).Mul(r.Yes, r.No)
}

func (r Reserves) Equal(o Reserves) bool {
	if r.Yes == nil || r.No == nil || o.Yes == nil || o.No == nil {
		return r.Yes == o.Yes && r.No == o.No
	}
	return r.Yes.Eq(o.Yes) && r.No.Eq(o.No)
}

func (r Reserves) Clone() Reserves {
	return Reserves{Yes: new(uint256.Int).Set(r.Yes), No: new(uint256.Int).Set(r.No)}
}

func (r Reserves) String() string {
	return fmt.Sprintf("{yes: %s, no: %s}", r.Yes.Dec(), r.No.Dec())
}

// Liquidity is yes+no in micro-units as a decimal.
func (r Reserves) Liquidity() decimal.Decimal {
	return toDecimal(r.Yes).Add(toDecimal(r.No))
}

// leg returns the pool a buyer of side receives shares from, and the pool
// they pay into.
func (r Reserves) leg(side Side) (take, pay *uint256.Int) {
	if side == SideYes {
		return r.Yes, r.No
	}
	return r.No, r.Yes
}

func toDecimal(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), 0)
}
