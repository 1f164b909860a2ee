package cpmm

import "errors"

var (
	// ErrZeroReserves is returned when a pool leg is empty and the market is
	// not tradeable yet.
	ErrZeroReserves  = errors.New("cpmm: zero reserves")
	ErrInvalidAmount = errors.New("cpmm: amount must be positive")
	ErrInvalidSide   = errors.New("cpmm: side must be yes or no")
	ErrTradeTooSmall = errors.New("cpmm: trade too small to receive shares")
	ErrZeroPrice     = errors.New("cpmm: price must be positive")
	ErrOverflow      = errors.New("cpmm: value exceeds u128")
	ErrNegative      = errors.New("cpmm: negative amount")
	ErrInvalidFee    = errors.New("cpmm: fee must be below 10000 bps")
)
