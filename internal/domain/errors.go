package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the market (or trade) does not exist yet. Callers
	// scanning speculative ids branch on it.
	ErrNotFound      = errors.New("not found")
	ErrMarketNotOpen = errors.New("market is not open")
	// ErrInvalidInput wraps every ValidationError.
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError is a local, pre-chain failure the user can correct.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// ChainRejectedError carries the chain's verbatim reason for a failed
// transaction.
type ChainRejectedError struct {
	TxID   string
	Reason string
}

func (e *ChainRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s rejected on chain", e.TxID)
	}
	return fmt.Sprintf("transaction %s rejected on chain: %s", e.TxID, e.Reason)
}

// TimeoutError means confirmation polling gave up. The outcome is unknown
// and must be re-queried by transaction id.
type TimeoutError struct {
	TxID     string
	Attempts uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed after %d attempts; check its status before retrying", e.TxID, e.Attempts)
}

// StoreError wraps a mirrored-store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
