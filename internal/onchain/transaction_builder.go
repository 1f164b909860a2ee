package onchain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
)

// Program functions the backend builds requests for.
const (
	FnPlaceBet        = "place_bet_cpmm"
	FnCreateMarket    = "create_market"
	FnResolveMarket   = "resolve_market"
	FnTransferPrivate = "transfer_public_to_private"
)

const (
	addressPrefix  = "aleo1"
	addressLength  = 63
	txIDPrefix     = "at1"
	txIDLength     = 61
	bech32Alphabet = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

var (
	ErrInvalidAddress       = errors.New("invalid aleo address")
	ErrInvalidTransactionID = errors.New("invalid aleo transaction id")
)

// ValidateAddress checks the shape of a bech32 "aleo1..." account address.
func ValidateAddress(addr string) error {
	if !bech32Shaped(addr, addressPrefix, addressLength) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, truncate(addr))
	}
	return nil
}

// ValidateTransactionID checks the shape of a bech32 "at1..." transaction id.
func ValidateTransactionID(id string) error {
	if !bech32Shaped(id, txIDPrefix, txIDLength) {
		return fmt.Errorf("%w: %q", ErrInvalidTransactionID, truncate(id))
	}
	return nil
}

func bech32Shaped(s, prefix string, length int) bool {
	if len(s) != length || !strings.HasPrefix(s, prefix) {
		return false
	}
	for _, r := range s[len(prefix):] {
		if !strings.ContainsRune(bech32Alphabet, r) {
			return false
		}
	}
	return true
}

// TransactionBuilder renders program calls as positional typed-string inputs.
type TransactionBuilder struct {
	programID           string
	stablecoinProgramID string
	fee                 uint64
	privateFee          bool
}

func NewTransactionBuilder(cfg config.AleoConfig) *TransactionBuilder {
	return &TransactionBuilder{
		programID:           cfg.ProgramID,
		stablecoinProgramID: cfg.StablecoinProgramID,
		fee:                 cfg.Fee,
		privateFee:          cfg.PrivateFee,
	}
}

func U64Input(v uint64) string {
	return strconv.FormatUint(v, 10) + "u64"
}

func U128Input(v *uint256.Int) (string, error) {
	if v == nil {
		return "", fmt.Errorf("missing u128 value")
	}
	if v.Gt(cpmm.MaxU128) {
		return "", cpmm.ErrOverflow
	}
	return v.Dec() + "u128", nil
}

func BoolInput(v bool) string {
	return strconv.FormatBool(v)
}

func (tb *TransactionBuilder) tx(program, function string, inputs ...string) *Transaction {
	return &Transaction{
		Program:    program,
		Function:   function,
		Inputs:     inputs,
		Fee:        tb.fee,
		PrivateFee: tb.privateFee,
	}
}

// BuildPlaceBet declares the reserves the quote was computed from; the
// program rejects the call if the pool has moved since.
func (tb *TransactionBuilder) BuildPlaceBet(marketID uint64, current cpmm.Reserves, amount *uint256.Int, side cpmm.Side) (*Transaction, error) {
	if !side.Valid() {
		return nil, cpmm.ErrInvalidSide
	}
	if !current.Tradeable() {
		return nil, cpmm.ErrZeroReserves
	}
	if amount == nil || amount.IsZero() {
		return nil, cpmm.ErrInvalidAmount
	}

	yes, err := U128Input(current.Yes)
	if err != nil {
		return nil, fmt.Errorf("current_yes_reserves: %w", err)
	}
	no, err := U128Input(current.No)
	if err != nil {
		return nil, fmt.Errorf("current_no_reserves: %w", err)
	}
	amt, err := U128Input(amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	return tb.tx(tb.programID, FnPlaceBet, U64Input(marketID), yes, no, amt, BoolInput(side.Bool())), nil
}

func (tb *TransactionBuilder) BuildCreateMarket(marketID uint64, initial cpmm.Reserves) (*Transaction, error) {
	if marketID == 0 {
		return nil, fmt.Errorf("market id must be positive")
	}
	if !initial.Tradeable() {
		return nil, cpmm.ErrZeroReserves
	}
	yes, err := U128Input(initial.Yes)
	if err != nil {
		return nil, fmt.Errorf("yes_reserves: %w", err)
	}
	no, err := U128Input(initial.No)
	if err != nil {
		return nil, fmt.Errorf("no_reserves: %w", err)
	}
	return tb.tx(tb.programID, FnCreateMarket, U64Input(marketID), yes, no), nil
}

func (tb *TransactionBuilder) BuildResolveMarket(marketID uint64, winning cpmm.Side) (*Transaction, error) {
	if !winning.Valid() {
		return nil, cpmm.ErrInvalidSide
	}
	return tb.tx(tb.programID, FnResolveMarket, U64Input(marketID), BoolInput(winning.Bool())), nil
}

// BuildShield moves public stablecoin balance into a private record.
func (tb *TransactionBuilder) BuildShield(recipient string, amount *uint256.Int) (*Transaction, error) {
	if err := ValidateAddress(recipient); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, cpmm.ErrInvalidAmount
	}
	amt, err := U128Input(amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	return tb.tx(tb.stablecoinProgramID, FnTransferPrivate, recipient, amt), nil
}
