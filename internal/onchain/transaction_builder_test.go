package onchain

import (
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder() *TransactionBuilder {
	return NewTransactionBuilder(config.AleoConfig{
		ProgramID:           "obsidian_market.aleo",
		StablecoinProgramID: "obsidian_usd.aleo",
		Fee:                 500_000,
	})
}

func TestBuildPlaceBet(t *testing.T) {
	tx, err := testBuilder().BuildPlaceBet(7, cpmm.NewReserves(50_000_000, 48_000_000), uint256.NewInt(1_000_000), cpmm.SideNo)
	require.NoError(t, err)

	assert.Equal(t, "obsidian_market.aleo", tx.Program)
	assert.Equal(t, FnPlaceBet, tx.Function)
	assert.Equal(t, []string{"7u64", "50000000u128", "48000000u128", "1000000u128", "false"}, tx.Inputs)
	assert.Equal(t, uint64(500_000), tx.Fee)
	assert.False(t, tx.PrivateFee)
}

func TestBuildPlaceBetRejects(t *testing.T) {
	tb := testBuilder()
	tests := []struct {
		name     string
		reserves cpmm.Reserves
		amount   *uint256.Int
		side     cpmm.Side
		wantErr  error
	}{
		{"zero amount", cpmm.NewReserves(1, 1), uint256.NewInt(0), cpmm.SideYes, cpmm.ErrInvalidAmount},
		{"empty pool", cpmm.NewReserves(0, 1), uint256.NewInt(1), cpmm.SideYes, cpmm.ErrZeroReserves},
		{"no side", cpmm.NewReserves(1, 1), uint256.NewInt(1), "", cpmm.ErrInvalidSide},
		{"amount overflow", cpmm.NewReserves(1, 1), new(uint256.Int).Lsh(uint256.NewInt(1), 130), cpmm.SideYes, cpmm.ErrOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tb.BuildPlaceBet(1, tt.reserves, tt.amount, tt.side)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuildCreateAndResolveMarket(t *testing.T) {
	tb := testBuilder()

	tx, err := tb.BuildCreateMarket(12, cpmm.NewReserves(10_000_000, 10_000_000))
	require.NoError(t, err)
	assert.Equal(t, FnCreateMarket, tx.Function)
	assert.Equal(t, []string{"12u64", "10000000u128", "10000000u128"}, tx.Inputs)

	_, err = tb.BuildCreateMarket(12, cpmm.NewReserves(0, 10))
	assert.ErrorIs(t, err, cpmm.ErrZeroReserves)

	tx, err = tb.BuildResolveMarket(12, cpmm.SideYes)
	require.NoError(t, err)
	assert.Equal(t, FnResolveMarket, tx.Function)
	assert.Equal(t, []string{"12u64", "true"}, tx.Inputs)
}

func TestBuildShield(t *testing.T) {
	tb := testBuilder()

	tx, err := tb.BuildShield(testTrader, uint256.NewInt(2_500_000))
	require.NoError(t, err)
	assert.Equal(t, "obsidian_usd.aleo", tx.Program)
	assert.Equal(t, FnTransferPrivate, tx.Function)
	assert.Equal(t, []string{testTrader, "2500000u128"}, tx.Inputs)

	_, err = tb.BuildShield("aleo1short", uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestValidateTransactionID(t *testing.T) {
	valid := "at1" + strings.Repeat("q", 52) + "9s7nvj"
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"address instead", testCreator, false},
		{"too short", valid[:60], false},
		{"upper case", strings.ToUpper(valid), false},
		{"non bech32 char", valid[:60] + "b", false},
		{"path traversal", "at1" + strings.Repeat(".", 58), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransactionID(tt.id)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransactionID)
		})
	}

	err := ValidateTransactionID(strings.Repeat("x", 4096))
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 128)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress(testCreator))
	assert.Error(t, ValidateAddress(""))
	assert.Error(t, ValidateAddress("aleo1"+string(make([]byte, 58))))
	// 'b' is outside the bech32 alphabet
	assert.Error(t, ValidateAddress("aleo1bhgdu77hgyqd3xjj8ucu3jj9r2krwz6mnzyd80gncr5fxcwlh5rsvzp9px"))
}
