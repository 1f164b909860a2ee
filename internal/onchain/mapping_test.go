package onchain

import (
	"errors"
	"testing"

	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCreator = "aleo1rhgdu77hgyqd3xjj8ucu3jj9r2krwz6mnzyd80gncr5fxcwlh5rsvzp9px"
	testTrader  = "aleo1qnr4dkkvkgfqph0vzc3y6z2eu975wnpz2925ntjccd5cfqxtyu8s7pyjh9"
)

const sampleRecord = `{
  id: 7u64,
  creator: aleo1rhgdu77hgyqd3xjj8ucu3jj9r2krwz6mnzyd80gncr5fxcwlh5rsvzp9px,
  market_type: 0u8,
  yes_reserves: 50000000u128,
  no_reserves: 48000000u128,
  status: 0u8
}`

func TestParseMarketRecord(t *testing.T) {
	rec, err := ParseMarketRecord(sampleRecord)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), rec.ID)
	assert.Equal(t, testCreator, rec.Creator)
	assert.Equal(t, uint8(0), rec.MarketType)
	assert.Equal(t, "50000000", rec.Reserves.Yes.Dec())
	assert.Equal(t, "48000000", rec.Reserves.No.Dec())
	assert.Equal(t, domain.StatusOpen, rec.Status)
}

func TestParseMarketRecordFieldOrderAndVisibility(t *testing.T) {
	raw := `{ status: 2u8.public, no_reserves: 10u128.public, yes_reserves: 20u128.public, market_type: 1u8, creator: ` +
		testCreator + `.private, id: 9u64 }`

	rec, err := ParseMarketRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), rec.ID)
	assert.Equal(t, "20", rec.Reserves.Yes.Dec())
	assert.Equal(t, "10", rec.Reserves.No.Dec())
	assert.Equal(t, domain.StatusResolved, rec.Status)
	assert.Equal(t, testCreator, rec.Creator)
}

func TestParseMarketRecordIgnoresNestedFields(t *testing.T) {
	raw := `{
  id: 7u64,
  meta: {
    id: 99u64,
    status: 2u8
  },
  creator: ` + testCreator + `,
  market_type: 0u8,
  yes_reserves: 50000000u128,
  no_reserves: 48000000u128,
  status: 0u8
}`

	rec, err := ParseMarketRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rec.ID)
	assert.Equal(t, domain.StatusOpen, rec.Status)

	fields, err := ParseStruct(raw)
	require.NoError(t, err)
	assert.Equal(t, "{\n    id: 99u64,\n    status: 2u8\n  }", fields["meta"])
	assert.Len(t, fields, 7)
}

func TestParseMarketRecordErrors(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"not a struct", `50000000u128`, "record"},
		{"missing no reserves", `{ id: 1u64, creator: ` + testCreator + `, market_type: 0u8, yes_reserves: 1u128, status: 0u8 }`, "no_reserves"},
		{"renamed field", `{ id: 1u64, creator: ` + testCreator + `, market_type: 0u8, yes_pool: 1u128, no_reserves: 1u128, status: 0u8 }`, "yes_reserves"},
		{"bad integer", `{ id: abcu64, creator: ` + testCreator + `, market_type: 0u8, yes_reserves: 1u128, no_reserves: 1u128, status: 0u8 }`, "id"},
		{"status overflow", `{ id: 1u64, creator: ` + testCreator + `, market_type: 0u8, yes_reserves: 1u128, no_reserves: 1u128, status: 300u8 }`, "status"},
		{"unknown status", `{ id: 1u64, creator: ` + testCreator + `, market_type: 0u8, yes_reserves: 1u128, no_reserves: 1u128, status: 7u8 }`, "status"},
		{"bad creator", `{ id: 1u64, creator: bob, market_type: 0u8, yes_reserves: 1u128, no_reserves: 1u128, status: 0u8 }`, "creator"},
		{"repeated status", `{ id: 1u64, creator: ` + testCreator + `, market_type: 0u8, yes_reserves: 1u128, no_reserves: 1u128, status: 0u8, status: 2u8 }`, "status"},
		{"status only nested", `{ id: 1u64, creator: ` + testCreator + `, market_type: 0u8, yes_reserves: 1u128, no_reserves: 1u128, meta: { status: 0u8 } }`, "status"},
		{"unbalanced braces", `{ id: 1u64, meta: { status: 0u8 }`, "record"},
		{"trailing struct", `{ id: 1u64 } { id: 2u64 }`, "record"},
		{"field without name", `{ id: 1u64, 5u8 }`, "record"},
		{"u128 overflow", `{ id: 1u64, creator: ` + testCreator + `, market_type: 0u8, yes_reserves: 340282366920938463463374607431768211456u128, no_reserves: 1u128, status: 0u8 }`, "yes_reserves"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarketRecord(tt.raw)
			var perr *ParseError
			require.True(t, errors.As(err, &perr), "expected ParseError, got %v", err)
			assert.Equal(t, tt.field, perr.Field)
			assert.ErrorIs(t, err, ErrMalformedRecord)
			assert.NotErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestParseU128Literal(t *testing.T) {
	v, err := ParseU128Literal("1500000u128")
	require.NoError(t, err)
	assert.Equal(t, "1500000", v.Dec())

	v, err = ParseU128Literal(" 42u128.public ")
	require.NoError(t, err)
	assert.Equal(t, "42", v.Dec())

	_, err = ParseU128Literal("u128")
	assert.Error(t, err)
}

func TestDecodeMappingBody(t *testing.T) {
	_, err := decodeMappingBody([]byte("null"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = decodeMappingBody([]byte(`"null"`))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	raw, err := decodeMappingBody([]byte(`"{\n  id: 1u64\n}"`))
	require.NoError(t, err)
	assert.Equal(t, "{\n  id: 1u64\n}", raw)

	raw, err = decodeMappingBody([]byte("5u128"))
	require.NoError(t, err)
	assert.Equal(t, "5u128", raw)
}
