package onchain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
)

// ErrMalformedRecord is wrapped by every ParseError.
var ErrMalformedRecord = errors.New("malformed chain record")

// ParseError names the field of a chain record that did not match the
// expected encoding.
type ParseError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("parse chain record: field %q %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("parse chain record: field %q %s (got %q)", e.Field, e.Reason, e.Value)
}

func (e *ParseError) Unwrap() error { return ErrMalformedRecord }

var (
	fieldPattern      = regexp.MustCompile(`(?s)^([A-Za-z_][A-Za-z0-9_]*)\s*:\s*(.+)$`)
	integerPattern    = regexp.MustCompile(`^([0-9]+)([ui](?:8|16|32|64|128))$`)
	visibilitySuffix  = regexp.MustCompile(`\.(public|private)$`)
	requiredMarketKey = []string{"id", "creator", "market_type", "yes_reserves", "no_reserves", "status"}
)

// ParseStruct extracts the top-level name/value pairs of a brace-delimited
// record. Field order and separators (commas or newlines) are free and
// visibility suffixes are dropped. A nested struct is kept whole as its
// field's value. Repeated names fail the record.
func ParseStruct(raw string) (map[string]string, error) {
	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return nil, &ParseError{Field: "record", Value: truncate(body), Reason: "is not a brace-delimited struct"}
	}
	unbalanced := &ParseError{Field: "record", Value: truncate(body), Reason: "has unbalanced braces"}

	fields := make(map[string]string)
	add := func(seg string) error {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil
		}
		m := fieldPattern.FindStringSubmatch(seg)
		if m == nil {
			return &ParseError{Field: "record", Value: truncate(seg), Reason: "has a malformed field"}
		}
		if _, dup := fields[m[1]]; dup {
			return &ParseError{Field: m[1], Value: truncate(seg), Reason: "is repeated"}
		}
		fields[m[1]] = visibilitySuffix.ReplaceAllString(strings.TrimSpace(m[2]), "")
		return nil
	}

	depth, start := 0, 1
	for i, r := range body {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 || (depth == 0 && i != len(body)-1) {
				return nil, unbalanced
			}
		case ',', '\n':
			if depth != 1 {
				continue
			}
			if err := add(body[start:i]); err != nil {
				return nil, err
			}
			start = i + 1
		}
	}
	if depth != 0 {
		return nil, unbalanced
	}
	if err := add(body[start : len(body)-1]); err != nil {
		return nil, err
	}
	return fields, nil
}

// integerLiteral splits "123u64" into its digits and type suffix.
func integerLiteral(s string) (digits, suffix string, ok bool) {
	m := integerPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func uintField(fields map[string]string, name string, bits int) (uint64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, &ParseError{Field: name, Reason: "is missing"}
	}
	digits, _, ok := integerLiteral(raw)
	if !ok {
		return 0, &ParseError{Field: name, Value: raw, Reason: "is not an integer literal"}
	}
	v, err := strconv.ParseUint(digits, 10, bits)
	if err != nil {
		return 0, &ParseError{Field: name, Value: raw, Reason: fmt.Sprintf("does not fit in %d bits", bits)}
	}
	return v, nil
}

func u128Field(fields map[string]string, name string) (*uint256.Int, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, &ParseError{Field: name, Reason: "is missing"}
	}
	v, err := ParseU128Literal(raw)
	if err != nil {
		return nil, &ParseError{Field: name, Value: raw, Reason: "is not a u128 literal"}
	}
	return v, nil
}

// ParseU128Literal parses a value such as "5000000u128". A bare integer is
// accepted too.
func ParseU128Literal(s string) (*uint256.Int, error) {
	s = visibilitySuffix.ReplaceAllString(strings.TrimSpace(s), "")
	digits, _, ok := integerLiteral(s)
	if !ok {
		digits = s
	}
	return cpmm.ParseU128(digits)
}

// ParseMarketRecord decodes the markets mapping value. Any missing or
// malformed required field fails the whole record with a *ParseError.
func ParseMarketRecord(raw string) (*MarketRecord, error) {
	fields, err := ParseStruct(raw)
	if err != nil {
		return nil, err
	}
	for _, key := range requiredMarketKey {
		if _, ok := fields[key]; !ok {
			return nil, &ParseError{Field: key, Reason: "is missing"}
		}
	}

	id, err := uintField(fields, "id", 64)
	if err != nil {
		return nil, err
	}
	marketType, err := uintField(fields, "market_type", 8)
	if err != nil {
		return nil, err
	}
	yes, err := u128Field(fields, "yes_reserves")
	if err != nil {
		return nil, err
	}
	no, err := u128Field(fields, "no_reserves")
	if err != nil {
		return nil, err
	}
	code, err := uintField(fields, "status", 8)
	if err != nil {
		return nil, err
	}
	status, err := domain.StatusFromCode(uint8(code))
	if err != nil {
		return nil, &ParseError{Field: "status", Value: fields["status"], Reason: "is not a known status code"}
	}

	creator := fields["creator"]
	if err := ValidateAddress(creator); err != nil {
		return nil, &ParseError{Field: "creator", Value: creator, Reason: "is not an address"}
	}

	return &MarketRecord{
		ID:         id,
		Creator:    creator,
		MarketType: uint8(marketType),
		Reserves:   cpmm.Reserves{Yes: yes, No: no},
		StatusCode: uint8(code),
		Status:     status,
	}, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
