// Package occ parses and formats OCC-standard option symbols.
//
// Layout: root left-justified and padded to 6 chars, yymmdd (6),
// C or P (1), strike in milli-dollars (8) — 21 characters total for a
// root of exactly 6. Decode reads from the end of the string so that
// roots shorter or longer than 6 characters (as TastyTrade sometimes
// sends) still parse correctly.
package occ

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the option right.
type Type string

const (
	Call Type = "C"
	Put  Type = "P"
)

const (
	strikeScale   = 1000
	minEncodedLen = 16 // 1+ char root, 6 date, 1 type, 8 strike
	dateLayout    = "060102"
)

// Symbol is the decoded form of an OCC option identifier.
type Symbol struct {
	Root       string
	Expiration time.Time
	Type       Type
	Strike     decimal.Decimal
}

// Decode parses a 21-character (or longer-root) OCC symbol.
func Decode(raw string) (Symbol, error) {
	if len(raw) < minEncodedLen {
		return Symbol{}, fmt.Errorf("occ: symbol %q shorter than minimum length %d", raw, minEncodedLen)
	}

	strikeCode := raw[len(raw)-8:]
	typeCode := raw[len(raw)-9 : len(raw)-8]
	dateCode := raw[len(raw)-15 : len(raw)-9]
	root := strings.TrimRight(raw[:len(raw)-15], " ")

	if root == "" {
		return Symbol{}, fmt.Errorf("occ: symbol %q has empty root", raw)
	}

	strikeInt, err := strconv.ParseInt(strikeCode, 10, 64)
	if err != nil {
		return Symbol{}, fmt.Errorf("occ: invalid strike code %q: %w", strikeCode, err)
	}

	expiration, err := time.Parse(dateLayout, dateCode)
	if err != nil {
		return Symbol{}, fmt.Errorf("occ: invalid date code %q: %w", dateCode, err)
	}

	var typ Type
	switch typeCode {
	case string(Call):
		typ = Call
	case string(Put):
		typ = Put
	default:
		return Symbol{}, fmt.Errorf("occ: invalid option type code %q in %q", typeCode, raw)
	}

	strike := decimal.NewFromInt(strikeInt).Div(decimal.NewFromInt(strikeScale))

	return Symbol{
		Root:       root,
		Expiration: expiration,
		Type:       typ,
		Strike:     strike,
	}, nil
}

// Encode formats a Symbol back into its OCC representation. The root is
// left-justified and padded to at least 6 characters, matching the
// format brokers issue; a root longer than 6 is carried unpadded so
// round-tripping a broker-issued symbol always yields the same string.
// A short root that arrived unpadded is re-encoded in the padded form.
func Encode(s Symbol) string {
	root := s.Root
	if len(root) < 6 {
		root = fmt.Sprintf("%-6s", root)
	}

	strikeMilli := s.Strike.Mul(decimal.NewFromInt(strikeScale)).Round(0).IntPart()

	return fmt.Sprintf("%s%s%s%08d", root, s.Expiration.Format(dateLayout), s.Type, strikeMilli)
}

// String renders the canonical encoding of the symbol.
func (s Symbol) String() string {
	return Encode(s)
}

// IsCall reports whether the symbol is a call.
func (s Symbol) IsCall() bool { return s.Type == Call }

// IsPut reports whether the symbol is a put.
func (s Symbol) IsPut() bool { return s.Type == Put }
