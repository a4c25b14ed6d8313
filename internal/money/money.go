// Package money implements fixed-point decimal arithmetic for
// position and profit-target P&L. It never uses float64: every
// monetary value that crosses an API or storage boundary is a
// shopspring/decimal.Decimal, quantised to two (or four, for
// fill prices) fractional digits.
package money

import (
	"github.com/shopspring/decimal"
)

// Direction describes which side of the market a leg holds.
type Direction string

const (
	Short Direction = "short"
	Long  Direction = "long"
)

// PriceEffect is whether an opening trade was entered for a net
// credit or a net debit.
type PriceEffect string

const (
	Credit PriceEffect = "Credit"
	Debit  PriceEffect = "Debit"
)

// Action mirrors the broker's transaction action enum (§6 of the
// specification this package implements).
type Action string

const (
	SellToOpen  Action = "Sell to Open"
	BuyToOpen   Action = "Buy to Open"
	SellToClose Action = "Sell to Close"
	BuyToClose  Action = "Buy to Close"
)

// DefaultMultiplier is the standard equity-option contract multiplier.
var DefaultMultiplier = decimal.NewFromInt(100)

var cents = decimal.New(1, -2)

// Round quantises to $0.01 using half-up rounding, the convention used
// when persisting a monetary value (§4.3: "half-up on persistence").
func Round(d decimal.Decimal) decimal.Decimal {
	return d.DivRound(cents, 0).Mul(cents)
}

// RoundDisplay quantises to $0.01 using banker's rounding (round half
// to even), the convention used when displaying a monetary value to
// an operator (§4.3: "banker's rounding on display").
func RoundDisplay(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// LegUnrealizedPnL computes the unrealised P&L of a single leg.
//
//	short leg: (avgPrice - currentPrice) * |quantity| * multiplier
//	long leg:  (currentPrice - avgPrice) * |quantity| * multiplier
//
// multiplier defaults to DefaultMultiplier when zero.
func LegUnrealizedPnL(avgPrice, currentPrice decimal.Decimal, quantity int64, direction Direction, multiplier decimal.Decimal) decimal.Decimal {
	if multiplier.IsZero() {
		multiplier = DefaultMultiplier
	}
	absQty := decimal.NewFromInt(quantity).Abs()

	var diff decimal.Decimal
	switch direction {
	case Short:
		diff = avgPrice.Sub(currentPrice)
	default: // Long
		diff = currentPrice.Sub(avgPrice)
	}

	return Round(diff.Mul(absQty).Mul(multiplier))
}

// ProfitTargetPrice computes the limit price at which a profit-target
// order should close a spread, given the original credit/debit and a
// target percentage (e.g. 40 for "close at 40% of credit captured").
//
//	credit spread: close_at = credit * (1 - targetPct/100)
//	debit spread:  close_at = debit  * (1 + targetPct/100)
func ProfitTargetPrice(openPrice decimal.Decimal, targetPct decimal.Decimal, effect PriceEffect) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	frac := targetPct.Div(hundred)

	var factor decimal.Decimal
	if effect == Debit {
		factor = decimal.NewFromInt(1).Add(frac)
	} else {
		factor = decimal.NewFromInt(1).Sub(frac)
	}

	return Round(openPrice.Mul(factor))
}

// TransactionLine is the minimal shape RealizedPositionPnL needs from
// a Transaction record: its action and its net value. Callers convert
// their own transaction rows into this before aggregating, keeping
// this package free of any storage dependency.
type TransactionLine struct {
	Action       Action
	NetValue     decimal.Decimal
	IsAssignment bool
	IsExercise   bool
}

// RealizedPositionPnL implements §4.3 formula 3: realised P&L from the
// full set of a position's transactions (openings, closings,
// assignments and exercises). Commissions/fees are excluded — they
// are tracked separately.
func RealizedPositionPnL(lines []TransactionLine) decimal.Decimal {
	opening := decimal.Zero
	closing := decimal.Zero

	for _, l := range lines {
		switch {
		case l.Action == SellToOpen:
			opening = opening.Add(l.NetValue)
		case l.Action == BuyToOpen:
			opening = opening.Sub(l.NetValue.Abs())
		case l.Action == BuyToClose:
			closing = closing.Sub(l.NetValue.Abs())
		case l.Action == SellToClose || l.IsAssignment || l.IsExercise:
			closing = closing.Add(l.NetValue)
		}
	}

	return Round(opening.Add(closing))
}

// RoundToTick rounds x to the nearest tick increment (e.g. tick=0.01
// for penny-wide option pricing). Zero or negative ticks return x
// unchanged.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.DivRound(tick, 0).Mul(tick)
}

// FloorToTick rounds x down to the nearest tick — used for sell/credit
// limit prices where rounding up would overstate the credit.
func FloorToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds x up to the nearest tick — used for buy/debit
// limit prices where rounding down would understate the debit.
func CeilToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Ceil().Mul(tick)
}

// ProfitTargetFillPnL computes the realised P&L of a single filled
// profit-target order: (originalCredit - |fillPrice|) * 100 per
// contract, matching §4.10 step 6 and §4.11 step 4.
func ProfitTargetFillPnL(originalCredit, fillPrice decimal.Decimal) decimal.Decimal {
	return Round(originalCredit.Sub(fillPrice.Abs()).Mul(DefaultMultiplier))
}

// Fill is one execution of a leg: a quantity filled at a price.
type Fill struct {
	Quantity  int64
	FillPrice decimal.Decimal
}

// LegFill is the minimal shape FillPrice needs from one order leg's
// fill history: its action (to sign the contribution) and its
// individual fills. Callers convert their own OrderLeg rows into this,
// keeping this package free of any storage dependency.
type LegFill struct {
	Action Action
	Fills  []Fill
}

// FillPrice implements §4.5 step 2's fill-price computation: summed
// over all legs and fills, +fill_price×|qty| for sells, -fill_price×
// |qty| for buys. Returns nil if no fills are present at all (the
// caller should fall back to the order's limit price).
func FillPrice(legs []LegFill) *decimal.Decimal {
	total := decimal.Zero
	seen := false

	for _, leg := range legs {
		sign := decimal.NewFromInt(-1)
		if leg.Action == SellToOpen || leg.Action == SellToClose {
			sign = decimal.NewFromInt(1)
		}
		for _, f := range leg.Fills {
			seen = true
			qty := decimal.NewFromInt(f.Quantity).Abs()
			total = total.Add(sign.Mul(f.FillPrice).Mul(qty))
		}
	}

	if !seen {
		return nil
	}
	result := total.Round(4)
	return &result
}

// SpreadFillQuantity returns how many contracts one profit-target fill
// for spreadType decrements from a position's quantity. Senex Trident
// fills one contract per spread at a time; strategies that trade
// multiple contracts per spread (tracked in
// metadata.spread_legs[spreadType]) decrement by that spread's declared
// leg quantity instead. See DESIGN.md's Open Question #2 decision.
func SpreadFillQuantity(spreadLegQuantity int64) int64 {
	if spreadLegQuantity <= 0 {
		return 1
	}
	return spreadLegQuantity
}
