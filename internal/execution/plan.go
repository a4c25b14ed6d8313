package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/money"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// SpreadTargetPercent is the strategy layer's published profit-target
// percentage per spread_type (spec.md §4.10's expected-spread table).
// Percentages for the vertical/single-leg strategies aren't given in
// that table; DefaultSingleLegTargetPercent documents the decision
// made for them (see DESIGN.md).
var SpreadTargetPercent = map[string]decimal.Decimal{
	"put_spread_1": decimal.NewFromInt(40),
	"put_spread_2": decimal.NewFromInt(60),
	"call_spread":  decimal.NewFromInt(50),
}

// DefaultSingleLegTargetPercent is used for spread_types with no
// published percentage in spec.md's table (`spread`, `single_leg`,
// plain `put_spread`/`call_spread` outside senex_trident).
var DefaultSingleLegTargetPercent = decimal.NewFromInt(50)

// Planner is the strategy-layer collaborator port (spec.md §4.11 step
// 5's get_profit_target_specifications): given a Position and the
// spread_types it still needs exit orders for, it resolves concrete
// legs and a limit price for each.
type Planner interface {
	Plan(p *store.Position, spreadTypes []string) ([]ExitOrderSpec, error)
}

// DefaultPlanner implements Planner using spec.md's published
// percentage table and the Position's own metadata for leg shape —
// the only part of the strategy layer this core is willing to own
// (picking a spread's exit price from an already-published percentage
// is mechanical; picking which percentage to publish is not, and stays
// external).
type DefaultPlanner struct{}

// Plan builds one ExitOrderSpec per spreadType, buying back the legs
// recorded in p.Metadata.SpreadLegs[spreadType] at the percentage
// target price computed from the spread's original_credit.
func (DefaultPlanner) Plan(p *store.Position, spreadTypes []string) ([]ExitOrderSpec, error) {
	specs := make([]ExitOrderSpec, 0, len(spreadTypes))

	for _, spreadType := range spreadTypes {
		legSymbols := p.Metadata.SpreadLegs[spreadType]
		if len(legSymbols) == 0 {
			return specs, fmt.Errorf("execution: no metadata.spread_legs entry for spread_type %q on position %d", spreadType, p.ID)
		}

		detail := p.ProfitTargetDetails[spreadType]
		credit := detail.OriginalCredit
		if credit.IsZero() {
			credit = p.AvgPrice.Abs()
		}

		pct, ok := SpreadTargetPercent[spreadType]
		if !ok {
			pct = DefaultSingleLegTargetPercent
		}

		effect := money.Credit
		if p.OpeningPriceEffect == store.Debit {
			effect = money.Debit
		}
		limitPrice := money.ProfitTargetPrice(credit, pct, effect)

		legs := make([]broker.OrderLegSpec, 0, len(legSymbols))
		for _, sym := range legSymbols {
			action, quantity := closingLegAction(p, sym)
			legs = append(legs, broker.OrderLegSpec{Symbol: sym, Action: action, Quantity: quantity})
		}

		specs = append(specs, ExitOrderSpec{
			SpreadType:  spreadType,
			Legs:        legs,
			LimitPrice:  limitPrice,
			PriceEffect: string(oppositeEffect(p.OpeningPriceEffect)),
		})
	}

	return specs, nil
}

// closingLegAction derives the order action and quantity that closes a
// currently-open leg: a short leg opened with Sell to Open closes with
// Buy to Close, and vice versa.
func closingLegAction(p *store.Position, symbol string) (action string, quantity int64) {
	for _, leg := range p.Metadata.Legs {
		if leg.Symbol != symbol {
			continue
		}
		if leg.QuantityDir == "short" {
			return "Buy to Close", leg.Quantity
		}
		return "Sell to Close", leg.Quantity
	}
	return "Buy to Close", 1
}

func oppositeEffect(effect store.PriceEffect) store.PriceEffect {
	if effect == store.Debit {
		return store.Credit
	}
	return store.Debit
}
