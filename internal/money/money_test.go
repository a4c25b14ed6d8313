package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestLegUnrealizedPnL_Short(t *testing.T) {
	pnl := LegUnrealizedPnL(d("1.70"), d("1.02"), 2, Short, DefaultMultiplier)
	assert.True(t, pnl.Equal(d("136.00")), pnl.String())
}

func TestLegUnrealizedPnL_Long(t *testing.T) {
	pnl := LegUnrealizedPnL(d("1.00"), d("1.50"), 1, Long, DefaultMultiplier)
	assert.True(t, pnl.Equal(d("50.00")), pnl.String())
}

func TestLegUnrealizedPnL_DefaultsMultiplier(t *testing.T) {
	pnl := LegUnrealizedPnL(d("1.00"), d("0.50"), 1, Short, decimal.Zero)
	assert.True(t, pnl.Equal(d("50.00")), pnl.String())
}

func TestProfitTargetPrice_Credit(t *testing.T) {
	// put_spread_1 target 40% of a 1.00 credit -> close at 0.60
	price := ProfitTargetPrice(d("1.00"), d("40"), Credit)
	assert.True(t, price.Equal(d("0.60")), price.String())
}

func TestProfitTargetPrice_Debit(t *testing.T) {
	price := ProfitTargetPrice(d("1.00"), d("50"), Debit)
	assert.True(t, price.Equal(d("1.50")), price.String())
}

func TestRealizedPositionPnL_CreditSpreadHappyPath(t *testing.T) {
	lines := []TransactionLine{
		{Action: SellToOpen, NetValue: d("340.00")},
		{Action: BuyToClose, NetValue: d("102.00")},
	}
	pnl := RealizedPositionPnL(lines)
	assert.True(t, pnl.Equal(d("238.00")), pnl.String())
}

func TestRealizedPositionPnL_Assignment(t *testing.T) {
	lines := []TransactionLine{
		{Action: SellToOpen, NetValue: d("500.00")},
		{NetValue: d("-90000.00"), IsAssignment: true},
	}
	pnl := RealizedPositionPnL(lines)
	assert.True(t, pnl.Equal(d("-89500.00")), pnl.String())
}

func TestProfitTargetFillPnL(t *testing.T) {
	pnl := ProfitTargetFillPnL(d("1.70"), d("1.02"))
	assert.True(t, pnl.Equal(d("68.00")), pnl.String())
}

func TestRound_HalfUp(t *testing.T) {
	assert.True(t, Round(d("1.005")).Equal(d("1.01")))
	assert.True(t, Round(d("1.004")).Equal(d("1.00")))
}

func TestRoundDisplay_BankersRounding(t *testing.T) {
	assert.True(t, RoundDisplay(d("1.005")).Equal(d("1.00")))
	assert.True(t, RoundDisplay(d("1.015")).Equal(d("1.02")))
}

func TestFillPrice_SumsSellsPositiveBuysNegative(t *testing.T) {
	legs := []LegFill{
		{Action: SellToOpen, Fills: []Fill{{Quantity: 2, FillPrice: d("2.50")}}},
		{Action: BuyToOpen, Fills: []Fill{{Quantity: 2, FillPrice: d("1.10")}}},
	}
	price := FillPrice(legs)
	if assert.NotNil(t, price) {
		assert.True(t, price.Equal(d("2.80")), price.String())
	}
}

func TestFillPrice_NoFillsReturnsNil(t *testing.T) {
	price := FillPrice([]LegFill{{Action: SellToOpen}})
	assert.Nil(t, price)
}

func TestSpreadFillQuantity_DefaultsToOne(t *testing.T) {
	assert.EqualValues(t, 1, SpreadFillQuantity(0))
}

func TestSpreadFillQuantity_UsesDeclaredLegQuantity(t *testing.T) {
	assert.EqualValues(t, 3, SpreadFillQuantity(3))
}
