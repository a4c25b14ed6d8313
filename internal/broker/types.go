package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionLeg is one individual leg record returned by ListPositions,
// per spec.md §4.1.
type PositionLeg struct {
	Symbol           string
	UnderlyingSymbol string
	Quantity         int64
	QuantityDirection string
	AverageOpenPrice decimal.Decimal
	ClosePrice       decimal.Decimal
	MarkPrice        *decimal.Decimal
	Multiplier       decimal.Decimal
	InstrumentType   string
}

// Leg is one leg of a broker order (distinct from PositionLeg, which
// describes a currently-held position leg).
type Leg struct {
	Symbol              string
	InstrumentType      string
	Action              string
	Quantity            int64
	RemainingQuantity   int64
	Fills               []Fill
}

// Fill is one partial or complete execution of an order leg.
type Fill struct {
	ExtGroupFillID string
	FillID         string
	Quantity       int64
	FillPrice      decimal.Decimal
	FilledAt       time.Time
}

// PlacedOrder is the broker's order representation, per spec.md §6.
type PlacedOrder struct {
	ID                       string
	Status                   string
	OrderType                string
	Size                     int64
	UnderlyingSymbol         string
	UnderlyingInstrumentType string
	TimeInForce              string
	Price                    *decimal.Decimal
	PriceEffect              string
	ReceivedAt               time.Time
	LiveAt                   *time.Time
	FilledAt                 *time.Time
	CancelledAt              *time.Time
	TerminalAt               *time.Time
	ComplexOrderID           string
	ParentOrderID            string
	ReplacesOrderID          string
	ReplacingOrderID         string
	ContingentStatus         string
	RejectReason             string
	Legs                     []Leg
}

// Transaction is the broker's transaction representation, per spec.md §6.
type Transaction struct {
	ID                 string
	TransactionType    string
	TransactionSubType string
	Action             string
	Symbol             string
	UnderlyingSymbol   string
	InstrumentType     string
	Value              decimal.Decimal
	NetValue           decimal.Decimal
	Commission         decimal.Decimal
	ClearingFees       decimal.Decimal
	RegulatoryFees     decimal.Decimal
	Quantity           int64
	Price              decimal.Decimal
	ExecutedAt         time.Time
	OrderID            string
	Description        string
}

// OrderChain is the broker-side aggregate of all orders for one
// symbol's lifecycle.
type OrderChain struct {
	ChainID          string
	UnderlyingSymbol string
	TotalCommissions decimal.Decimal
	TotalFees        decimal.Decimal
	RealizedPnL      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderLegSpec describes one leg of an order to be placed.
type OrderLegSpec struct {
	Symbol   string
	Action   string
	Quantity int64
}

// OrderSpec describes a complex order to place, per §4.1 place_order.
type OrderSpec struct {
	ClientOrderID string
	OrderType     string
	TimeInForce   string
	Price         decimal.Decimal
	PriceEffect   string
	Legs          []OrderLegSpec
}

// OrderHistoryPage is one page of get_order_history results.
type OrderHistoryPage struct {
	Orders []PlacedOrder
}
