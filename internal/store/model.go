// Package store implements the persistent record store (C4): typed
// records for Positions, Trades, OrderHistory, Transactions and
// OrderChains, backed by SQLite (modernc.org/sqlite, pure Go, no
// cgo) with row-locking read-modify-write transactions and batched
// reads to avoid N+1 broker/store round trips.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserAccount identifies one (user, trading_account) pair, the unit
// C12 schedules a reconciliation run against.
type UserAccount struct {
	User           string
	TradingAccount string
}

// LifecycleState is a Position's place in its state machine.
type LifecycleState string

const (
	PendingEntry LifecycleState = "pending_entry"
	OpenFull     LifecycleState = "open_full"
	OpenPartial  LifecycleState = "open_partial"
	Closing      LifecycleState = "closing"
	Closed       LifecycleState = "closed"
	Rolled       LifecycleState = "rolled"
	Adjusted     LifecycleState = "adjusted"
	Expired      LifecycleState = "expired"
)

// PriceEffect mirrors money.PriceEffect for storage purposes.
type PriceEffect string

const (
	Credit PriceEffect = "Credit"
	Debit  PriceEffect = "Debit"
)

// TradeType distinguishes why a Trade was placed.
type TradeType string

const (
	TradeOpen       TradeType = "open"
	TradeClose      TradeType = "close"
	TradeAdjustment TradeType = "adjustment"
)

// TradeStatus mirrors the broker order-status lifecycle for a Trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeSubmitted TradeStatus = "submitted"
	TradeRouted    TradeStatus = "routed"
	TradeLive      TradeStatus = "live"
	TradeWorking   TradeStatus = "working"
	TradeFilled    TradeStatus = "filled"
	TradeRejected  TradeStatus = "rejected"
	TradeCancelled TradeStatus = "cancelled"
)

// OrderHistoryStatus mirrors the broker's order status enum.
type OrderHistoryStatus string

const (
	OrderReceived  OrderHistoryStatus = "Received"
	OrderRouted    OrderHistoryStatus = "Routed"
	OrderInFlight  OrderHistoryStatus = "In Flight"
	OrderLive      OrderHistoryStatus = "Live"
	OrderFilled    OrderHistoryStatus = "Filled"
	OrderCancelled OrderHistoryStatus = "Cancelled"
	OrderRejected  OrderHistoryStatus = "Rejected"
	OrderExpired   OrderHistoryStatus = "Expired"
)

// IsTerminal reports whether the order status will never change again.
func (s OrderHistoryStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// ProfitTargetStatus is the lifecycle of one profit-target exit order.
type ProfitTargetStatus string

const (
	TargetPending                ProfitTargetStatus = "pending"
	TargetFilled                 ProfitTargetStatus = "filled"
	TargetCancelled              ProfitTargetStatus = "cancelled"
	TargetCancelledDTEAutomation ProfitTargetStatus = "cancelled_dte_automation"
)

// Leg is one option (or equity) leg of a position, as recorded in
// metadata.legs — see spec.md §3 / DESIGN.md's "tagged variants" note.
type Leg struct {
	Symbol           string          `json:"symbol"`
	Quantity         int64           `json:"quantity"`
	QuantityDir      string          `json:"quantity_direction"`
	AverageOpenPrice decimal.Decimal `json:"average_open_price"`
	ClosePrice       decimal.Decimal `json:"close_price,omitempty"`
	MarkPrice        *decimal.Decimal `json:"mark_price,omitempty"`
	Multiplier       decimal.Decimal `json:"multiplier"`
	InstrumentType   string          `json:"instrument_type"`
	Action           string          `json:"action,omitempty"`
}

// PositionIssue is a supplemented per-position trouble annotation
// (SPEC_FULL.md §5). It is stored and loaded with the metadata; no
// component in this module appends one.
type PositionIssue struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// PositionMetadata is the closed, typed replacement for the loosely
// typed `metadata` map described in spec.md §9's design notes.
// Extra holds only what is under the "extra" key; other unrecognised
// keys are dropped when the metadata is decoded.
type PositionMetadata struct {
	Legs              []Leg                      `json:"legs,omitempty"`
	SpreadLegs        map[string][]string        `json:"spread_legs,omitempty"`
	SuggestionID      string                     `json:"suggestion_id,omitempty"`
	OriginalQuantity  *int64                     `json:"original_quantity,omitempty"`
	DTEAutomation     map[string]any             `json:"dte_automation,omitempty"`
	ReconstructionFail bool                      `json:"reconstruction_failed,omitempty"`
	AssignedEquityID   int64                     `json:"assigned_equity_position_id,omitempty"`
	ExpirationDate     *time.Time                `json:"expiration_date,omitempty"`
	Strikes            map[string]decimal.Decimal `json:"strikes,omitempty"`
	Issues             []PositionIssue           `json:"issues,omitempty"`
	Extra              map[string]any            `json:"extra,omitempty"`
}

// ProfitTargetDetail is one entry of Position.ProfitTargetDetails,
// keyed by spread type (e.g. "put_spread_1", "call_spread").
type ProfitTargetDetail struct {
	OrderID        string             `json:"order_id,omitempty"`
	Percent        decimal.Decimal    `json:"percent"`
	OriginalCredit decimal.Decimal    `json:"original_credit"`
	TargetPrice    decimal.Decimal    `json:"target_price"`
	Status         ProfitTargetStatus `json:"status"`
	SubmittedAt    *time.Time         `json:"submitted_at,omitempty"`
	FilledAt       *time.Time         `json:"filled_at,omitempty"`
	FillPrice      decimal.Decimal    `json:"fill_price,omitempty"`
	RealizedPnL    decimal.Decimal    `json:"realized_pnl,omitempty"`
	SkipRecreation bool               `json:"skip_recreation,omitempty"`
	SkipReason     string             `json:"skip_reason,omitempty"`
}

// Position is the canonical record of an open or closed exposure.
type Position struct {
	ID                   int64
	User                 string
	TradingAccount        string
	Symbol               string
	InstrumentType       string
	StrategyType         string
	LifecycleState       LifecycleState
	Quantity             int64
	AvgPrice             decimal.Decimal
	UnrealizedPnL        decimal.Decimal
	TotalRealizedPnL     decimal.Decimal
	OpeningPriceEffect   PriceEffect
	InitialRisk          decimal.Decimal
	SpreadWidth          decimal.Decimal
	NumberOfSpreads      int64
	IsAppManaged         bool
	OpeningOrderID       string
	OpeningComplexOrderID string
	ClosureReason        string
	AssignedAt           *time.Time
	ProfitTargetsCreated bool
	ProfitTargetDetails  map[string]ProfitTargetDetail
	Metadata             PositionMetadata
	OpenedAt             time.Time
	ClosedAt             *time.Time
}

// Trade is a single order event for a position.
type Trade struct {
	ID             int64
	User           string
	Position       int64
	TradingAccount string
	BrokerOrderID  string
	TradeType      TradeType
	OrderLegs      []Leg
	ExecutedPrice  decimal.Decimal
	FillPrice      decimal.Decimal
	Quantity       int64
	Status         TradeStatus
	SubmittedAt    *time.Time
	FilledAt       *time.Time
	Commission     decimal.Decimal
	ParentOrderID  string
	ChildOrderIDs  []string
	LifecycleEvent string
	OrderType      string
	TimeInForce    string
	RealizedPnL    decimal.Decimal
}

// OrderHistory is the ingested cache of broker orders.
type OrderHistory struct {
	BrokerOrderID    string
	User             string
	TradingAccount   string
	ComplexOrderID   string
	ParentOrderID    string
	ReplacesOrderID  string
	ReplacingOrderID string
	UnderlyingSymbol string
	OrderType        string
	Status           OrderHistoryStatus
	Price            *decimal.Decimal
	PriceEffect      PriceEffect
	ReceivedAt       *time.Time
	LiveAt           *time.Time
	FilledAt         *time.Time
	CancelledAt      *time.Time
	TerminalAt       *time.Time
	OrderData        OrderData
}

// OrderData is the serialized order snapshot including legs and their
// fills, as required by C5 step 2 and C3's fill-price computation.
type OrderData struct {
	Legs []OrderLeg `json:"legs"`
}

// OrderLeg is one leg of a broker order, with its individual fills.
type OrderLeg struct {
	Symbol   string `json:"symbol"`
	Action   string `json:"action"`
	Quantity int64  `json:"quantity"`
	Fills    []Fill `json:"fills"`
}

// Fill is one partial or complete execution of an order leg.
type Fill struct {
	FillID    string          `json:"fill_id"`
	Quantity  int64           `json:"quantity"`
	FillPrice decimal.Decimal `json:"fill_price"`
	FilledAt  time.Time       `json:"filled_at"`
}

// Transaction is a ground-truth fill/assignment/fee line.
type Transaction struct {
	TransactionID      string
	OrderID            string
	TransactionType    string
	TransactionSubType string
	Action             string
	Value              decimal.Decimal
	NetValue           decimal.Decimal
	Commission         decimal.Decimal
	ClearingFees       decimal.Decimal
	RegulatoryFees     decimal.Decimal
	Symbol             string
	UnderlyingSymbol   string
	InstrumentType     string
	Quantity           int64
	Price              decimal.Decimal
	ExecutedAt         time.Time
	RelatedPosition    *int64
}

// IsAssignment reports whether this transaction line represents an
// option assignment.
func (t Transaction) IsAssignment() bool {
	return t.TransactionSubType == "Assignment"
}

// IsExercise reports whether this transaction line represents an
// option exercise.
func (t Transaction) IsExercise() bool {
	return t.TransactionSubType == "Exercise"
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
