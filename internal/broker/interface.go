// Package broker implements the Broker Session Port (C1): an opaque
// capability granting authenticated RPC to the brokerage. The core
// treats the broker as a small set of verbs (spec.md §4.1) and never
// speaks its wire protocol directly — that lives in the concrete
// Client beneath this interface, which an external Accounts module is
// responsible for authenticating and handing to the core.
package broker

import (
	"context"
	"time"
)

// Broker is the capability surface the core calls through. Every
// method takes a context so callers can honour the per-call deadlines
// spec.md §5 requires.
type Broker interface {
	// ListPositions returns every individual leg record currently held
	// by the account. includeMarks requests mark_price be populated
	// where the broker can supply it.
	ListPositions(ctx context.Context, account string, includeMarks bool) ([]PositionLeg, error)

	// GetOrderHistory returns one page of orders starting at
	// startDate, offset pageOffset pages of perPage orders each.
	// Callers must paginate until a short or empty page (spec.md §4.5
	// step 1).
	GetOrderHistory(ctx context.Context, account string, startDate time.Time, perPage, pageOffset int) (OrderHistoryPage, error)

	// GetOrder returns a single order with its legs and fills.
	GetOrder(ctx context.Context, account, orderID string) (*PlacedOrder, error)

	// GetLiveOrders returns all not-yet-terminal orders in the last
	// 24h window.
	GetLiveOrders(ctx context.Context, account string) ([]PlacedOrder, error)

	// GetOrderChains returns order chains for symbol within the window.
	GetOrderChains(ctx context.Context, account, symbol string, start, end time.Time) ([]OrderChain, error)

	// GetTransactions returns transactions since startDate.
	GetTransactions(ctx context.Context, account string, startDate time.Time) ([]Transaction, error)

	// PlaceOrder submits spec and returns the broker-assigned order id
	// and initial status.
	PlaceOrder(ctx context.Context, account string, spec OrderSpec) (orderID string, status string, err error)

	// CancelOrder cancels orderID and returns its resulting terminal status.
	CancelOrder(ctx context.Context, account, orderID string) (status string, err error)
}
