package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBroker is an in-memory Broker test double, in the teacher's
// mock_storage.go style: exported, non-test so it can be shared across
// every package's test suite, with per-call hooks for failure
// injection.
type MockBroker struct {
	mu sync.Mutex

	Positions     []PositionLeg
	OrderHistory  []PlacedOrder
	LiveOrders    []PlacedOrder
	OrderChains   []OrderChain
	Transactions  []Transaction
	OrdersByID    map[string]*PlacedOrder
	PlacedOrders  []OrderSpec
	CancelledIDs  []string
	NextOrderID   string

	ListPositionsErr    error
	GetOrderHistoryErr  error
	GetOrderErr         error
	GetLiveOrdersErr    error
	GetOrderChainsErr   error
	GetTransactionsErr  error
	PlaceOrderErr       error
	CancelOrderErr      error
}

// NewMockBroker returns an empty MockBroker ready for configuration.
func NewMockBroker() *MockBroker {
	return &MockBroker{OrdersByID: make(map[string]*PlacedOrder)}
}

func (m *MockBroker) ListPositions(_ context.Context, _ string, _ bool) ([]PositionLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListPositionsErr != nil {
		return nil, m.ListPositionsErr
	}
	return m.Positions, nil
}

func (m *MockBroker) GetOrderHistory(_ context.Context, _ string, _ time.Time, perPage, pageOffset int) (OrderHistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetOrderHistoryErr != nil {
		return OrderHistoryPage{}, m.GetOrderHistoryErr
	}
	start := pageOffset * perPage
	if start >= len(m.OrderHistory) {
		return OrderHistoryPage{}, nil
	}
	end := start + perPage
	if end > len(m.OrderHistory) {
		end = len(m.OrderHistory)
	}
	return OrderHistoryPage{Orders: m.OrderHistory[start:end]}, nil
}

func (m *MockBroker) GetOrder(_ context.Context, _, orderID string) (*PlacedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetOrderErr != nil {
		return nil, m.GetOrderErr
	}
	if o, ok := m.OrdersByID[orderID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("mock broker: order %q not found", orderID)
}

func (m *MockBroker) GetLiveOrders(_ context.Context, _ string) ([]PlacedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetLiveOrdersErr != nil {
		return nil, m.GetLiveOrdersErr
	}
	return m.LiveOrders, nil
}

func (m *MockBroker) GetOrderChains(_ context.Context, _, _ string, _, _ time.Time) ([]OrderChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetOrderChainsErr != nil {
		return nil, m.GetOrderChainsErr
	}
	return m.OrderChains, nil
}

func (m *MockBroker) GetTransactions(_ context.Context, _ string, _ time.Time) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetTransactionsErr != nil {
		return nil, m.GetTransactionsErr
	}
	return m.Transactions, nil
}

func (m *MockBroker) PlaceOrder(_ context.Context, _ string, spec OrderSpec) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceOrderErr != nil {
		return "", "", m.PlaceOrderErr
	}
	m.PlacedOrders = append(m.PlacedOrders, spec)
	id := m.NextOrderID
	if id == "" {
		id = fmt.Sprintf("mock-order-%d", len(m.PlacedOrders))
	}
	return id, "Received", nil
}

func (m *MockBroker) CancelOrder(_ context.Context, _, orderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelOrderErr != nil {
		return "", m.CancelOrderErr
	}
	m.CancelledIDs = append(m.CancelledIDs, orderID)
	return "Cancelled", nil
}

var _ Broker = (*MockBroker)(nil)
