package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockBroker_ListPositions(t *testing.T) {
	m := NewMockBroker()
	m.Positions = []PositionLeg{{Symbol: "SPY", Quantity: 1}}

	legs, err := m.ListPositions(context.Background(), "acct-1", false)
	require.NoError(t, err)
	assert.Len(t, legs, 1)
	assert.Equal(t, "SPY", legs[0].Symbol)
}

func TestMockBroker_GetOrderHistory_Pagination(t *testing.T) {
	m := NewMockBroker()
	for i := 0; i < 150; i++ {
		m.OrderHistory = append(m.OrderHistory, PlacedOrder{ID: string(rune('a' + i%26))})
	}

	page0, err := m.GetOrderHistory(context.Background(), "acct-1", time.Now(), 100, 0)
	require.NoError(t, err)
	assert.Len(t, page0.Orders, 100)

	page1, err := m.GetOrderHistory(context.Background(), "acct-1", time.Now(), 100, 1)
	require.NoError(t, err)
	assert.Len(t, page1.Orders, 50)

	page2, err := m.GetOrderHistory(context.Background(), "acct-1", time.Now(), 100, 2)
	require.NoError(t, err)
	assert.Empty(t, page2.Orders)
}

func TestMockBroker_PlaceAndCancelOrder(t *testing.T) {
	m := NewMockBroker()
	m.NextOrderID = "ord-123"

	id, status, err := m.PlaceOrder(context.Background(), "acct-1", OrderSpec{ClientOrderID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, "ord-123", id)
	assert.Equal(t, "Received", status)

	status, err = m.CancelOrder(context.Background(), "acct-1", id)
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", status)
	assert.Contains(t, m.CancelledIDs, "ord-123")
}

func TestMockBroker_GetOrder_NotFound(t *testing.T) {
	m := NewMockBroker()
	_, err := m.GetOrder(context.Background(), "acct-1", "missing")
	assert.Error(t, err)
}
