package positions

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

func insertPendingWithTrade(t *testing.T, st *store.Store, orderID string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.PendingEntry,
		OpeningOrderID: orderID, OpenedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = st.InsertTrade(ctx, &store.Trade{
		User: "u", Position: id, TradingAccount: "a", BrokerOrderID: orderID,
		Status: store.TradeSubmitted,
	})
	require.NoError(t, err)
	return id
}

func TestPendingReconciler_ClosesTerminalCancelledOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewPendingReconciler(st, testLogger())

	id := insertPendingWithTrade(t, st, "ord-1")
	p, err := st.GetPosition(ctx, id)
	require.NoError(t, err)

	result := r.Reconcile(ctx, []*store.Position{p}, []broker.PlacedOrder{
		{ID: "ord-1", Status: "Cancelled"},
	}, func(ctx context.Context, orderID string) (*broker.PlacedOrder, error) {
		t.Fatal("getOrder fallback should not be called when order is in liveOrders")
		return nil, nil
	})
	assert.Equal(t, 1, result.PositionsSynced)

	closed, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.Closed, closed.LifecycleState)
	assert.Equal(t, "order_cancelled", closed.ClosureReason)
}

func TestPendingReconciler_PromotesFilledOrderViaGetOrderFallback(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewPendingReconciler(st, testLogger())

	id := insertPendingWithTrade(t, st, "ord-2")
	p, err := st.GetPosition(ctx, id)
	require.NoError(t, err)

	price := decimal.NewFromFloat(1.23)
	filledAt := time.Now()
	called := false
	result := r.Reconcile(ctx, []*store.Position{p}, nil,
		func(ctx context.Context, orderID string) (*broker.PlacedOrder, error) {
			called = true
			return &broker.PlacedOrder{ID: orderID, Status: "Filled", Price: &price, FilledAt: &filledAt}, nil
		})

	assert.True(t, called)
	assert.Equal(t, 1, result.PositionsSynced)

	synced, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OpenFull, synced.LifecycleState)

	trade, err := st.GetTradeByBrokerOrderID(ctx, "ord-2")
	require.NoError(t, err)
	assert.Equal(t, store.TradeFilled, trade.Status)
	assert.True(t, trade.FillPrice.Equal(price))
}

func TestPendingReconciler_ReconcileStuckPendingEntries_PromotesOrderFilledPastGraceWindow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewPendingReconciler(st, testLogger())

	id := insertPendingWithTrade(t, st, "ord-3")
	p, err := st.GetPosition(ctx, id)
	require.NoError(t, err)

	filledAt := time.Now().Add(-10 * time.Minute)
	price := decimal.NewFromFloat(2.05)
	_, err = st.UpsertOrderHistory(ctx, &store.OrderHistory{
		BrokerOrderID: "ord-3", User: "u", TradingAccount: "a", UnderlyingSymbol: "AAPL",
		OrderType: "Limit", Status: store.OrderFilled, Price: &price, FilledAt: &filledAt,
		OrderData: store.OrderData{},
	})
	require.NoError(t, err)

	result := r.ReconcileStuckPendingEntries(ctx, []*store.Position{p})
	assert.Equal(t, 1, result.PositionsSynced)
	assert.Empty(t, result.Errors)

	synced, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OpenFull, synced.LifecycleState)

	trade, err := st.GetTradeByBrokerOrderID(ctx, "ord-3")
	require.NoError(t, err)
	assert.Equal(t, store.TradeFilled, trade.Status)
	assert.True(t, trade.FillPrice.Equal(price))
}

func TestPendingReconciler_ReconcileStuckPendingEntries_SkipsWithinGraceWindow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewPendingReconciler(st, testLogger())

	id := insertPendingWithTrade(t, st, "ord-4")
	p, err := st.GetPosition(ctx, id)
	require.NoError(t, err)

	filledAt := time.Now().Add(-time.Minute)
	_, err = st.UpsertOrderHistory(ctx, &store.OrderHistory{
		BrokerOrderID: "ord-4", User: "u", TradingAccount: "a", UnderlyingSymbol: "AAPL",
		OrderType: "Limit", Status: store.OrderFilled, FilledAt: &filledAt, OrderData: store.OrderData{},
	})
	require.NoError(t, err)

	result := r.ReconcileStuckPendingEntries(ctx, []*store.Position{p})
	assert.Equal(t, 0, result.PositionsSynced, "an order filled less than stuckPendingGrace ago must not be promoted yet")

	unchanged, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.PendingEntry, unchanged.LifecycleState)
}

func TestPendingReconciler_ReconcileStuckPendingEntries_SkipsWhenNoOrderHistoryCached(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewPendingReconciler(st, testLogger())

	id, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.PendingEntry,
		OpeningOrderID: "ord-not-cached-yet", OpenedAt: time.Now(),
	})
	require.NoError(t, err)
	p, err := st.GetPosition(ctx, id)
	require.NoError(t, err)

	result := r.ReconcileStuckPendingEntries(ctx, []*store.Position{p})
	assert.Equal(t, 0, result.PositionsSynced)
	assert.Empty(t, result.Errors, "a not-yet-cached order history row is not an error, just nothing to act on")
}

func TestPendingReconciler_IgnoresPositionWithoutOpeningTrade(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewPendingReconciler(st, testLogger())

	id, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.PendingEntry,
		OpeningOrderID: "ord-no-trade", OpenedAt: time.Now(),
	})
	require.NoError(t, err)
	p, err := st.GetPosition(ctx, id)
	require.NoError(t, err)

	result := r.Reconcile(ctx, []*store.Position{p}, nil, func(ctx context.Context, orderID string) (*broker.PlacedOrder, error) {
		t.Fatal("getOrder should not be called")
		return nil, nil
	})
	assert.Equal(t, 0, result.PositionsSynced)
	assert.Empty(t, result.Errors)
}
