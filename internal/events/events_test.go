package events

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/execution"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fakePlanner struct {
	calledWith []string
}

func (f *fakePlanner) Plan(_ *store.Position, spreadTypes []string) ([]execution.ExitOrderSpec, error) {
	f.calledWith = append(f.calledWith, spreadTypes...)
	specs := make([]execution.ExitOrderSpec, 0, len(spreadTypes))
	for _, st := range spreadTypes {
		specs = append(specs, execution.ExitOrderSpec{SpreadType: st, LimitPrice: decimal.NewFromFloat(0.5)})
	}
	return specs, nil
}

type fakeCollaborator struct {
	nextID string
}

func (f *fakeCollaborator) PlaceExitOrders(_ context.Context, _ string, specs []execution.ExitOrderSpec) []execution.PlacedExit {
	out := make([]execution.PlacedExit, 0, len(specs))
	for _, s := range specs {
		out = append(out, execution.PlacedExit{SpreadType: s.SpreadType, OrderID: f.nextID, Status: "Received"})
	}
	return out
}

func TestProcessEvent_IgnoresUnclaimedOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := NewProcessor(st, &fakePlanner{}, &fakeCollaborator{}, testLogger())

	outcome, err := p.ProcessEvent(ctx, "u", "a", broker.PlacedOrder{ID: "ord-unknown", Status: "Live"})
	require.NoError(t, err)
	assert.False(t, outcome.Handled)
}

func TestProcessEvent_OpeningFillTransitionsPendingEntryAndCreatesTargets(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	planner := &fakePlanner{}
	collab := &fakeCollaborator{nextID: "ord-pt-1"}
	p := NewProcessor(st, planner, collab, testLogger())

	posID, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.PendingEntry,
		StrategyType: "short_put_vertical", IsAppManaged: true, OpenedAt: time.Now(),
		Metadata: store.PositionMetadata{
			SpreadLegs: map[string][]string{"spread": {"AAPL  250101P00150000", "AAPL  250101P00145000"}},
		},
	})
	require.NoError(t, err)

	tradeID, err := st.InsertTrade(ctx, &store.Trade{
		Position: posID, TradingAccount: "a", BrokerOrderID: "ord-open-1",
		TradeType: store.TradeOpen, Status: store.TradeLive,
	})
	require.NoError(t, err)
	_ = tradeID

	price := decimal.NewFromFloat(1.0)
	filledAt := time.Now()
	order := broker.PlacedOrder{ID: "ord-open-1", Status: "Filled", Price: &price, FilledAt: &filledAt}

	outcome, err := p.ProcessEvent(ctx, "u", "a", order)
	require.NoError(t, err)
	assert.True(t, outcome.Handled)
	assert.Equal(t, store.OpenFull, outcome.TransitionTo)
	assert.True(t, outcome.SyncNeeded)

	synced, err := st.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, store.OpenFull, synced.LifecycleState)
	assert.True(t, synced.ProfitTargetsCreated)
	assert.Equal(t, "ord-pt-1", synced.ProfitTargetDetails["spread"].OrderID)
	assert.Contains(t, planner.calledWith, "spread")

	trade, err := st.GetTradeByBrokerOrderID(ctx, "ord-open-1")
	require.NoError(t, err)
	assert.Equal(t, store.TradeFilled, trade.Status)
	assert.Contains(t, trade.ChildOrderIDs, "ord-pt-1")
}

func TestProcessEvent_CancelledOpeningOrderClosesPendingPosition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := NewProcessor(st, &fakePlanner{}, &fakeCollaborator{}, testLogger())

	posID, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.PendingEntry,
		StrategyType: "external", OpenedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = st.InsertTrade(ctx, &store.Trade{
		Position: posID, TradingAccount: "a", BrokerOrderID: "ord-cxl-1",
		TradeType: store.TradeOpen, Status: store.TradeLive,
	})
	require.NoError(t, err)

	outcome, err := p.ProcessEvent(ctx, "u", "a", broker.PlacedOrder{ID: "ord-cxl-1", Status: "Cancelled"})
	require.NoError(t, err)
	assert.Equal(t, store.Closed, outcome.TransitionTo)

	synced, err := st.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, store.Closed, synced.LifecycleState)
	assert.Equal(t, "order_cancelled", synced.ClosureReason)
}

func TestProcessEvent_RetriedDeliveryOfSameStatusIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := NewProcessor(st, &fakePlanner{}, &fakeCollaborator{}, testLogger())

	posID, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.OpenFull,
		StrategyType: "external", OpenedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = st.InsertTrade(ctx, &store.Trade{
		Position: posID, TradingAccount: "a", BrokerOrderID: "ord-dup-1",
		TradeType: store.TradeOpen, Status: store.TradeFilled,
	})
	require.NoError(t, err)

	outcome, err := p.ProcessEvent(ctx, "u", "a", broker.PlacedOrder{ID: "ord-dup-1", Status: "Filled"})
	require.NoError(t, err)
	assert.False(t, outcome.Handled)
}

func TestProcessEvent_ProfitTargetFillDecrementsQuantityAndRecordsCloseTrade(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := NewProcessor(st, &fakePlanner{}, &fakeCollaborator{}, testLogger())

	posID, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.OpenFull,
		StrategyType: "cash_secured_put", OpenedAt: time.Now(), Quantity: 1,
		ProfitTargetDetails: map[string]store.ProfitTargetDetail{
			"single_leg": {OrderID: "ord-pt-fill-1", OriginalCredit: decimal.NewFromFloat(1.0)},
		},
		Metadata: store.PositionMetadata{
			SpreadLegs: map[string][]string{"single_leg": {"AAPL  250101P00150000"}},
		},
	})
	require.NoError(t, err)

	price := decimal.NewFromFloat(0.4)
	filledAt := time.Now()
	outcome, err := p.ProcessEvent(ctx, "u", "a", broker.PlacedOrder{
		ID: "ord-pt-fill-1", Status: "Filled", Price: &price, FilledAt: &filledAt,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Handled)
	assert.True(t, outcome.ProfitTarget)
	assert.Equal(t, store.Closed, outcome.TransitionTo)

	synced, err := st.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, store.Closed, synced.LifecycleState)
	assert.Equal(t, store.TargetFilled, synced.ProfitTargetDetails["single_leg"].Status)
	assert.True(t, synced.TotalRealizedPnL.Equal(decimal.NewFromInt(60)))

	closeTrade, err := st.GetTradeByBrokerOrderID(ctx, "ord-pt-fill-1")
	require.NoError(t, err)
	require.NotNil(t, closeTrade)
	assert.Equal(t, store.TradeClose, closeTrade.TradeType)
	assert.Equal(t, "profit_target_fill", closeTrade.LifecycleEvent)
}

func TestProcessEvent_SecondProfitTargetFillIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := NewProcessor(st, &fakePlanner{}, &fakeCollaborator{}, testLogger())

	filledAt := time.Now()
	posID, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.Closed,
		StrategyType: "cash_secured_put", OpenedAt: time.Now(), Quantity: 0,
		ProfitTargetDetails: map[string]store.ProfitTargetDetail{
			"single_leg": {OrderID: "ord-pt-fill-2", Status: store.TargetFilled, FilledAt: &filledAt},
		},
	})
	require.NoError(t, err)

	price := decimal.NewFromFloat(0.4)
	outcome, err := p.ProcessEvent(ctx, "u", "a", broker.PlacedOrder{
		ID: "ord-pt-fill-2", Status: "Filled", Price: &price, FilledAt: &filledAt,
	})
	require.NoError(t, err)
	assert.False(t, outcome.Handled)

	synced, err := st.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, store.Closed, synced.LifecycleState)
}
