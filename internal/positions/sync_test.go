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

func TestSyncer_TierA_RecomputesUnrealizedPnL(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	closer := NewCloser(st, testLogger())
	syncer := NewSyncer(st, closer, testLogger())

	id, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "AAPL", LifecycleState: store.OpenFull,
		IsAppManaged: true, OpeningOrderID: "ord-1", OpenedAt: time.Now(),
		Metadata: store.PositionMetadata{Legs: []store.Leg{
			{Symbol: "AAPL  250101P00150000", Quantity: 1, QuantityDir: "short"},
		}},
	})
	require.NoError(t, err)
	p, err := st.GetPosition(ctx, id)
	require.NoError(t, err)

	brokerLegs := []broker.PositionLeg{
		{
			Symbol: "AAPL  250101P00150000", UnderlyingSymbol: "AAPL", Quantity: -1,
			QuantityDirection: "short", AverageOpenPrice: decimal.NewFromInt(2),
			ClosePrice: decimal.NewFromFloat(1.5), Multiplier: decimal.NewFromInt(100),
			InstrumentType: "Equity Option",
		},
	}

	result := syncer.Sync(ctx, "u", "a", []*store.Position{p}, brokerLegs)
	assert.Equal(t, 1, result.PositionsSynced)
	assert.Empty(t, result.Errors)

	synced, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.True(t, synced.UnrealizedPnL.GreaterThan(decimal.Zero))
	assert.Len(t, synced.Metadata.Legs, 1)
}

func TestSyncer_TierB_CreatesUnmanagedPositionForUncoveredUnderlying(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	closer := NewCloser(st, testLogger())
	syncer := NewSyncer(st, closer, testLogger())

	brokerLegs := []broker.PositionLeg{
		{Symbol: "MSFT  250101C00300000", UnderlyingSymbol: "MSFT", Quantity: -1, QuantityDirection: "short", AverageOpenPrice: decimal.NewFromInt(3), Multiplier: decimal.NewFromInt(100), InstrumentType: "Equity Option"},
		{Symbol: "MSFT  250101C00310000", UnderlyingSymbol: "MSFT", Quantity: 1, QuantityDirection: "long", AverageOpenPrice: decimal.NewFromInt(1), Multiplier: decimal.NewFromInt(100), InstrumentType: "Equity Option"},
	}

	result := syncer.Sync(ctx, "u", "a", nil, brokerLegs)
	assert.Equal(t, 1, result.PositionsSynced)

	positions, err := st.ListPositionsByState(ctx, "u", []store.LifecycleState{store.OpenFull})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "MSFT", positions[0].Symbol)
	assert.False(t, positions[0].IsAppManaged)
	assert.Equal(t, int64(1), positions[0].Quantity)
}

func TestSyncer_TierB_SecondRunUpdatesInPlaceInsteadOfDuplicating(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	closer := NewCloser(st, testLogger())
	syncer := NewSyncer(st, closer, testLogger())

	brokerLegs := []broker.PositionLeg{
		{Symbol: "MSFT  250101C00300000", UnderlyingSymbol: "MSFT", Quantity: -1, QuantityDirection: "short", AverageOpenPrice: decimal.NewFromInt(3), Multiplier: decimal.NewFromInt(100), InstrumentType: "Equity Option"},
		{Symbol: "MSFT  250101C00310000", UnderlyingSymbol: "MSFT", Quantity: 1, QuantityDirection: "long", AverageOpenPrice: decimal.NewFromInt(1), Multiplier: decimal.NewFromInt(100), InstrumentType: "Equity Option"},
	}

	first := syncer.Sync(ctx, "u", "a", nil, brokerLegs)
	assert.Equal(t, 1, first.PositionsSynced)
	assert.Empty(t, first.Errors)

	// Same broker state on the next scheduled tick must update the
	// existing Tier-B row, not insert a second one for MSFT.
	second := syncer.Sync(ctx, "u", "a", nil, brokerLegs)
	assert.Equal(t, 1, second.PositionsSynced)
	assert.Empty(t, second.Errors)

	positions, err := st.ListPositionsByState(ctx, "u", []store.LifecycleState{store.OpenFull})
	require.NoError(t, err)
	require.Len(t, positions, 1, "second run must upsert, not duplicate, the unmanaged position")
	assert.Equal(t, "MSFT", positions[0].Symbol)
	assert.Equal(t, int64(1), positions[0].Quantity)
}

func TestSyncer_BrokerAbsentClosure_ClosesVanishedPosition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	closer := NewCloser(st, testLogger())
	syncer := NewSyncer(st, closer, testLogger())

	id, err := st.InsertPosition(ctx, &store.Position{
		User: "u", TradingAccount: "a", Symbol: "GOOG", LifecycleState: store.OpenFull,
		OpeningOrderID: "ord-2", OpenedAt: time.Now(),
	})
	require.NoError(t, err)
	p, err := st.GetPosition(ctx, id)
	require.NoError(t, err)

	result := syncer.BrokerAbsentClosure(ctx, []*store.Position{p}, map[string]bool{"AAPL": true})
	assert.Equal(t, 1, result.PositionsClosed)

	closed, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.Closed, closed.LifecycleState)
	assert.Equal(t, "closed_at_broker", closed.ClosureReason)
}
