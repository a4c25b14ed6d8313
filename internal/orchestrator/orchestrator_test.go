package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/retry"
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

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}
}

func TestOrchestrator_RunOnEmptyBrokerProducesCleanSuccessfulRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mb := broker.NewMockBroker()

	_, err := st.InsertPosition(ctx, &store.Position{
		User: "u1", TradingAccount: "a1", Symbol: "AAPL", LifecycleState: store.OpenFull,
		StrategyType: "external", OpenedAt: time.Now(),
	})
	require.NoError(t, err)

	o := New(st, func(_ context.Context, _ string) (broker.Broker, error) { return mb, nil }, testLogger(), fastRetry())

	report := o.Run(ctx, Options{DaysBack: 30})
	assert.True(t, report.Success)
	require.Len(t, report.Users, 1)

	run := report.Users[0]
	assert.Equal(t, "u1", run.User)
	assert.True(t, run.Success)
	for _, name := range phaseOrder {
		res, ok := run.Phases[name]
		assert.True(t, ok, "phase %s ran", name)
		assert.True(t, res.Success, "phase %s succeeded", name)
	}
}

func TestOrchestrator_SkipsAccountWithUnreachableBroker(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.InsertPosition(ctx, &store.Position{
		User: "u1", TradingAccount: "a1", Symbol: "AAPL", LifecycleState: store.OpenFull,
		StrategyType: "external", OpenedAt: time.Now(),
	})
	require.NoError(t, err)

	o := New(st, func(_ context.Context, _ string) (broker.Broker, error) {
		return nil, errors.New("auth failed")
	}, testLogger(), fastRetry())

	report := o.Run(ctx, Options{})
	assert.False(t, report.Success)
	require.Len(t, report.Users, 1)
	assert.Equal(t, "auth_error", report.Users[0].Skipped)
	assert.Empty(t, report.Users[0].Phases)
}

func TestOrchestrator_DryRunSuppressesWrites(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mb := broker.NewMockBroker()

	posID, err := st.InsertPosition(ctx, &store.Position{
		User: "u1", TradingAccount: "a1", Symbol: "AAPL", LifecycleState: store.OpenFull,
		StrategyType: "external", OpenedAt: time.Now(),
	})
	require.NoError(t, err)

	o := New(st, func(_ context.Context, _ string) (broker.Broker, error) { return mb, nil }, testLogger(), fastRetry())
	report := o.Run(ctx, Options{DryRun: true})
	assert.True(t, report.Success)

	for _, res := range report.Users[0].Phases {
		assert.Equal(t, true, res.Details["dry_run"])
	}

	unchanged, err := st.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, store.OpenFull, unchanged.LifecycleState)
}

func TestOrchestrator_UserIDScopeFiltersOtherUsers(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mb := broker.NewMockBroker()

	_, err := st.InsertPosition(ctx, &store.Position{
		User: "u1", TradingAccount: "a1", Symbol: "AAPL", LifecycleState: store.OpenFull,
		StrategyType: "external", OpenedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = st.InsertPosition(ctx, &store.Position{
		User: "u2", TradingAccount: "a2", Symbol: "MSFT", LifecycleState: store.OpenFull,
		StrategyType: "external", OpenedAt: time.Now(),
	})
	require.NoError(t, err)

	o := New(st, func(_ context.Context, _ string) (broker.Broker, error) { return mb, nil }, testLogger(), fastRetry())
	report := o.Run(ctx, Options{UserID: "u1"})

	require.Len(t, report.Users, 1)
	assert.Equal(t, "u1", report.Users[0].User)
}

func TestOrchestrator_PositionIDScopeResolvesItsOwnUser(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mb := broker.NewMockBroker()

	posID, err := st.InsertPosition(ctx, &store.Position{
		User: "u3", TradingAccount: "a3", Symbol: "TSLA", LifecycleState: store.OpenFull,
		StrategyType: "external", OpenedAt: time.Now(),
	})
	require.NoError(t, err)

	o := New(st, func(_ context.Context, _ string) (broker.Broker, error) { return mb, nil }, testLogger(), fastRetry())
	report := o.Run(ctx, Options{PositionID: posID})

	require.Len(t, report.Users, 1)
	assert.Equal(t, "u3", report.Users[0].User)
	assert.Equal(t, "a3", report.Users[0].TradingAccount)
}

func TestOrchestrator_FixProfitTargetsCreatesMissingSpreadForManagedPosition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mb := broker.NewMockBroker()
	mb.NextOrderID = "ord-created-1"
	mb.Positions = []broker.PositionLeg{
		{Symbol: "AAPL  250101P00150000", UnderlyingSymbol: "AAPL", Quantity: -1, QuantityDirection: "short", AverageOpenPrice: decimal.NewFromFloat(2), ClosePrice: decimal.NewFromFloat(1.5), Multiplier: decimal.NewFromInt(100), InstrumentType: "Equity Option"},
		{Symbol: "AAPL  250101P00145000", UnderlyingSymbol: "AAPL", Quantity: 1, QuantityDirection: "long", AverageOpenPrice: decimal.NewFromFloat(1), ClosePrice: decimal.NewFromFloat(0.8), Multiplier: decimal.NewFromInt(100), InstrumentType: "Equity Option"},
	}

	posID, err := st.InsertPosition(ctx, &store.Position{
		User: "u1", TradingAccount: "a1", Symbol: "AAPL", LifecycleState: store.OpenFull,
		StrategyType: "short_put_vertical", IsAppManaged: true, OpenedAt: time.Now(),
		Metadata: store.PositionMetadata{
			SpreadLegs: map[string][]string{"spread": {"AAPL  250101P00150000", "AAPL  250101P00145000"}},
			Legs: []store.Leg{
				{Symbol: "AAPL  250101P00150000", Quantity: 1, QuantityDir: "short"},
				{Symbol: "AAPL  250101P00145000", Quantity: 1, QuantityDir: "long"},
			},
		},
		ProfitTargetDetails: map[string]store.ProfitTargetDetail{
			"spread": {OriginalCredit: decimal.NewFromFloat(1.00)},
		},
	})
	require.NoError(t, err)

	o := New(st, func(_ context.Context, _ string) (broker.Broker, error) { return mb, nil }, testLogger(), fastRetry())
	report := o.Run(ctx, Options{})
	assert.True(t, report.Success)

	fixPhase := report.Users[0].Phases[PhaseFixProfitTargets]
	assert.Equal(t, 1, fixPhase.ItemsCreated)

	synced, err := st.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.NotEmpty(t, synced.ProfitTargetDetails["spread"].OrderID)
}
