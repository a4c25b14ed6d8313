package positions

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senextrader/lifecycle-engine/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func TestDiscoverer_CreatesPositionForUnmatchedOpeningOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	d := NewDiscoverer(st, testLogger())

	txns := []*store.Transaction{
		{TransactionID: "t1", OrderID: "ord-1", Action: "Sell to Open", Symbol: "AAPL  250101P00150000", UnderlyingSymbol: "AAPL", InstrumentType: "Equity Option", Quantity: 1, ExecutedAt: time.Now()},
		{TransactionID: "t2", OrderID: "ord-1", Action: "Sell to Open", Symbol: "AAPL  250101P00145000", UnderlyingSymbol: "AAPL", InstrumentType: "Equity Option", Quantity: 1, ExecutedAt: time.Now()},
	}

	result := d.Discover(ctx, "user-1", "acct-1", txns)
	assert.Equal(t, 1, result.PositionsDiscovered)
	assert.Empty(t, result.Errors)

	p, err := st.FindPositionByOpeningOrderID(ctx, "acct-1", "ord-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Len(t, p.Metadata.Legs, 2)
	assert.Equal(t, "external", p.StrategyType)
}

func TestDiscoverer_SkipsOrderWithExistingPosition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.InsertPosition(ctx, &store.Position{
		User: "user-1", TradingAccount: "acct-1", Symbol: "AAPL",
		LifecycleState: store.OpenFull, OpeningOrderID: "ord-2", OpenedAt: time.Now(),
	})
	require.NoError(t, err)

	d := NewDiscoverer(st, testLogger())
	result := d.Discover(ctx, "user-1", "acct-1", []*store.Transaction{
		{TransactionID: "t3", OrderID: "ord-2", Action: "Sell to Open", Symbol: "AAPL  250101P00150000", UnderlyingSymbol: "AAPL", ExecutedAt: time.Now()},
	})

	assert.Equal(t, 0, result.PositionsDiscovered)
}

func TestDiscoverer_IgnoresClosingTransactions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	d := NewDiscoverer(st, testLogger())

	result := d.Discover(ctx, "user-1", "acct-1", []*store.Transaction{
		{TransactionID: "t4", OrderID: "ord-3", Action: "Buy to Close", Symbol: "AAPL  250101P00150000", UnderlyingSymbol: "AAPL", ExecutedAt: time.Now()},
	})

	assert.Equal(t, 0, result.PositionsDiscovered)
}
