package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/retry"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func TestBrokerCollaborator_PlacesEachSpecIndependently(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.NextOrderID = "ord-exit-1"
	c := NewBrokerCollaborator(mb, retry.NewClient(testLogger()), testLogger())

	results := c.PlaceExitOrders(context.Background(), "acct-1", []ExitOrderSpec{
		{SpreadType: "call_spread", LimitPrice: decimal.NewFromFloat(0.5), PriceEffect: "credit"},
		{SpreadType: "put_spread_1", LimitPrice: decimal.NewFromFloat(0.3), PriceEffect: "credit"},
	})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, "ord-exit-1", r.OrderID)
		assert.Equal(t, "Received", r.Status)
	}
	assert.Len(t, mb.PlacedOrders, 2)
}

func TestBrokerCollaborator_ReportsPerSpecFailureWithoutAbortingBatch(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.PlaceOrderErr = errors.New("boom: rejected")
	c := NewBrokerCollaborator(mb, retry.NewClient(testLogger(), retry.Config{MaxRetries: 0}), testLogger())

	results := c.PlaceExitOrders(context.Background(), "acct-1", []ExitOrderSpec{
		{SpreadType: "call_spread", LimitPrice: decimal.NewFromFloat(0.5)},
	})

	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Empty(t, results[0].OrderID)
}
