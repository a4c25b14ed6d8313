// Package execution is the Order Execution collaborator port: the
// boundary named but deliberately left external by spec.md (the
// strategy layer that decides profit-target percentages and spread
// shapes lives outside this core). C10 and C11 call it to place exit
// orders; adopting an existing orphaned order is done in C10 itself.
package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/retry"
)

// ExitOrderSpec is one profit-target exit order to place, already
// resolved to concrete legs and a limit price by the strategy layer
// (get_profit_target_specifications in spec.md §4.11 step 5).
type ExitOrderSpec struct {
	SpreadType  string
	Legs        []broker.OrderLegSpec
	LimitPrice  decimal.Decimal
	PriceEffect string
}

// PlacedExit is what the collaborator reports back for one spec.
type PlacedExit struct {
	SpreadType string
	OrderID    string
	Status     string
	Err        error
}

// Collaborator is the port C10/C11 depend on. A production
// implementation forwards to the brokerage; tests substitute a fake.
type Collaborator interface {
	PlaceExitOrders(ctx context.Context, account string, specs []ExitOrderSpec) []PlacedExit
}

// BrokerCollaborator implements Collaborator against a live Broker,
// retrying transient placement failures the same way C5/C6 retry their
// reads — each spec gets its own retry budget so one bad leg doesn't
// block the rest of the batch.
type BrokerCollaborator struct {
	broker broker.Broker
	retry  *retry.Client
	log    *logrus.Entry
}

// NewBrokerCollaborator builds a Collaborator backed by brk.
func NewBrokerCollaborator(brk broker.Broker, retryClient *retry.Client, log *logrus.Entry) *BrokerCollaborator {
	return &BrokerCollaborator{broker: brk, retry: retryClient, log: log}
}

// PlaceExitOrders places each spec independently, so a partial failure
// (spec.md §4.10 step 7) leaves the rest of the batch unaffected.
func (b *BrokerCollaborator) PlaceExitOrders(ctx context.Context, account string, specs []ExitOrderSpec) []PlacedExit {
	results := make([]PlacedExit, 0, len(specs))

	for _, spec := range specs {
		var orderID, status string
		clientOrderID := retry.ClientOrderID("exit", 0, spec.SpreadType)
		err := b.retry.Do(ctx, fmt.Sprintf("place_exit_order[%s]", spec.SpreadType), func(ctx context.Context) error {
			id, st, err := b.broker.PlaceOrder(ctx, account, broker.OrderSpec{
				ClientOrderID: clientOrderID,
				OrderType:     "Limit",
				TimeInForce:   "GTC",
				Price:         spec.LimitPrice,
				PriceEffect:   spec.PriceEffect,
				Legs:          spec.Legs,
			})
			if err != nil {
				return err
			}
			orderID, status = id, st
			return nil
		})
		if err != nil {
			b.log.WithField("spread_type", spec.SpreadType).WithError(err).Warn("execution: place exit order failed")
			results = append(results, PlacedExit{SpreadType: spec.SpreadType, Err: err})
			continue
		}
		results = append(results, PlacedExit{SpreadType: spec.SpreadType, OrderID: orderID, Status: status})
	}

	return results
}
