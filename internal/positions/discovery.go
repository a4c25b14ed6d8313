// Package positions implements C7 (Position Discovery), C8 (Position
// Sync) and C9 (Closure Engine): the three phases that keep the local
// Position table honest against whatever the broker actually holds.
package positions

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/money"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// DiscoveryResult is discover_positions' contract return shape.
type DiscoveryResult struct {
	PositionsDiscovered int
	Errors              []string
}

// Discoverer is C7: it turns broker-reported opening transactions with
// no matching local Position into new, externally-managed Positions.
type Discoverer struct {
	store *store.Store
	log   *logrus.Entry
}

// NewDiscoverer builds a C7 discoverer.
func NewDiscoverer(st *store.Store, log *logrus.Entry) *Discoverer {
	return &Discoverer{store: st, log: log}
}

const (
	actionSellToOpen = "Sell to Open"
	actionBuyToOpen  = "Buy to Open"
)

// Discover implements discover_positions(user, account): for every
// opening transaction whose order_id has no matching Position, create
// one, reconstructing its legs by grouping all transactions that share
// that order_id. Two positions with identical strikes but different
// order_ids are distinct — spec.md's isolation invariant.
func (d *Discoverer) Discover(ctx context.Context, user, account string, openingTxns []*store.Transaction) DiscoveryResult {
	result := DiscoveryResult{}

	byOrder := groupByOrderID(openingTxns)
	orderIDs := make([]string, 0, len(byOrder))
	for id := range byOrder {
		orderIDs = append(orderIDs, id)
	}
	sort.Strings(orderIDs)

	for _, orderID := range orderIDs {
		lines := byOrder[orderID]
		existing, err := d.store.FindPositionByOpeningOrderID(ctx, account, orderID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("check opening order %s: %v", orderID, err))
			continue
		}
		if existing != nil {
			continue
		}

		p, err := buildDiscoveredPosition(user, account, orderID, lines)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("build position for order %s: %v", orderID, err))
			continue
		}

		if _, err := d.store.InsertPosition(ctx, p); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("insert discovered position for order %s: %v", orderID, err))
			continue
		}
		result.PositionsDiscovered++
	}

	d.log.WithFields(logrus.Fields{
		"account": account, "discovered": result.PositionsDiscovered, "errors": len(result.Errors),
	}).Info("position discovery complete")

	return result
}

func groupByOrderID(txns []*store.Transaction) map[string][]*store.Transaction {
	out := make(map[string][]*store.Transaction)
	for _, t := range txns {
		if t.Action != actionSellToOpen && t.Action != actionBuyToOpen {
			continue
		}
		if t.OrderID == "" {
			continue
		}
		out[t.OrderID] = append(out[t.OrderID], t)
	}
	return out
}

func buildDiscoveredPosition(user, account, orderID string, lines []*store.Transaction) (*store.Position, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("no opening transactions for order %s", orderID)
	}

	first := lines[0]
	strategyType := "external"
	instrumentType := first.InstrumentType
	if len(lines) == 1 && instrumentType == "Equity" {
		strategyType = "stock_holding"
	}

	legs := make([]store.Leg, 0, len(lines))
	for _, t := range lines {
		leg := store.Leg{
			Symbol:         t.Symbol,
			Quantity:       t.Quantity,
			Action:         t.Action,
			Multiplier:     money.DefaultMultiplier,
			InstrumentType: t.InstrumentType,
		}
		if t.Action == actionSellToOpen {
			leg.QuantityDir = "short"
		} else {
			leg.QuantityDir = "long"
		}
		legs = append(legs, leg)
	}

	return &store.Position{
		User:             user,
		TradingAccount:   account,
		Symbol:           first.UnderlyingSymbol,
		InstrumentType:   instrumentType,
		StrategyType:     strategyType,
		LifecycleState:   store.OpenFull,
		Quantity:         legQuantity(lines),
		IsAppManaged:     false,
		OpeningOrderID:   orderID,
		OpenedAt:         first.ExecutedAt,
		Metadata:         store.PositionMetadata{Legs: legs},
	}, nil
}

func legQuantity(lines []*store.Transaction) int64 {
	var q int64
	for _, t := range lines {
		if t.Quantity > q {
			q = t.Quantity
		}
	}
	if q == 0 {
		q = 1
	}
	return q
}
