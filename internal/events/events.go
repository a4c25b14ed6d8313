// Package events implements C11, the Order Event Processor: the
// single entry point for one broker push event carrying a PlacedOrder
// snapshot. Processing is single-threaded per user — spec.md §5's
// per-user serialisation is the caller's (C12/the push dispatcher's)
// responsibility; this package assumes it already holds that slot.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/execution"
	"github.com/senextrader/lifecycle-engine/internal/money"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// Outcome reports what ProcessEvent did, for the caller's logging.
type Outcome struct {
	Handled      bool
	PositionID   int64
	TransitionTo store.LifecycleState
	ProfitTarget bool
	// SyncNeeded signals the caller should trigger a Position Sync (C8)
	// to populate legs and avg_price now that the opening order filled.
	SyncNeeded bool
}

// Processor is C11.
type Processor struct {
	store   *store.Store
	planner execution.Planner
	collab  execution.Collaborator
	log     *logrus.Entry
}

// NewProcessor builds a C11 event processor.
func NewProcessor(st *store.Store, planner execution.Planner, collab execution.Collaborator, log *logrus.Entry) *Processor {
	return &Processor{store: st, planner: planner, collab: collab, log: log}
}

// ProcessEvent implements step 1's dispatch: look up the local Trade
// by broker_order_id; if none exists, check whether the order_id is
// claimed by any Position's profit_target_details and route to the
// profit-target fill path, else ignore the event entirely.
func (p *Processor) ProcessEvent(ctx context.Context, user, account string, order broker.PlacedOrder) (Outcome, error) {
	trade, err := p.store.GetTradeByBrokerOrderID(ctx, order.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("events: lookup trade for order %s: %w", order.ID, err)
	}

	if trade == nil {
		positionID, spreadType, found, err := p.findProfitTargetClaim(ctx, user, order.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("events: find profit-target claim for order %s: %w", order.ID, err)
		}
		if !found {
			return Outcome{}, nil
		}
		return p.processProfitTargetFill(ctx, account, positionID, spreadType, order)
	}

	return p.processTradeEvent(ctx, account, trade, order)
}

func (p *Processor) findProfitTargetClaim(ctx context.Context, user, orderID string) (positionID int64, spreadType string, found bool, err error) {
	positions, err := p.store.ListPositionsByState(ctx, user, []store.LifecycleState{
		store.PendingEntry, store.OpenFull, store.OpenPartial, store.Closing,
	})
	if err != nil {
		return 0, "", false, err
	}
	for _, pos := range positions {
		for st, d := range pos.ProfitTargetDetails {
			if d.OrderID == orderID {
				return pos.ID, st, true, nil
			}
		}
	}
	return 0, "", false, nil
}

// processTradeEvent implements step 2 (non-profit-target path) and
// step 3: the Position's consequences of the new status are computed and
// saved under one lock, and the Trade is saved by UpdateTrade after that
// lock commits. A retried delivery of a status the Trade already has is
// a no-op rather than a double-apply.
func (p *Processor) processTradeEvent(ctx context.Context, account string, trade *store.Trade, order broker.PlacedOrder) (Outcome, error) {
	newStatus := tradeStatusFor(order.Status)
	if newStatus == trade.Status {
		return Outcome{}, nil
	}

	outcome := Outcome{Handled: true, PositionID: trade.Position}
	var triggerCreate bool

	err := p.store.WithPositionLock(ctx, trade.Position, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		trade.Status = newStatus

		switch {
		case newStatus == store.TradeFilled:
			filledAt := order.FilledAt
			if filledAt == nil {
				now := time.Now()
				filledAt = &now
			}
			trade.FilledAt = filledAt
			trade.FillPrice = fillPriceFor(order)

			if trade.TradeType == store.TradeOpen && cur.LifecycleState == store.PendingEntry {
				cur.LifecycleState = store.OpenFull
				outcome.TransitionTo = store.OpenFull
				outcome.SyncNeeded = true
				if len(trade.ChildOrderIDs) == 0 && cur.IsAppManaged {
					triggerCreate = true
				}
			}

		case newStatus == store.TradeCancelled || newStatus == store.TradeRejected:
			if cur.LifecycleState == store.PendingEntry {
				now := time.Now()
				cur.LifecycleState = store.Closed
				cur.ClosedAt = &now
				cur.ClosureReason = "order_" + string(newStatus)
				outcome.TransitionTo = store.Closed
			}
		}

		return cur, nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("events: apply trade event for position %d: %w", trade.Position, err)
	}
	if err := p.store.UpdateTrade(ctx, trade); err != nil {
		return Outcome{}, fmt.Errorf("events: save trade %d: %w", trade.ID, err)
	}

	if triggerCreate {
		if err := p.createProfitTargets(ctx, account, trade); err != nil {
			return outcome, fmt.Errorf("events: create profit targets for position %d: %w", trade.Position, err)
		}
	}

	return outcome, nil
}

// createProfitTargets implements step 5: on an app-managed position's
// opening fill, consult the strategy layer for exit specs and place
// them, recording the returned order_ids on both the Position and the
// opening Trade.
func (p *Processor) createProfitTargets(ctx context.Context, account string, openingTrade *store.Trade) error {
	fresh, err := p.store.GetPosition(ctx, openingTrade.Position)
	if err != nil {
		return fmt.Errorf("reload position: %w", err)
	}

	spreadTypes := make([]string, 0, len(fresh.Metadata.SpreadLegs))
	for st := range fresh.Metadata.SpreadLegs {
		spreadTypes = append(spreadTypes, st)
	}
	if len(spreadTypes) == 0 {
		return nil
	}

	specs, err := p.planner.Plan(fresh, spreadTypes)
	if err != nil {
		return fmt.Errorf("plan profit targets: %w", err)
	}

	placed := p.collab.PlaceExitOrders(ctx, account, specs)
	childIDs := make([]string, 0, len(placed))

	err = p.store.WithPositionLock(ctx, fresh.ID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		if cur.ProfitTargetDetails == nil {
			cur.ProfitTargetDetails = map[string]store.ProfitTargetDetail{}
		}
		for _, pl := range placed {
			if pl.Err != nil {
				p.log.WithField("position", cur.ID).WithField("spread_type", pl.SpreadType).
					WithError(pl.Err).Warn("events: profit-target placement failed")
				continue
			}
			d := cur.ProfitTargetDetails[pl.SpreadType]
			d.OrderID = pl.OrderID
			now := time.Now()
			d.SubmittedAt = &now
			cur.ProfitTargetDetails[pl.SpreadType] = d
			childIDs = append(childIDs, pl.OrderID)
		}
		cur.ProfitTargetsCreated = true
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("save profit-target order ids: %w", err)
	}

	openingTrade.ChildOrderIDs = childIDs
	return p.store.UpdateTrade(ctx, openingTrade)
}

// processProfitTargetFill implements step 4: a fill on an order this
// Position's profit_target_details already claims. Extracts fill data,
// applies it under lock, and records a closing Trade with
// lifecycle_event="profit_target_fill" — never touching sibling
// targets, which close independently.
func (p *Processor) processProfitTargetFill(ctx context.Context, account string, positionID int64, spreadType string, order broker.PlacedOrder) (Outcome, error) {
	if order.Status != "Filled" {
		return Outcome{}, nil
	}

	outcome := Outcome{Handled: true, PositionID: positionID, ProfitTarget: true}
	var realizedPnL decimal.Decimal
	var newLifecycle store.LifecycleState

	err := p.store.WithPositionLock(ctx, positionID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		d, ok := cur.ProfitTargetDetails[spreadType]
		if !ok || d.Status == store.TargetFilled {
			return nil, nil
		}

		fillPrice := fillPriceFor(order)
		filledAt := order.FilledAt
		if filledAt == nil {
			now := time.Now()
			filledAt = &now
		}

		d.Status = store.TargetFilled
		d.FillPrice = fillPrice
		d.FilledAt = filledAt
		d.RealizedPnL = money.ProfitTargetFillPnL(d.OriginalCredit, fillPrice)
		cur.ProfitTargetDetails[spreadType] = d
		realizedPnL = d.RealizedPnL

		decrement := money.SpreadFillQuantity(int64(len(cur.Metadata.SpreadLegs[spreadType])))
		if decrement == 0 {
			decrement = 1
		}
		cur.Quantity -= decrement
		cur.TotalRealizedPnL = cur.TotalRealizedPnL.Add(d.RealizedPnL)

		if cur.Metadata.OriginalQuantity == nil {
			orig := cur.Quantity + decrement
			cur.Metadata.OriginalQuantity = &orig
		}

		if cur.Quantity <= 0 {
			now := time.Now()
			cur.LifecycleState = store.Closed
			cur.ClosedAt = &now
		} else if cur.Quantity < *cur.Metadata.OriginalQuantity {
			cur.LifecycleState = store.OpenPartial
		}
		newLifecycle = cur.LifecycleState
		outcome.TransitionTo = newLifecycle

		return cur, nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("events: apply profit-target fill for position %d: %w", positionID, err)
	}

	_, err = p.store.InsertTrade(ctx, &store.Trade{
		Position:       positionID,
		TradingAccount: account,
		BrokerOrderID:  order.ID,
		TradeType:      store.TradeClose,
		Status:         store.TradeFilled,
		FillPrice:      fillPriceFor(order),
		FilledAt:       order.FilledAt,
		LifecycleEvent: "profit_target_fill",
		RealizedPnL:    realizedPnL,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("events: record profit-target close trade for position %d: %w", positionID, err)
	}

	return outcome, nil
}

func tradeStatusFor(orderStatus string) store.TradeStatus {
	switch orderStatus {
	case "Filled":
		return store.TradeFilled
	case "Cancelled":
		return store.TradeCancelled
	case "Rejected":
		return store.TradeRejected
	case "Live", "Received", "Routed", "In Flight":
		return store.TradeLive
	default:
		return store.TradeWorking
	}
}

func fillPriceFor(order broker.PlacedOrder) decimal.Decimal {
	if order.Price != nil {
		return *order.Price
	}
	if fp := money.FillPrice(toLegFills(order.Legs)); fp != nil {
		return *fp
	}
	return decimal.Zero
}

func toLegFills(legs []broker.Leg) []money.LegFill {
	out := make([]money.LegFill, 0, len(legs))
	for _, l := range legs {
		lf := money.LegFill{Action: money.Action(l.Action)}
		for _, f := range l.Fills {
			lf.Fills = append(lf.Fills, money.Fill{Quantity: f.Quantity, FillPrice: f.FillPrice})
		}
		out = append(out, lf)
	}
	return out
}
