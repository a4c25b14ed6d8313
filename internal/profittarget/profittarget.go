// Package profittarget implements C10, the Profit-Target Reconciler:
// the hardest and most defensive phase of the pipeline. Its job is to
// guarantee that every still-open spread of every app-managed Position
// has exactly one live exit order at the broker — recreating one that
// vanished, adopting one that was placed out of band, and processing
// one that filled without C8/C11 having caught it first.
package profittarget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/execution"
	"github.com/senextrader/lifecycle-engine/internal/money"
	"github.com/senextrader/lifecycle-engine/internal/occ"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// Result is fix_profit_targets' contract return shape.
type Result struct {
	PositionsProcessed int
	TargetsAdopted      int
	TargetsFilled       int
	TargetsCreated       int
	Errors               []string
}

// Reconciler is C10.
type Reconciler struct {
	store    *store.Store
	broker   broker.Broker
	planner  execution.Planner
	collab   execution.Collaborator
	log      *logrus.Entry
}

// orphanSearchWindow is the ±5 minute tolerance spec.md §4.10 step 4
// allows between a Position's opened_at and a candidate orphaned
// order's received_at.
const orphanSearchWindow = 5 * time.Minute

// NewReconciler builds C10. planner resolves spread_type -> exit
// order specs (the strategy layer's get_profit_target_specifications);
// collab places them at the broker.
func NewReconciler(st *store.Store, brk broker.Broker, planner execution.Planner, collab execution.Collaborator, log *logrus.Entry) *Reconciler {
	return &Reconciler{store: st, broker: brk, planner: planner, collab: collab, log: log}
}

// expectedSpreadTypesFor implements the expected-spread table.
func expectedSpreadTypesFor(strategyType string) []string {
	switch strategyType {
	case "senex_trident":
		return []string{"put_spread_1", "put_spread_2", "call_spread"}
	case "short_iron_condor", "long_iron_condor", "iron_condor":
		return []string{"put_spread", "call_spread"}
	case "short_put_vertical", "short_call_vertical", "long_call_vertical", "long_put_vertical":
		return []string{"spread"}
	case "cash_secured_put", "covered_call":
		return []string{"single_leg"}
	default:
		return nil
	}
}

// Reconcile runs the per-position algorithm over candidates, which
// must already be filtered to app-managed Positions in an open
// lifecycle state for account.
func (r *Reconciler) Reconcile(ctx context.Context, account string, candidates []*store.Position) Result {
	result := Result{}

	for _, p := range candidates {
		processed, err := r.processPosition(ctx, account, p, &result)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("position %d: %v", p.ID, err))
			continue
		}
		if processed {
			result.PositionsProcessed++
		}
	}

	r.log.WithFields(logrus.Fields{
		"processed": result.PositionsProcessed, "adopted": result.TargetsAdopted,
		"filled": result.TargetsFilled, "created": result.TargetsCreated, "errors": len(result.Errors),
	}).Info("profit target reconciliation complete")

	return result
}

func (r *Reconciler) processPosition(ctx context.Context, account string, p *store.Position, result *Result) (bool, error) {
	fresh, err := r.store.GetPosition(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("reload position: %w", err)
	}
	if fresh.LifecycleState != store.OpenFull && fresh.LifecycleState != store.OpenPartial {
		return false, nil
	}

	expected := expectedSpreadTypesFor(fresh.StrategyType)
	if len(expected) == 0 {
		return false, nil
	}

	if _, owned := fresh.Metadata.DTEAutomation["last_processed_dte"]; owned {
		return false, nil
	}

	open := openSpreadTypes(fresh, expected)

	var toProcess []string
	var toRecreate []string
	adoptions := make(map[string]string)

	for _, spreadType := range open {
		detail, exists := fresh.ProfitTargetDetails[spreadType]

		if exists && detail.SkipRecreation {
			continue
		}
		if exists && detail.OrderID == "" && fresh.ProfitTargetsCreated {
			r.log.WithField("position", fresh.ID).WithField("spread_type", spreadType).
				Warn("profittarget: target has no order_id but profit_targets_created is set, needs manual review")
			continue
		}

		if exists && detail.OrderID != "" {
			snapshot, err := r.broker.GetOrder(ctx, account, detail.OrderID)
			switch {
			case err != nil:
				toRecreate = append(toRecreate, spreadType)
			case snapshot.Status == "Live" || snapshot.Status == "Received" || snapshot.Status == "Queued":
				// valid, nothing to do
			case snapshot.Status == "Filled":
				toProcess = append(toProcess, spreadType)
			default:
				toRecreate = append(toRecreate, spreadType)
			}
			continue
		}

		// No existing detail at all: needs either adoption or creation.
		orderID, found, err := r.findOrphanedLiveOrder(ctx, fresh, spreadType)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("position %d: orphan search for %s: %v", fresh.ID, spreadType, err))
		}
		if found {
			adoptions[spreadType] = orderID
			continue
		}
		toRecreate = append(toRecreate, spreadType)
	}

	if len(adoptions) > 0 || len(toProcess) > 0 {
		if err := r.applyAdoptionsAndFills(ctx, account, fresh.ID, adoptions, toProcess, result); err != nil {
			return false, fmt.Errorf("apply adoptions/fills: %w", err)
		}
	}

	if len(toRecreate) > 0 {
		if err := r.recreate(ctx, account, fresh.ID, toRecreate, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("position %d: recreate: %v", fresh.ID, err))
		}
	}

	return true, nil
}

// openSpreadTypes implements step 2: which expected spreads still have
// legs at the broker. metadata.spread_legs is authoritative when
// present; otherwise infer from short/long put and call pair counts.
func openSpreadTypes(p *store.Position, expected []string) []string {
	if len(p.Metadata.SpreadLegs) > 0 {
		var open []string
		for _, st := range expected {
			legs, ok := p.Metadata.SpreadLegs[st]
			if !ok || len(legs) == 0 {
				continue
			}
			if anyLegStillPresent(p, legs) {
				open = append(open, st)
			}
		}
		return open
	}

	callPairs, putPairs := countPairs(p.Metadata.Legs)
	var open []string
	for _, st := range expected {
		switch st {
		case "call_spread":
			if callPairs >= 1 {
				open = append(open, st)
			}
		case "put_spread_1":
			if putPairs >= 1 {
				open = append(open, st)
			}
		case "put_spread_2":
			if putPairs >= 2 {
				open = append(open, st)
			}
		case "spread", "single_leg":
			if len(p.Metadata.Legs) > 0 {
				open = append(open, st)
			}
		}
	}
	return open
}

func anyLegStillPresent(p *store.Position, symbols []string) bool {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	for _, leg := range p.Metadata.Legs {
		if want[leg.Symbol] {
			return true
		}
	}
	return false
}

// countPairs counts short/long option pairs per right, a rough proxy
// for "an unclosed vertical spread of this type remains" when no
// explicit spread_legs map was recorded.
func countPairs(legs []store.Leg) (callPairs, putPairs int) {
	var shortCalls, longCalls, shortPuts, longPuts int
	for _, leg := range legs {
		sym, err := occ.Decode(leg.Symbol)
		if err != nil {
			continue
		}
		switch {
		case sym.IsCall() && leg.QuantityDir == "short":
			shortCalls++
		case sym.IsCall():
			longCalls++
		case sym.IsPut() && leg.QuantityDir == "short":
			shortPuts++
		case sym.IsPut():
			longPuts++
		}
	}
	if shortCalls < longCalls {
		callPairs = shortCalls
	} else {
		callPairs = longCalls
	}
	if shortPuts < longPuts {
		putPairs = shortPuts
	} else {
		putPairs = longPuts
	}
	return callPairs, putPairs
}

// findOrphanedLiveOrder implements step 4: search cached order history
// for a live order at the broker matching this spread's expected legs,
// received within the tolerance window, not already claimed by any
// other Position.
func (r *Reconciler) findOrphanedLiveOrder(ctx context.Context, p *store.Position, spreadType string) (string, bool, error) {
	legSymbols := p.Metadata.SpreadLegs[spreadType]
	if len(legSymbols) == 0 {
		return "", false, nil
	}

	candidates, err := r.store.ListLiveOrderHistoryByUnderlying(ctx, p.Symbol,
		p.OpenedAt.Add(-orphanSearchWindow), p.OpenedAt.Add(orphanSearchWindow))
	if err != nil {
		return "", false, err
	}

	want := make(map[string]bool, len(legSymbols))
	for _, s := range legSymbols {
		want[s] = true
	}

	for _, oh := range candidates {
		if len(oh.OrderData.Legs) != len(want) {
			continue
		}
		matches := true
		for _, leg := range oh.OrderData.Legs {
			if !want[leg.Symbol] {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		claimed, err := r.orderClaimedByAnotherPosition(ctx, p.User, p.ID, oh.BrokerOrderID)
		if err != nil {
			return "", false, err
		}
		if claimed {
			continue
		}
		return oh.BrokerOrderID, true, nil
	}
	return "", false, nil
}

func (r *Reconciler) orderClaimedByAnotherPosition(ctx context.Context, user string, excludeID int64, orderID string) (bool, error) {
	all, err := r.store.ListPositionsByState(ctx, user, []store.LifecycleState{
		store.PendingEntry, store.OpenFull, store.OpenPartial, store.Closing,
	})
	if err != nil {
		return false, err
	}
	for _, other := range all {
		if other.ID == excludeID {
			continue
		}
		for _, d := range other.ProfitTargetDetails {
			if d.OrderID == orderID {
				return true, nil
			}
		}
	}
	return false, nil
}

// applyAdoptionsAndFills implements steps 4 and 6 atomically under one
// position lock: adopted order_ids are recorded, and any spread found
// filled in step 3 is processed — status, fill bookkeeping, quantity
// decrement, realised P&L, and lifecycle transition.
func (r *Reconciler) applyAdoptionsAndFills(ctx context.Context, account string, positionID int64, adoptions map[string]string, filled []string, result *Result) error {
	filledOrders := make(map[string]*broker.PlacedOrder, len(filled))

	return r.store.WithPositionLock(ctx, positionID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		for spreadType, orderID := range adoptions {
			d := cur.ProfitTargetDetails[spreadType]
			d.OrderID = orderID
			if cur.ProfitTargetDetails == nil {
				cur.ProfitTargetDetails = map[string]store.ProfitTargetDetail{}
			}
			cur.ProfitTargetDetails[spreadType] = d
			result.TargetsAdopted++
		}

		for _, spreadType := range filled {
			d, ok := cur.ProfitTargetDetails[spreadType]
			if !ok || d.Status == store.TargetFilled || d.OrderID == "" {
				continue
			}
			snapshot, err := r.fetchFilledSnapshot(ctx, account, d.OrderID, filledOrders)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("position %d: refetch filled order %s: %v", cur.ID, d.OrderID, err))
				continue
			}

			fillPrice := d.OriginalCredit
			if snapshot != nil && snapshot.Price != nil {
				fillPrice = *snapshot.Price
			}

			d.Status = store.TargetFilled
			d.FillPrice = fillPrice
			if snapshot != nil {
				d.FilledAt = snapshot.FilledAt
			}
			d.RealizedPnL = money.ProfitTargetFillPnL(d.OriginalCredit, fillPrice)
			cur.ProfitTargetDetails[spreadType] = d

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

			result.TargetsFilled++
		}

		return cur, nil
	})
}

func (r *Reconciler) fetchFilledSnapshot(ctx context.Context, account, orderID string, cache map[string]*broker.PlacedOrder) (*broker.PlacedOrder, error) {
	if o, ok := cache[orderID]; ok {
		return o, nil
	}
	o, err := r.broker.GetOrder(ctx, account, orderID)
	if err != nil {
		return nil, err
	}
	cache[orderID] = o
	return o, nil
}

// recreate implements step 7: call the execution collaborator outside
// any lock, then record whatever succeeded under a short lock. A
// partial failure across spreadTypes is recorded in result.Errors but
// does not block the spreadTypes that did place.
func (r *Reconciler) recreate(ctx context.Context, account string, positionID int64, spreadTypes []string, result *Result) error {
	fresh, err := r.store.GetPosition(ctx, positionID)
	if err != nil {
		return fmt.Errorf("reload for recreate: %w", err)
	}

	specs, err := r.planner.Plan(fresh, spreadTypes)
	if err != nil {
		return fmt.Errorf("plan exit orders: %w", err)
	}
	if len(specs) == 0 {
		return nil
	}

	placed := r.collab.PlaceExitOrders(ctx, account, specs)

	return r.store.WithPositionLock(ctx, positionID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		if cur.ProfitTargetDetails == nil {
			cur.ProfitTargetDetails = map[string]store.ProfitTargetDetail{}
		}
		anySucceeded := false
		for _, pl := range placed {
			if pl.Err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("position %d: place %s: %v", cur.ID, pl.SpreadType, pl.Err))
				continue
			}
			d := cur.ProfitTargetDetails[pl.SpreadType]
			d.OrderID = pl.OrderID
			now := time.Now()
			d.SubmittedAt = &now
			cur.ProfitTargetDetails[pl.SpreadType] = d
			result.TargetsCreated++
			anySucceeded = true
		}
		if anySucceeded {
			cur.ProfitTargetsCreated = true
		}
		return cur, nil
	})
}
