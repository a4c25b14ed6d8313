package positions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// stuckPendingGrace is how long a pending_entry Position's opening
// order must have sat Filled at the broker before
// ReconcileStuckPendingEntries acts on it — long enough that a
// same-tick race with the broker's own fill notification doesn't
// double-process the transition.
const stuckPendingGrace = 5 * time.Minute

// PendingReconciler resolves §4.8's "pending-order reconciliation"
// step: Positions stuck in pending_entry get checked against the
// broker's live-order list, then a single get_order fallback, so a
// terminal-but-uncancelled order doesn't leave a Position orphaned.
type PendingReconciler struct {
	store *store.Store
	log   *logrus.Entry
}

// NewPendingReconciler builds the pending-order half of C8.
func NewPendingReconciler(st *store.Store, log *logrus.Entry) *PendingReconciler {
	return &PendingReconciler{store: st, log: log}
}

var terminalNonFillStatuses = map[string]bool{
	"Cancelled": true,
	"Rejected":  true,
	"Expired":   true,
}

// Reconcile checks every pending_entry Position with an opening Trade
// against liveOrders; when absent, it falls back to a direct
// get_order(orderID) call via getOrder.
func (r *PendingReconciler) Reconcile(ctx context.Context, pending []*store.Position, liveOrders []broker.PlacedOrder, getOrder func(ctx context.Context, orderID string) (*broker.PlacedOrder, error)) SyncResult {
	result := SyncResult{}

	liveByID := make(map[string]broker.PlacedOrder, len(liveOrders))
	for _, o := range liveOrders {
		liveByID[o.ID] = o
	}

	for _, p := range pending {
		trade, err := r.store.GetTradeByBrokerOrderID(ctx, p.OpeningOrderID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("load opening trade for position %d: %v", p.ID, err))
			continue
		}
		if trade == nil {
			continue
		}

		var snapshot *broker.PlacedOrder
		if o, ok := liveByID[p.OpeningOrderID]; ok {
			snapshot = &o
		} else {
			o, err := getOrder(ctx, p.OpeningOrderID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("get_order %s for position %d: %v", p.OpeningOrderID, p.ID, err))
				continue
			}
			snapshot = o
		}
		if snapshot == nil {
			continue
		}

		if terminalNonFillStatuses[snapshot.Status] {
			if err := r.closeTerminal(ctx, p, snapshot.Status); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("close terminal pending position %d: %v", p.ID, err))
				continue
			}
			result.PositionsSynced++
			continue
		}

		if snapshot.Status == "Filled" {
			if err := r.markFilled(ctx, p, trade, snapshot); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("mark filled pending position %d: %v", p.ID, err))
				continue
			}
			result.PositionsSynced++
		}
	}

	return result
}

// ReconcileStuckPendingEntries implements SPEC_FULL.md §5's stuck-
// pending-entry detection: for every pending_entry Position whose
// opening OrderHistory row has been Filled at the broker for longer
// than stuckPendingGrace, transition it to open_full and backfill the
// Trade — proactively, off the locally cached order cache C5 already
// maintains, instead of waiting for Reconcile's live-orders-miss
// fallback above to catch it.
func (r *PendingReconciler) ReconcileStuckPendingEntries(ctx context.Context, pending []*store.Position) SyncResult {
	result := SyncResult{}
	now := time.Now()

	for _, p := range pending {
		if p.OpeningOrderID == "" {
			continue
		}

		oh, err := r.store.GetOrderHistory(ctx, p.OpeningOrderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("load opening order history for position %d: %v", p.ID, err))
			continue
		}
		if oh.Status != store.OrderFilled || oh.FilledAt == nil {
			continue
		}
		if now.Sub(*oh.FilledAt) < stuckPendingGrace {
			continue
		}

		trade, err := r.store.GetTradeByBrokerOrderID(ctx, p.OpeningOrderID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("load opening trade for position %d: %v", p.ID, err))
			continue
		}
		if trade == nil {
			continue
		}

		if err := r.markFilledFromHistory(ctx, p, trade, oh); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark stuck pending position %d filled: %v", p.ID, err))
			continue
		}
		result.PositionsSynced++
	}

	return result
}

func (r *PendingReconciler) markFilledFromHistory(ctx context.Context, p *store.Position, trade *store.Trade, oh *store.OrderHistory) error {
	var fillPrice *decimal.Decimal
	if oh.Price != nil {
		fillPrice = oh.Price
	}
	return r.transitionToOpenFull(ctx, p, trade, oh.FilledAt, fillPrice)
}

func (r *PendingReconciler) closeTerminal(ctx context.Context, p *store.Position, status string) error {
	return r.store.WithPositionLock(ctx, p.ID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		if cur.LifecycleState != store.PendingEntry {
			return nil, nil
		}
		now := time.Now()
		cur.LifecycleState = store.Closed
		cur.ClosedAt = &now
		cur.ClosureReason = "order_" + strings.ToLower(status)
		return cur, nil
	})
}

func (r *PendingReconciler) markFilled(ctx context.Context, p *store.Position, trade *store.Trade, snapshot *broker.PlacedOrder) error {
	return r.transitionToOpenFull(ctx, p, trade, snapshot.FilledAt, snapshot.Price)
}

// transitionToOpenFull moves a pending_entry Position to open_full and
// backfills its opening Trade's fill details, shared by both the
// live-broker path (markFilled) and the OrderHistory-driven stuck-
// pending-entry path (markFilledFromHistory).
func (r *PendingReconciler) transitionToOpenFull(ctx context.Context, p *store.Position, trade *store.Trade, filledAt *time.Time, fillPrice *decimal.Decimal) error {
	err := r.store.WithPositionLock(ctx, p.ID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		if cur.LifecycleState != store.PendingEntry {
			return nil, nil
		}
		cur.LifecycleState = store.OpenFull
		return cur, nil
	})
	if err != nil {
		return err
	}

	if filledAt == nil {
		now := time.Now()
		filledAt = &now
	}
	trade.FilledAt = filledAt
	trade.Status = store.TradeFilled
	if fillPrice != nil {
		trade.FillPrice = *fillPrice
	}
	return r.store.UpdateTrade(ctx, trade)
}
