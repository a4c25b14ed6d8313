package positions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/money"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// SyncResult is sync_positions' contract return shape.
type SyncResult struct {
	PositionsSynced int
	Errors          []string
}

// Syncer is C8: the two-tier algorithm that reconciles every local
// Position (app-managed and externally discovered alike) against the
// broker's current leg list.
type Syncer struct {
	store  *store.Store
	closer *Closer
	log    *logrus.Entry
}

// NewSyncer builds a C8 syncer. closer is reused for the broker-absent
// safety-net closure §4.8 requires after the two tiers run.
func NewSyncer(st *store.Store, closer *Closer, log *logrus.Entry) *Syncer {
	return &Syncer{store: st, closer: closer, log: log}
}

// Sync implements sync_positions(user, account, brokerLegs). managed
// is every local is_app_managed Position in an open state; Tier B
// always recomputes unmanaged Positions from brokerLegs directly. The
// broker-absent safety net is BrokerAbsentClosure, called separately.
func (s *Syncer) Sync(ctx context.Context, user, account string, managed []*store.Position, brokerLegs []broker.PositionLeg) SyncResult {
	result := SyncResult{}

	byOCC := make(map[string]broker.PositionLeg, len(brokerLegs))
	underlyings := make(map[string]bool, len(brokerLegs))
	for _, l := range brokerLegs {
		byOCC[l.Symbol] = l
		underlyings[l.UnderlyingSymbol] = true
	}

	openingIDs := make([]string, 0, len(managed))
	for _, p := range managed {
		if p.OpeningOrderID != "" {
			openingIDs = append(openingIDs, p.OpeningOrderID)
		}
	}
	openingOrders, err := s.store.BatchGetOrderHistory(ctx, openingIDs)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("batch load opening orders: %v", err))
		openingOrders = map[string]*store.OrderHistory{}
	}

	ptOrderIDs := make([]string, 0)
	for _, p := range managed {
		for _, d := range p.ProfitTargetDetails {
			if d.OrderID != "" {
				ptOrderIDs = append(ptOrderIDs, d.OrderID)
			}
		}
	}
	ptOrders, err := s.store.BatchGetOrderHistory(ctx, ptOrderIDs)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("batch load profit-target orders: %v", err))
		ptOrders = map[string]*store.OrderHistory{}
	}

	syncedSymbols := make(map[string]bool)
	for _, p := range managed {
		syncedSymbols[p.Symbol] = true
		if err := s.syncManaged(ctx, p, openingOrders[p.OpeningOrderID], ptOrders, byOCC); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sync managed position %d: %v", p.ID, err))
			continue
		}
		result.PositionsSynced++
	}

	tierB, err := s.syncUnmanaged(ctx, user, account, brokerLegs, syncedSymbols)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tier B sync: %v", err))
	}
	result.PositionsSynced += tierB

	s.log.WithFields(logrus.Fields{
		"account": account, "synced": result.PositionsSynced, "errors": len(result.Errors),
	}).Info("position sync complete")

	return result
}

// syncManaged implements Tier A, §4.8 steps 1-6 plus the step-6.5
// filled-profit-target reconciliation, all under one position lock so
// the recomputed legs/avg_price/unrealised P&L and any filled-target
// bookkeeping commit atomically.
func (s *Syncer) syncManaged(ctx context.Context, p *store.Position, opening *store.OrderHistory, ptOrders map[string]*store.OrderHistory, byOCC map[string]broker.PositionLeg) error {
	return s.store.WithPositionLock(ctx, p.ID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		if cur.LifecycleState != store.PendingEntry && cur.LifecycleState != store.OpenFull && cur.LifecycleState != store.OpenPartial {
			return nil, nil
		}

		filledQtyBySymbol := filledProfitTargetQuantities(cur, ptOrders)

		newLegs := make([]store.Leg, 0, len(cur.Metadata.Legs))
		unrealized := decimal.Zero
		for _, declared := range cur.Metadata.Legs {
			remaining := declared.Quantity - filledQtyBySymbol[declared.Symbol]
			if remaining <= 0 {
				continue
			}
			bl, ok := byOCC[declared.Symbol]
			if !ok {
				newLegs = append(newLegs, declared)
				continue
			}

			current := bl.ClosePrice
			if bl.MarkPrice != nil {
				current = *bl.MarkPrice
			} else if bl.ClosePrice.Equal(bl.AverageOpenPrice) {
				s.log.WithField("position", cur.ID).WithField("symbol", declared.Symbol).
					Warn("positions: close_price equals avg_price, possible stale market data")
			}

			direction := money.Short
			if bl.QuantityDirection == "long" {
				direction = money.Long
			}
			multiplier := bl.Multiplier
			if multiplier.IsZero() {
				multiplier = money.DefaultMultiplier
			}

			newLegs = append(newLegs, store.Leg{
				Symbol:           declared.Symbol,
				Quantity:         remaining,
				QuantityDir:      bl.QuantityDirection,
				AverageOpenPrice: bl.AverageOpenPrice,
				ClosePrice:       bl.ClosePrice,
				MarkPrice:        bl.MarkPrice,
				Multiplier:       multiplier,
				InstrumentType:   bl.InstrumentType,
			})

			unrealized = unrealized.Add(money.LegUnrealizedPnL(bl.AverageOpenPrice, current, remaining, direction, multiplier))
		}
		cur.Metadata.Legs = newLegs
		cur.UnrealizedPnL = unrealized

		if opening != nil && opening.Price != nil {
			cur.AvgPrice = *opening.Price
		}

		for spreadType, d := range cur.ProfitTargetDetails {
			if !d.OriginalCredit.IsZero() {
				continue
			}
			if opening != nil && opening.Price != nil {
				d.OriginalCredit = opening.Price.Abs()
				cur.ProfitTargetDetails[spreadType] = d
			}
		}

		reconcileFilledProfitTargets(cur, ptOrders, s.log)

		return cur, nil
	})
}

// filledProfitTargetQuantities sums, per leg symbol, how many
// contracts have already been closed out by a filled profit-target
// order, so step 4's remaining-quantity subtraction only counts legs
// still actually open at the broker.
func filledProfitTargetQuantities(p *store.Position, ptOrders map[string]*store.OrderHistory) map[string]int64 {
	out := make(map[string]int64)
	for _, d := range p.ProfitTargetDetails {
		if d.Status != store.TargetFilled || d.OrderID == "" {
			continue
		}
		oh, ok := ptOrders[d.OrderID]
		if !ok {
			continue
		}
		for _, leg := range oh.OrderData.Legs {
			out[leg.Symbol] += leg.Quantity
		}
	}
	return out
}

// reconcileFilledProfitTargets implements §4.8 step 7 / §4.10 step 6's
// filled-target bookkeeping inline, for targets C8 discovers are
// filled while it is already holding the position lock: the full
// scan-and-recreate pass still belongs to C10, run later in the
// pipeline, but a fill found here must not wait for that pass to be
// reflected in quantity/realised P&L.
func reconcileFilledProfitTargets(p *store.Position, ptOrders map[string]*store.OrderHistory, log *logrus.Entry) {
	for spreadType, d := range p.ProfitTargetDetails {
		if d.Status == store.TargetFilled || d.OrderID == "" {
			continue
		}
		oh, ok := ptOrders[d.OrderID]
		if !ok || oh.Status != store.OrderFilled {
			continue
		}

		fillPrice := d.OriginalCredit
		if oh.Price != nil {
			fillPrice = *oh.Price
		}

		d.Status = store.TargetFilled
		d.FillPrice = fillPrice
		d.FilledAt = oh.FilledAt
		d.RealizedPnL = money.ProfitTargetFillPnL(d.OriginalCredit, fillPrice)
		p.ProfitTargetDetails[spreadType] = d

		decrement := money.SpreadFillQuantity(spreadLegQuantity(p, spreadType))
		p.Quantity -= decrement
		p.TotalRealizedPnL = p.TotalRealizedPnL.Add(d.RealizedPnL)

		if p.Metadata.OriginalQuantity == nil {
			orig := p.Quantity + decrement
			p.Metadata.OriginalQuantity = &orig
		}

		if p.Quantity <= 0 {
			p.LifecycleState = store.Closed
		} else if p.Quantity < *p.Metadata.OriginalQuantity {
			p.LifecycleState = store.OpenPartial
		}

		log.WithField("position", p.ID).WithField("spread_type", spreadType).Info("positions: profit target filled")
	}
}

func spreadLegQuantity(p *store.Position, spreadType string) int64 {
	legs, ok := p.Metadata.SpreadLegs[spreadType]
	if !ok {
		return 0
	}
	return int64(len(legs))
}

// syncUnmanaged implements Tier B: broker legs grouped by underlying,
// for every underlying not already covered by Tier A, upserted into an
// unmanaged Position — updating the row a previous run already
// created for this underlying rather than inserting a duplicate, so
// repeated runs against unchanged broker state produce zero net writes
// (spec.md §8 P7).
func (s *Syncer) syncUnmanaged(ctx context.Context, user, account string, brokerLegs []broker.PositionLeg, skip map[string]bool) (int, error) {
	byUnderlying := make(map[string][]broker.PositionLeg)
	for _, l := range brokerLegs {
		if skip[l.UnderlyingSymbol] {
			continue
		}
		byUnderlying[l.UnderlyingSymbol] = append(byUnderlying[l.UnderlyingSymbol], l)
	}

	synced := 0
	for underlying, legs := range byUnderlying {
		spreadCount := minAbsQuantity(legs)
		netPrice := decimal.Zero
		for _, l := range legs {
			netPrice = netPrice.Add(l.AverageOpenPrice)
		}
		if len(legs) > 0 {
			netPrice = money.Round(netPrice.Div(decimal.NewFromInt(int64(len(legs)))))
		}

		metaLegs := make([]store.Leg, 0, len(legs))
		for _, l := range legs {
			metaLegs = append(metaLegs, store.Leg{
				Symbol:           l.Symbol,
				Quantity:         abs64(l.Quantity),
				QuantityDir:      l.QuantityDirection,
				AverageOpenPrice: l.AverageOpenPrice,
				ClosePrice:       l.ClosePrice,
				MarkPrice:        l.MarkPrice,
				Multiplier:       l.Multiplier,
				InstrumentType:   l.InstrumentType,
			})
		}

		existing, err := s.store.FindUnmanagedPositionByUnderlying(ctx, user, account, underlying)
		if err != nil {
			return synced, fmt.Errorf("find tier-B position for %s: %w", underlying, err)
		}

		if existing == nil {
			if _, err := s.store.InsertPosition(ctx, &store.Position{
				User: user, TradingAccount: account, Symbol: underlying,
				InstrumentType: legs[0].InstrumentType, StrategyType: "external",
				LifecycleState: store.OpenFull, Quantity: spreadCount, AvgPrice: netPrice,
				IsAppManaged: false, OpenedAt: time.Now(),
				Metadata: store.PositionMetadata{Legs: metaLegs},
			}); err != nil {
				return synced, fmt.Errorf("insert tier-B position for %s: %w", underlying, err)
			}
			synced++
			continue
		}

		err = s.store.WithPositionLock(ctx, existing.ID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
			cur.Quantity = spreadCount
			cur.AvgPrice = netPrice
			cur.InstrumentType = legs[0].InstrumentType
			cur.Metadata.Legs = metaLegs
			return cur, nil
		})
		if err != nil {
			return synced, fmt.Errorf("update tier-B position for %s: %w", underlying, err)
		}
		synced++
	}

	return synced, nil
}

func minAbsQuantity(legs []broker.PositionLeg) int64 {
	var min int64
	for i, l := range legs {
		q := abs64(l.Quantity)
		if i == 0 || q < min {
			min = q
		}
	}
	if min == 0 {
		min = 1
	}
	return min
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// BrokerAbsentClosure implements §4.8's safety net: any local Position
// in an open state whose symbol is not among the broker's current
// underlyings is closed with closure_reason="closed_at_broker". This
// runs after both tiers of Sync so it only fires on positions the
// broker truly no longer carries under any symbol, not ones Tier A/B
// just finished reconciling.
func (s *Syncer) BrokerAbsentClosure(ctx context.Context, openPositions []*store.Position, underlyings map[string]bool) ClosureResult {
	result := ClosureResult{}
	for _, p := range openPositions {
		if underlyings[p.Symbol] {
			continue
		}
		txns, err := s.store.ListTransactionsByRelatedPosition(ctx, p.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("load transactions for position %d: %v", p.ID, err))
			continue
		}
		if err := s.closer.CloseWithReason(ctx, p, "closed_at_broker", txns); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("close position %d: %v", p.ID, err))
			continue
		}
		result.PositionsClosed++
	}
	return result
}
