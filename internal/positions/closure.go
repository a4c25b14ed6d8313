package positions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/money"
	"github.com/senextrader/lifecycle-engine/internal/occ"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// ClosureResult is process_closures' contract return shape.
type ClosureResult struct {
	PositionsClosed int
	Errors          []string
}

// Closer is C9: it detects Positions whose legs have all vanished from
// the broker's book, determines why, computes realised P&L, and — on
// assignment — spins off the resulting equity Position.
type Closer struct {
	store *store.Store
	log   *logrus.Entry
}

// NewCloser builds a C9 closure engine.
func NewCloser(st *store.Store, log *logrus.Entry) *Closer {
	return &Closer{store: st, log: log}
}

const (
	ReasonAssignment      = "assignment"
	ReasonExercise        = "exercise"
	ReasonProfitTarget    = "profit_target"
	ReasonManualClose     = "manual_close"
	ReasonExpiredWorthless = "expired_worthless"
	ReasonUnknown         = "unknown"
)

// Process implements process_closures(user, account): for every open
// Position none of whose declared legs remain in brokerSymbols, close
// it, classifying closure_reason and computing realised P&L from its
// transactions.
func (c *Closer) Process(ctx context.Context, candidates []*store.Position, brokerSymbols map[string]bool) ClosureResult {
	result := ClosureResult{}

	for _, p := range candidates {
		if positionStillAtBroker(p, brokerSymbols) {
			continue
		}

		if err := c.closeOne(ctx, p); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("close position %d: %v", p.ID, err))
			continue
		}
		result.PositionsClosed++
	}

	c.log.WithFields(logrus.Fields{"closed": result.PositionsClosed, "errors": len(result.Errors)}).Info("closure scan complete")

	return result
}

func positionStillAtBroker(p *store.Position, brokerSymbols map[string]bool) bool {
	for _, leg := range p.Metadata.Legs {
		if brokerSymbols[leg.Symbol] {
			return true
		}
	}
	return false
}

func (c *Closer) closeOne(ctx context.Context, p *store.Position) error {
	txns, err := c.store.ListTransactionsByRelatedPosition(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}

	return c.CloseWithReason(ctx, p, classifyClosureReason(p, txns), txns)
}

// CloseWithReason closes p with an already-determined reason — used
// directly by C9's scan, and by C8's broker-absent safety net (§4.8)
// which closes a Position with reason "closed_at_broker" without
// running the full leg-presence classification.
func (c *Closer) CloseWithReason(ctx context.Context, p *store.Position, reason string, txns []*store.Transaction) error {
	pnl := money.RealizedPositionPnL(toLines(txns))

	var assignedEquityID *int64
	if reason == ReasonAssignment {
		id, err := c.convertAssignmentToEquity(ctx, p, txns)
		if err != nil {
			c.log.WithField("position", p.ID).WithError(err).Warn("positions: assignment-to-equity conversion failed")
		} else {
			assignedEquityID = id
		}
	}

	return c.store.WithPositionLock(ctx, p.ID, func(_ context.Context, _ *sql.Tx, cur *store.Position) (*store.Position, error) {
		if cur.LifecycleState == store.Closed {
			return nil, nil
		}
		now := time.Now()
		cur.LifecycleState = store.Closed
		cur.ClosedAt = &now
		cur.ClosureReason = reason
		cur.TotalRealizedPnL = cur.TotalRealizedPnL.Add(pnl)
		cur.Quantity = 0
		cur.UnrealizedPnL = decimal.Zero
		if reason == ReasonAssignment {
			cur.AssignedAt = &now
			if assignedEquityID != nil {
				cur.Metadata.AssignedEquityID = *assignedEquityID
			}
		}
		return cur, nil
	})
}

// classifyClosureReason implements §4.9 step 2's decision order:
// assignment/exercise transactions take priority, then a closing
// transaction claimed by a profit-target order, then any other
// closing transaction, then expiration, else unknown.
func classifyClosureReason(p *store.Position, txns []*store.Transaction) string {
	sawAssignment := false
	sawExercise := false
	var closing []*store.Transaction

	for _, t := range txns {
		switch {
		case t.IsAssignment():
			sawAssignment = true
		case t.IsExercise():
			sawExercise = true
		case t.Action == "Sell to Close" || t.Action == "Buy to Close":
			closing = append(closing, t)
		}
	}

	if sawAssignment {
		return ReasonAssignment
	}
	if sawExercise {
		return ReasonExercise
	}

	targetOrderIDs := make(map[string]bool)
	for _, d := range p.ProfitTargetDetails {
		if d.OrderID != "" {
			targetOrderIDs[d.OrderID] = true
		}
	}
	for _, t := range closing {
		if targetOrderIDs[t.OrderID] {
			return ReasonProfitTarget
		}
	}
	if len(closing) > 0 {
		return ReasonManualClose
	}

	if p.Metadata.ExpirationDate != nil && !p.Metadata.ExpirationDate.After(time.Now()) {
		return ReasonExpiredWorthless
	}

	return ReasonUnknown
}

func toLines(txns []*store.Transaction) []money.TransactionLine {
	out := make([]money.TransactionLine, 0, len(txns))
	for _, t := range txns {
		out = append(out, money.TransactionLine{
			Action:       money.Action(t.Action),
			NetValue:     t.NetValue,
			IsAssignment: t.IsAssignment(),
			IsExercise:   t.IsExercise(),
		})
	}
	return out
}

// convertAssignmentToEquity implements §4.9 step 4: sum the shares
// acquired across every assignment transaction (+100 per contract for
// a put assignment, -100 for a call assignment) and, if the net is
// non-zero, create the resulting equity Position.
func (c *Closer) convertAssignmentToEquity(ctx context.Context, p *store.Position, txns []*store.Transaction) (*int64, error) {
	var netShares int64
	totalCost := decimal.Zero

	for _, t := range txns {
		if !t.IsAssignment() {
			continue
		}
		sym, err := occ.Decode(t.Symbol)
		if err != nil {
			continue
		}
		qty := t.Quantity
		if qty < 0 {
			qty = -qty
		}
		if sym.IsPut() {
			netShares += 100 * qty
		} else {
			netShares -= 100 * qty
		}
		totalCost = totalCost.Add(t.NetValue)
	}

	if netShares == 0 {
		return nil, nil
	}

	shares := decimal.NewFromInt(netShares).Abs()
	avgPrice := money.Round(totalCost.Abs().Div(shares))

	id, err := c.store.InsertPosition(ctx, &store.Position{
		User:           p.User,
		TradingAccount: p.TradingAccount,
		Symbol:         p.Symbol,
		InstrumentType: "Equity",
		StrategyType:   "stock_holding",
		LifecycleState: store.OpenFull,
		Quantity:       netShares,
		AvgPrice:       avgPrice,
		IsAppManaged:   false,
		OpenedAt:       time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("insert assigned equity position: %w", err)
	}
	return &id, nil
}
