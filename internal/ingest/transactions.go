package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// TransactionImportResult is import_transactions' contract return shape.
type TransactionImportResult struct {
	TransactionsSynced int
	NewTransactions    int
	UpdatedTransactions int
	Errors             []string
}

// TransactionLinkResult is link_transactions_to_positions' contract
// return shape.
type TransactionLinkResult struct {
	Linked     int
	Unresolved int
	Errors     []string
}

// TransactionSyncer is C6: it imports broker transactions into the
// store and links each to the Position it belongs to.
type TransactionSyncer struct {
	store  *store.Store
	broker broker.Broker
	log    *logrus.Entry
}

// NewTransactionSyncer builds a C6 ingestor.
func NewTransactionSyncer(st *store.Store, brk broker.Broker, log *logrus.Entry) *TransactionSyncer {
	return &TransactionSyncer{store: st, broker: brk, log: log}
}

// allStates lists every LifecycleState, used when a linking pass needs
// to consider both open and already-closed positions (a roll/close
// transaction can arrive after the Position it belongs to closed).
var allStates = []store.LifecycleState{
	store.PendingEntry, store.OpenFull, store.OpenPartial,
	store.Closing, store.Closed, store.Rolled, store.Adjusted, store.Expired,
}

// ImportTransactions implements import_transactions(user, account,
// start_date): upsert each broker transaction by transaction_id.
func (s *TransactionSyncer) ImportTransactions(ctx context.Context, user, account string, txns []broker.Transaction) TransactionImportResult {
	result := TransactionImportResult{}

	for _, txn := range txns {
		t := &store.Transaction{
			TransactionID:      txn.ID,
			OrderID:            txn.OrderID,
			TransactionType:    txn.TransactionType,
			TransactionSubType: txn.TransactionSubType,
			Action:             txn.Action,
			Value:              txn.Value,
			NetValue:           txn.NetValue,
			Commission:         txn.Commission,
			ClearingFees:       txn.ClearingFees,
			RegulatoryFees:     txn.RegulatoryFees,
			Symbol:             txn.Symbol,
			UnderlyingSymbol:   txn.UnderlyingSymbol,
			InstrumentType:     txn.InstrumentType,
			Quantity:           txn.Quantity,
			Price:              txn.Price,
			ExecutedAt:         txn.ExecutedAt,
		}

		created, err := s.store.UpsertTransaction(ctx, t)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("upsert transaction %s: %v", txn.ID, err))
			continue
		}
		result.TransactionsSynced++
		if created {
			result.NewTransactions++
			if err := s.accumulateOrderChainFees(ctx, t); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("accumulate order chain fees for %s: %v", txn.ID, err))
			}
		} else {
			result.UpdatedTransactions++
		}
	}

	s.log.WithFields(logrus.Fields{
		"account": account, "synced": result.TransactionsSynced,
		"new": result.NewTransactions, "updated": result.UpdatedTransactions, "errors": len(result.Errors),
	}).Info("transaction import complete")

	return result
}

// accumulateOrderChainFees implements SPEC_FULL.md §5's commission/fee
// aggregation: each transaction's commission and clearing/regulatory
// fees are folded into the OrderChain for its underlying, once, at the
// moment the transaction is first ingested. Gating on "newly created"
// (rather than every upsert) is what keeps re-running the same import
// a zero-net-write no-op per spec.md §8 P7 — an already-seen
// transaction was already folded in on the run that first cached it.
func (s *TransactionSyncer) accumulateOrderChainFees(ctx context.Context, t *store.Transaction) error {
	if t.UnderlyingSymbol == "" {
		return nil
	}
	return s.store.UpsertOrderChain(ctx, t.UnderlyingSymbol, func(c *store.OrderChain) {
		c.TotalCommissions = c.TotalCommissions.Add(t.Commission)
		c.TotalFees = c.TotalFees.Add(t.ClearingFees).Add(t.RegulatoryFees)
	})
}

// LinkTransactionsToPositions implements
// link_transactions_to_positions(user, account): every unlinked
// transaction whose order_id matches a Position's opening_order_id is
// linked directly; everything else (rolls, closes placed under a
// different order_id) falls back to leg-set matching against a
// Position that was still open at the transaction's execution time.
// Linking is monotonic — store.LinkTransaction only ever sets
// related_position from NULL, never overwrites it.
func (s *TransactionSyncer) LinkTransactionsToPositions(ctx context.Context, user, account string) TransactionLinkResult {
	result := TransactionLinkResult{}

	unlinked, err := s.store.ListUnlinkedTransactions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list unlinked transactions: %v", err))
		return result
	}
	if len(unlinked) == 0 {
		return result
	}

	candidates, err := s.store.ListPositionsByState(ctx, user, allStates)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list candidate positions: %v", err))
		return result
	}

	for _, txn := range unlinked {
		positionID, ok := s.resolvePosition(ctx, txn, candidates)
		if !ok {
			result.Unresolved++
			continue
		}
		if err := s.store.LinkTransaction(ctx, txn.TransactionID, positionID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("link transaction %s to position %d: %v", txn.TransactionID, positionID, err))
			continue
		}
		result.Linked++
	}

	s.log.WithFields(logrus.Fields{
		"account": account, "linked": result.Linked, "unresolved": result.Unresolved, "errors": len(result.Errors),
	}).Info("transaction linking complete")

	return result
}

// resolvePosition finds the Position a transaction belongs to: first
// by direct opening_order_id match, then by leg-set + still-open-at
// fallback for rolls/closes executed under a different order_id.
func (s *TransactionSyncer) resolvePosition(_ context.Context, txn *store.Transaction, candidates []*store.Position) (int64, bool) {
	if txn.OrderID != "" {
		for _, p := range candidates {
			if p.OpeningOrderID == txn.OrderID {
				return p.ID, true
			}
		}
	}

	var best *store.Position
	for _, p := range candidates {
		if !positionHeldLeg(p, txn.Symbol) {
			continue
		}
		if txn.ExecutedAt.Before(p.OpenedAt) {
			continue
		}
		if p.ClosedAt != nil && txn.ExecutedAt.After(*p.ClosedAt) {
			continue
		}
		if best == nil || p.OpenedAt.After(best.OpenedAt) {
			best = p
		}
	}
	if best != nil {
		return best.ID, true
	}

	return 0, false
}

func positionHeldLeg(p *store.Position, symbol string) bool {
	for _, leg := range p.Metadata.Legs {
		if leg.Symbol == symbol {
			return true
		}
	}
	return false
}
