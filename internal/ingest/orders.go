// Package ingest implements C5 (Order History Ingestor) and C6
// (Transaction Ingestor): the two strictly-additive phases that pull
// broker-reported order and transaction history into the local store
// so every later phase can work off a consistent local cache instead
// of hammering the broker repeatedly.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/money"
	"github.com/senextrader/lifecycle-engine/internal/retry"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

const ordersPerPage = 100

// OrderHistoryResult is C5's contract return shape.
type OrderHistoryResult struct {
	OrdersSynced  int
	NewOrders     int
	UpdatedOrders int
	Errors        []string
}

// OrderHistorySyncer is C5: it paginates the broker's order history
// and upserts every order into the store, never mutating Position or
// Trade rows.
type OrderHistorySyncer struct {
	store  *store.Store
	broker broker.Broker
	retry  *retry.Client
	log    *logrus.Entry
}

// NewOrderHistorySyncer builds a C5 ingestor.
func NewOrderHistorySyncer(st *store.Store, brk broker.Broker, rc *retry.Client, log *logrus.Entry) *OrderHistorySyncer {
	return &OrderHistorySyncer{store: st, broker: brk, retry: rc, log: log}
}

// Sync fetches and caches order history for account, going back
// daysBack days. Pagination is mandatory — the original system lost
// fills by fetching only the first page — so this loops until a page
// comes back empty or shorter than ordersPerPage.
func (s *OrderHistorySyncer) Sync(ctx context.Context, user, account string, daysBack int) OrderHistoryResult {
	result := OrderHistoryResult{}
	startDate := time.Now().AddDate(0, 0, -daysBack)

	for pageOffset := 0; ; pageOffset++ {
		var page broker.OrderHistoryPage
		err := s.retry.Do(ctx, "get_order_history", func(ctx context.Context) error {
			var err error
			page, err = s.broker.GetOrderHistory(ctx, account, startDate, ordersPerPage, pageOffset)
			return err
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch page %d: %v", pageOffset, err))
			break
		}

		for _, order := range page.Orders {
			created, err := s.cacheOrder(ctx, user, account, order)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("cache order %s: %v", order.ID, err))
				continue
			}
			result.OrdersSynced++
			if created {
				result.NewOrders++
			} else {
				result.UpdatedOrders++
			}
		}

		if len(page.Orders) < ordersPerPage {
			break
		}
	}

	s.log.WithFields(logrus.Fields{
		"account": account, "synced": result.OrdersSynced,
		"new": result.NewOrders, "updated": result.UpdatedOrders, "errors": len(result.Errors),
	}).Info("order history sync complete")

	return result
}

func (s *OrderHistorySyncer) cacheOrder(ctx context.Context, user, account string, order broker.PlacedOrder) (bool, error) {
	receivedAt := order.ReceivedAt
	oh := &store.OrderHistory{
		BrokerOrderID:    order.ID,
		User:             user,
		TradingAccount:   account,
		ComplexOrderID:   order.ComplexOrderID,
		ParentOrderID:    order.ParentOrderID,
		ReplacesOrderID:  order.ReplacesOrderID,
		ReplacingOrderID: order.ReplacingOrderID,
		UnderlyingSymbol: order.UnderlyingSymbol,
		OrderType:        order.OrderType,
		Status:           store.OrderHistoryStatus(order.Status),
		PriceEffect:      store.PriceEffect(order.PriceEffect),
		ReceivedAt:       &receivedAt,
		LiveAt:           order.LiveAt,
		CancelledAt:      order.CancelledAt,
		TerminalAt:       order.TerminalAt,
		OrderData:        toOrderData(order.Legs),
	}

	if store.OrderHistoryStatus(order.Status) == store.OrderFilled {
		if fp := money.FillPrice(toLegFills(order.Legs)); fp != nil {
			oh.Price = fp
			s.log.WithField("order", order.ID).WithField("fill_price", fp.String()).Debug("ingest: computed fill price from legs")
		} else {
			oh.Price = order.Price
			s.log.WithField("order", order.ID).Warn("ingest: could not compute fill price from legs, using limit price")
		}
	} else {
		oh.Price = order.Price
	}

	oh.FilledAt = firstFillTime(order.Legs)
	if oh.FilledAt == nil {
		oh.FilledAt = order.FilledAt
	}

	return s.store.UpsertOrderHistory(ctx, oh)
}

func toOrderData(legs []broker.Leg) store.OrderData {
	out := store.OrderData{Legs: make([]store.OrderLeg, 0, len(legs))}
	for _, l := range legs {
		fills := make([]store.Fill, 0, len(l.Fills))
		for _, f := range l.Fills {
			fills = append(fills, store.Fill{
				FillID: f.FillID, Quantity: f.Quantity, FillPrice: f.FillPrice, FilledAt: f.FilledAt,
			})
		}
		out.Legs = append(out.Legs, store.OrderLeg{
			Symbol: l.Symbol, Action: l.Action, Quantity: l.Quantity, Fills: fills,
		})
	}
	return out
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

func firstFillTime(legs []broker.Leg) *time.Time {
	for _, l := range legs {
		for _, f := range l.Fills {
			t := f.FilledAt
			return &t
		}
	}
	return nil
}
