package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures the breaker wrapping a Broker.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips after half of at least 5 calls
// in a 60s window fail, and probes again after 30s.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.5,
}

// CircuitBreakerBroker wraps a Broker with a gobreaker circuit breaker,
// opening after a threshold of RPC failures and probing with limited
// requests once its timeout elapses. One instance is scoped to a
// single account — the broker session is not shared across users
// (spec.md §5), so neither is its breaker.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps broker with default settings.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

func execute[T any](cb *CircuitBreakerBroker, fn func() (T, error)) (T, error) {
	result, err := cb.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func (cb *CircuitBreakerBroker) ListPositions(ctx context.Context, account string, includeMarks bool) ([]PositionLeg, error) {
	return execute(cb, func() ([]PositionLeg, error) { return cb.broker.ListPositions(ctx, account, includeMarks) })
}

func (cb *CircuitBreakerBroker) GetOrderHistory(ctx context.Context, account string, startDate time.Time, perPage, pageOffset int) (OrderHistoryPage, error) {
	return execute(cb, func() (OrderHistoryPage, error) {
		return cb.broker.GetOrderHistory(ctx, account, startDate, perPage, pageOffset)
	})
}

func (cb *CircuitBreakerBroker) GetOrder(ctx context.Context, account, orderID string) (*PlacedOrder, error) {
	return execute(cb, func() (*PlacedOrder, error) { return cb.broker.GetOrder(ctx, account, orderID) })
}

func (cb *CircuitBreakerBroker) GetLiveOrders(ctx context.Context, account string) ([]PlacedOrder, error) {
	return execute(cb, func() ([]PlacedOrder, error) { return cb.broker.GetLiveOrders(ctx, account) })
}

func (cb *CircuitBreakerBroker) GetOrderChains(ctx context.Context, account, symbol string, start, end time.Time) ([]OrderChain, error) {
	return execute(cb, func() ([]OrderChain, error) { return cb.broker.GetOrderChains(ctx, account, symbol, start, end) })
}

func (cb *CircuitBreakerBroker) GetTransactions(ctx context.Context, account string, startDate time.Time) ([]Transaction, error) {
	return execute(cb, func() ([]Transaction, error) { return cb.broker.GetTransactions(ctx, account, startDate) })
}

func (cb *CircuitBreakerBroker) PlaceOrder(ctx context.Context, account string, spec OrderSpec) (string, string, error) {
	type result struct {
		orderID string
		status  string
	}
	r, err := execute(cb, func() (result, error) {
		orderID, status, err := cb.broker.PlaceOrder(ctx, account, spec)
		return result{orderID, status}, err
	})
	return r.orderID, r.status, err
}

func (cb *CircuitBreakerBroker) CancelOrder(ctx context.Context, account, orderID string) (string, error) {
	return execute(cb, func() (string, error) { return cb.broker.CancelOrder(ctx, account, orderID) })
}
