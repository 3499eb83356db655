// Package exchange defines the connector boundary between the engine and
// exchange venues, plus a paper-trading connector for simulated execution.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/model"
)

var (
	// ErrOrderNotFound is returned when the venue has no record of the
	// referenced order.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrTransient marks failures worth retrying (timeouts, 5xx, resets).
	// Connectors wrap retryable errors with this sentinel.
	ErrTransient = errors.New("exchange: transient failure")
)

// SubmitRequest is an order placement forwarded to a venue. ClientOrderID is
// the engine's idempotency key: venues deduplicate resubmissions on it, which
// makes retry-after-timeout safe.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Type          model.OrderType
	Side          model.OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price; zero for market
	StopPrice     decimal.Decimal
}

// Ack is the venue's acknowledgement of a placed order.
type Ack struct {
	ExchangeOrderID string
	AcceptedAt      time.Time
}

// Fill is one execution reported by the venue. ExchangeTradeID is globally
// unique per venue and anchors reconciliation idempotency.
type Fill struct {
	ExchangeTradeID string
	ExchangeOrderID string
	ClientOrderID   string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	ExecutedAt      time.Time
}

// Connector is the venue-facing execution interface. Implementations must
// treat ClientOrderID as an idempotency key on Submit: resubmitting the same
// key returns the original acknowledgement instead of placing twice.
type Connector interface {
	// Submit places an order. Safe to retry with the same ClientOrderID.
	Submit(ctx context.Context, req SubmitRequest) (*Ack, error)

	// Cancel requests cancellation of a previously placed order. A fill
	// already in flight may still land after a successful cancel.
	Cancel(ctx context.Context, exchangeOrderID string) error

	// QueryOrder looks up an order by client order ID. Used after a
	// submission timeout to learn whether the order actually reached the
	// venue before resubmitting.
	QueryOrder(ctx context.Context, clientOrderID string) (*Ack, error)

	// PollFills drains fills reported since the previous poll. Fills may
	// be duplicated across polls; the reconciler dedupes on trade ID.
	PollFills(ctx context.Context) ([]Fill, error)
}

// PriceSource supplies the latest known market price for a symbol.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}
