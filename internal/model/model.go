// Package model defines the core domain types shared across the order engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType identifies how an order executes against the market.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// Valid reports whether t is one of the known order types.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit, OrderTypeTrailingStop:
		return true
	}
	return false
}

// OrderSide is the direction of an order or position.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Valid reports whether s is "buy" or "sell".
func (s OrderSide) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the reducing side for s.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether s is a terminal lifecycle state. CANCELLED carries
// one sanctioned exception: a fill already in flight when the cancel landed
// may still complete the order (fill wins), see the transition table.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// transitions is the order state machine legality table. Checked on every
// transition; illegal moves are rejected, never silently applied.
var transitions = map[OrderStatus]map[OrderStatus]bool{
	// Fills may race the submission ack: a reported fill proves the venue
	// accepted the order, so fill transitions are legal straight from PENDING.
	StatusPending: {
		StatusOpen:            true,
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusRejected:        true,
		StatusCancelled:       true,
	},
	StatusOpen: {
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusCancelled:       true,
		StatusExpired:         true,
	},
	StatusPartiallyFilled: {
		StatusOpen:            true,
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusCancelled:       true,
		StatusExpired:         true,
	},
	// Fill-wins policy: a late fill may complete a cancelled order.
	StatusCancelled: {
		StatusFilled: true,
	},
}

// CanTransition reports whether moving from s to next is legal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return transitions[s][next]
}

// PositionStatus is the position lifecycle state.
type PositionStatus string

const (
	PositionOpen            PositionStatus = "open"
	PositionPartiallyClosed PositionStatus = "partially_closed"
	PositionClosed          PositionStatus = "closed"
)

// IntentSource records where a trade intent originated.
type IntentSource string

const (
	SourceManual     IntentSource = "manual"
	SourceAI         IntentSource = "ai_generated"
	SourceStopLoss   IntentSource = "stop_loss"
	SourceTakeProfit IntentSource = "take_profit"
	SourceRebalance  IntentSource = "rebalance"
)

// Valid reports whether s is a known intent source.
func (s IntentSource) Valid() bool {
	switch s {
	case SourceManual, SourceAI, SourceStopLoss, SourceTakeProfit, SourceRebalance:
		return true
	}
	return false
}

// TradingPair is immutable reference data describing one tradable symbol on
// one exchange. Created and updated by an external catalog sync; the engine
// only reads it.
type TradingPair struct {
	ID                string          `json:"id" db:"id"`
	Symbol            string          `json:"symbol" db:"symbol"` // e.g. BTC/USDT
	BaseCurrency      string          `json:"base_currency" db:"base_currency"`
	QuoteCurrency     string          `json:"quote_currency" db:"quote_currency"`
	Exchange          string          `json:"exchange" db:"exchange"`
	MinOrderSize      decimal.Decimal `json:"min_order_size" db:"min_order_size"`
	MaxOrderSize      decimal.Decimal `json:"max_order_size" db:"max_order_size"` // zero = unbounded
	PricePrecision    int32           `json:"price_precision" db:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision" db:"quantity_precision"`
	IsActive          bool            `json:"is_active" db:"is_active"`
}

// RiskProfile holds per-portfolio risk limits. Mutated only by the user;
// the engine snapshots it per admission decision.
type RiskProfile struct {
	PortfolioID      string          `json:"portfolio_id" db:"portfolio_id"`
	MaxPositionSize  decimal.Decimal `json:"max_position_size" db:"max_position_size"` // fraction of balance
	MaxDailyLoss     decimal.Decimal `json:"max_daily_loss" db:"max_daily_loss"`       // fraction of balance
	MaxOpenPositions int             `json:"max_open_positions" db:"max_open_positions"`
	StopLossPct      decimal.Decimal `json:"stop_loss_pct" db:"stop_loss_pct"`
	TakeProfitPct    decimal.Decimal `json:"take_profit_pct" db:"take_profit_pct"`
	EnableStopLoss   bool            `json:"enable_stop_loss" db:"enable_stop_loss"`
	EnableTakeProfit bool            `json:"enable_take_profit" db:"enable_take_profit"`
}

// Portfolio is a user's trading account. CurrentBalance and the P&L fields
// are mutated only under the portfolio's serialization lock.
type Portfolio struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Name           string          `json:"name" db:"name"`
	Exchange       string          `json:"exchange" db:"exchange"`
	IsPaperTrading bool            `json:"is_paper_trading" db:"is_paper_trading"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	TotalPnL       decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	DailyPnL       decimal.Decimal `json:"daily_pnl" db:"daily_pnl"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Order is one trade order through its lifecycle. Immutable once terminal
// (modulo the fill-wins exception on CANCELLED).
type Order struct {
	ID               string          `json:"id" db:"id"`
	PortfolioID      string          `json:"portfolio_id" db:"portfolio_id"`
	PairID           string          `json:"pair_id" db:"pair_id"`
	ExchangeOrderID  string          `json:"exchange_order_id,omitempty" db:"exchange_order_id"` // assigned once on submission
	Type             OrderType       `json:"type" db:"type"`
	Side             OrderSide       `json:"side" db:"side"`
	Status           OrderStatus     `json:"status" db:"status"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	Price            decimal.Decimal `json:"price" db:"price"`           // zero for market orders
	StopPrice        decimal.Decimal `json:"stop_price" db:"stop_price"` // zero unless stop/stop-limit
	AverageFillPrice decimal.Decimal `json:"average_fill_price" db:"average_fill_price"`
	Fees             decimal.Decimal `json:"fees" db:"fees"`
	Source           IntentSource    `json:"source" db:"source"`
	IdempotencyKey   string          `json:"idempotency_key" db:"idempotency_key"`
	ReduceOnly       bool            `json:"reduce_only" db:"reduce_only"`
	RejectReason     string          `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	PlacedAt         *time.Time      `json:"placed_at,omitempty" db:"placed_at"`
	FilledAt         *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Trade is one exchange-reported fill. Append-only; the exchange trade ID is
// the idempotency anchor for reconciliation and is inserted at most once.
type Trade struct {
	ID              string          `json:"id" db:"id"`
	OrderID         string          `json:"order_id" db:"order_id"`
	ExchangeTradeID string          `json:"exchange_trade_id" db:"exchange_trade_id"`
	Side            OrderSide       `json:"side" db:"side"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Fee             decimal.Decimal `json:"fee" db:"fee"`
	ExecutedAt      time.Time       `json:"executed_at" db:"executed_at"`
}

// Position aggregates fills per (portfolio, pair, side) into open exposure.
type Position struct {
	ID              string          `json:"id" db:"id"`
	PortfolioID     string          `json:"portfolio_id" db:"portfolio_id"`
	PairID          string          `json:"pair_id" db:"pair_id"`
	Side            OrderSide       `json:"side" db:"side"`
	Status          PositionStatus  `json:"status" db:"status"`
	Size            decimal.Decimal `json:"size" db:"size"`
	RemainingSize   decimal.Decimal `json:"remaining_size" db:"remaining_size"`
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"` // quantity-weighted average
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price" db:"stop_loss_price"`     // zero = none
	TakeProfitPrice decimal.Decimal `json:"take_profit_price" db:"take_profit_price"` // zero = none
	OpenedAt        time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Open reports whether the position still carries exposure.
func (p *Position) Open() bool { return p.Status != PositionClosed }
