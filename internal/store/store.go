// Package store defines the persistence interface for the order engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for the read model), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/tradeassist/order-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateIdempotencyKey is returned by CreateOrder when an order
	// with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache over the read-model queries.
//
// Two uniqueness guarantees are durability-critical: the idempotency key on
// orders and the exchange trade ID on trades.
type Store interface {
	// --- Trading pair catalog (read-mostly reference data) ---

	// CreatePair persists catalog reference data (catalog sync, tests).
	CreatePair(ctx context.Context, p *model.TradingPair) error

	// GetPair retrieves a trading pair by ID.
	GetPair(ctx context.Context, id string) (*model.TradingPair, error)

	// --- Portfolios ---

	// CreatePortfolio persists a new portfolio.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio retrieves a portfolio by ID.
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)

	// UpdatePortfolio overwrites balance and P&L fields. Callers must hold
	// the portfolio's serialization lock.
	UpdatePortfolio(ctx context.Context, p *model.Portfolio) error

	// ListPortfolios returns all portfolios (sweeps iterate these).
	ListPortfolios(ctx context.Context) ([]model.Portfolio, error)

	// --- Risk profiles ---

	// GetRiskProfile retrieves the risk profile for a portfolio.
	GetRiskProfile(ctx context.Context, portfolioID string) (*model.RiskProfile, error)

	// PutRiskProfile creates or replaces a portfolio's risk profile.
	PutRiskProfile(ctx context.Context, rp *model.RiskProfile) error

	// --- Orders ---

	// CreateOrder persists a new order. Returns ErrDuplicateIdempotencyKey
	// when the idempotency key is already taken.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// GetOrderByIdempotencyKey retrieves an order by its idempotency key.
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error)

	// UpdateOrder overwrites an order's mutable fields.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// ListOpenOrders returns a portfolio's non-terminal orders.
	ListOpenOrders(ctx context.Context, portfolioID string) ([]model.Order, error)

	// ListActiveOrders returns all non-terminal orders (expiry sweep).
	ListActiveOrders(ctx context.Context) ([]model.Order, error)

	// --- Trades (append-only fill ledger) ---

	// InsertTrade appends a fill record if its exchange trade ID has not
	// been seen; returns false when the fill is a duplicate.
	InsertTrade(ctx context.Context, t *model.Trade) (bool, error)

	// ListTradesByOrder returns all fills for an order in executed-at order.
	ListTradesByOrder(ctx context.Context, orderID string) ([]model.Trade, error)

	// --- Positions ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// UpdatePosition overwrites a position's mutable fields.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// GetOpenPosition returns the open position for (portfolio, pair, side),
	// or ErrNotFound.
	GetOpenPosition(ctx context.Context, portfolioID, pairID string, side model.OrderSide) (*model.Position, error)

	// ListOpenPositions returns a portfolio's open positions.
	ListOpenPositions(ctx context.Context, portfolioID string) ([]model.Position, error)

	// ListAllOpenPositions returns every open position (trigger sweep).
	ListAllOpenPositions(ctx context.Context) ([]model.Position, error)
}
