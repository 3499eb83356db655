package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/model"
)

// PaperConnector simulates a venue in memory for paper-trading portfolios
// and tests. Market orders fill immediately at the current book price;
// limit orders fill when marketable, resting otherwise until a price update
// crosses them. It doubles as the PriceSource for its symbols.
type PaperConnector struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	feeRate decimal.Decimal

	byClientID map[string]*paperOrder // idempotency: client order id → order
	resting    map[string]*paperOrder // exchange order id → unfilled limit order
	fills      []Fill
}

type paperOrder struct {
	ack    Ack
	req    SubmitRequest
	filled bool
}

// NewPaperConnector creates a paper venue charging feeRate of notional per
// fill (e.g. 0.001 for 10 bps).
func NewPaperConnector(feeRate decimal.Decimal) *PaperConnector {
	return &PaperConnector{
		prices:     make(map[string]decimal.Decimal),
		feeRate:    feeRate,
		byClientID: make(map[string]*paperOrder),
		resting:    make(map[string]*paperOrder),
	}
}

// SetPrice updates the simulated book price for a symbol and fills any
// resting limit orders the move crosses.
func (c *PaperConnector) SetPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prices[symbol] = price
	for id, po := range c.resting {
		if marketable(po.req, price) {
			c.fill(po, po.req.Price)
			delete(c.resting, id)
		}
	}
}

// Price returns the latest simulated price for a symbol.
func (c *PaperConnector) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("paper: no price for %s", symbol)
	}
	return p, nil
}

func (c *PaperConnector) Submit(_ context.Context, req SubmitRequest) (*Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Duplicate client order IDs return the original ack, same as a real
	// venue's idempotent placement.
	if po, ok := c.byClientID[req.ClientOrderID]; ok {
		ack := po.ack
		return &ack, nil
	}

	price, ok := c.prices[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no price for %s", req.Symbol)
	}

	po := &paperOrder{
		ack: Ack{ExchangeOrderID: uuid.NewString(), AcceptedAt: time.Now().UTC()},
		req: req,
	}
	c.byClientID[req.ClientOrderID] = po

	switch {
	case req.Type == model.OrderTypeMarket:
		c.fill(po, price)
	case marketable(req, price):
		c.fill(po, req.Price)
	default:
		c.resting[po.ack.ExchangeOrderID] = po
	}

	ack := po.ack
	return &ack, nil
}

func (c *PaperConnector) Cancel(_ context.Context, exchangeOrderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.resting[exchangeOrderID]; ok {
		delete(c.resting, exchangeOrderID)
		return nil
	}
	for _, po := range c.byClientID {
		if po.ack.ExchangeOrderID == exchangeOrderID {
			// Already filled; nothing to cancel but the order exists.
			return nil
		}
	}
	return ErrOrderNotFound
}

func (c *PaperConnector) QueryOrder(_ context.Context, clientOrderID string) (*Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	po, ok := c.byClientID[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	ack := po.ack
	return &ack, nil
}

func (c *PaperConnector) PollFills(_ context.Context) ([]Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.fills
	c.fills = nil
	return out, nil
}

// fill records a full execution for po at price. Caller holds the lock.
func (c *PaperConnector) fill(po *paperOrder, price decimal.Decimal) {
	if po.filled {
		return
	}
	po.filled = true
	c.fills = append(c.fills, Fill{
		ExchangeTradeID: uuid.NewString(),
		ExchangeOrderID: po.ack.ExchangeOrderID,
		ClientOrderID:   po.req.ClientOrderID,
		Quantity:        po.req.Quantity,
		Price:           price,
		Fee:             po.req.Quantity.Mul(price).Mul(c.feeRate),
		ExecutedAt:      time.Now().UTC(),
	})
}

// marketable reports whether a limit order crosses the current price.
func marketable(req SubmitRequest, price decimal.Decimal) bool {
	if req.Type != model.OrderTypeLimit || !req.Price.IsPositive() {
		return false
	}
	if req.Side == model.SideBuy {
		return price.LessThanOrEqual(req.Price)
	}
	return price.GreaterThanOrEqual(req.Price)
}
