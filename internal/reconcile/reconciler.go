// Package reconcile folds exchange-reported fills into orders, positions,
// and portfolio balances.
//
// Reconciliation is idempotent: each fill is keyed by its exchange trade ID
// and applied at most once. Order fill totals are recomputed from the full
// trade ledger rather than incrementally, so replaying fills in any order
// converges on the same state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/exchange"
	"github.com/tradeassist/order-engine/internal/ledger"
	"github.com/tradeassist/order-engine/internal/metrics"
	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/order"
	"github.com/tradeassist/order-engine/internal/store"
)

// ErrInvariantViolation is returned when a fill would overfill its order.
// The order is left untouched for manual review.
var ErrInvariantViolation = errors.New("reconcile: invariant violation")

// PortfolioLocks serializes all state mutation per portfolio. One mutex per
// portfolio ID, created on first use and never released — portfolio counts
// are small.
type PortfolioLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPortfolioLocks creates an empty lock registry.
func NewPortfolioLocks() *PortfolioLocks {
	return &PortfolioLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the portfolio's mutex and returns its unlock func.
func (pl *PortfolioLocks) Lock(portfolioID string) func() {
	pl.mu.Lock()
	m, ok := pl.locks[portfolioID]
	if !ok {
		m = &sync.Mutex{}
		pl.locks[portfolioID] = m
	}
	pl.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Reconciler applies venue fills to engine state.
type Reconciler struct {
	store   store.Store
	machine *order.Machine
	ledger  *ledger.Ledger
	locks   *PortfolioLocks
}

// New creates a reconciler.
func New(st store.Store, machine *order.Machine, led *ledger.Ledger, locks *PortfolioLocks) *Reconciler {
	return &Reconciler{store: st, machine: machine, ledger: led, locks: locks}
}

// ApplyFill processes one venue fill end to end: dedupe, trade insert, order
// fill recomputation, state transition, position update, and portfolio P&L.
// Duplicate fills return nil without effect.
//
// The fill's ClientOrderID is the engine's order ID.
func (r *Reconciler) ApplyFill(ctx context.Context, f exchange.Fill) error {
	o, err := r.store.GetOrder(ctx, f.ClientOrderID)
	if err != nil {
		return fmt.Errorf("reconcile: resolve order for fill %s: %w", f.ExchangeTradeID, err)
	}

	unlock := r.locks.Lock(o.PortfolioID)
	defer unlock()

	// Re-read under the lock; the order may have moved since the lookup.
	o, err = r.store.GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}

	t := &model.Trade{
		ID:              uuid.NewString(),
		OrderID:         o.ID,
		ExchangeTradeID: f.ExchangeTradeID,
		Side:            o.Side,
		Quantity:        f.Quantity,
		Price:           f.Price,
		Fee:             f.Fee,
		ExecutedAt:      f.ExecutedAt,
	}
	inserted, err := r.store.InsertTrade(ctx, t)
	if err != nil {
		return fmt.Errorf("reconcile: insert trade %s: %w", f.ExchangeTradeID, err)
	}
	if !inserted {
		metrics.FillsApplied.WithLabelValues("duplicate").Inc()
		slog.Debug("duplicate fill ignored", "trade_id", f.ExchangeTradeID, "order_id", o.ID)
		return nil
	}

	if err := r.recomputeOrder(ctx, o); err != nil {
		return err
	}

	// Position and portfolio effects.
	profile, err := r.store.GetRiskProfile(ctx, o.PortfolioID)
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("reconcile: load risk profile: %w", err)
	}
	res, err := r.ledger.ApplyFill(ctx, o, t, profile)
	if err != nil {
		return err
	}

	if err := r.applyPortfolioPnL(ctx, o.PortfolioID, res.RealizedPnL, f.Fee); err != nil {
		return err
	}

	metrics.FillsApplied.WithLabelValues("applied").Inc()
	return nil
}

// recomputeOrder derives filled quantity, weighted average price, and fees
// from the full trade ledger, then advances the state machine. When the
// ledger sums past the order quantity the order is frozen untouched; the
// offending trade row remains as evidence for manual review.
func (r *Reconciler) recomputeOrder(ctx context.Context, o *model.Order) error {
	trades, err := r.store.ListTradesByOrder(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("reconcile: list trades for %s: %w", o.ID, err)
	}

	filled := decimal.Zero
	notional := decimal.Zero
	fees := decimal.Zero
	for i := range trades {
		filled = filled.Add(trades[i].Quantity)
		notional = notional.Add(trades[i].Quantity.Mul(trades[i].Price))
		fees = fees.Add(trades[i].Fee)
	}

	if filled.GreaterThan(o.Quantity) {
		metrics.InvariantViolations.Inc()
		slog.Error("trade ledger overfills order, freezing for manual review",
			"order_id", o.ID, "ledger_qty", filled, "order_qty", o.Quantity)
		return fmt.Errorf("%w: order %s ledger %s > quantity %s",
			ErrInvariantViolation, o.ID, filled, o.Quantity)
	}

	o.FilledQuantity = filled
	o.Fees = fees
	if filled.IsPositive() {
		o.AverageFillPrice = notional.Div(filled)
	}

	next := model.StatusPartiallyFilled
	if filled.GreaterThanOrEqual(o.Quantity) {
		next = model.StatusFilled
	}
	if !o.Status.CanTransition(next) {
		// Covers a partial fill landing after a cancel: the trade and
		// totals are booked but the order stays cancelled. A completing
		// fill takes the sanctioned cancelled -> filled edge instead.
		return r.store.UpdateOrder(ctx, o)
	}
	return r.machine.Transition(ctx, o, next, "")
}

// applyPortfolioPnL books realized P&L and fees into the portfolio under the
// already-held portfolio lock.
func (r *Reconciler) applyPortfolioPnL(ctx context.Context, portfolioID string, realized, fee decimal.Decimal) error {
	net := realized.Sub(fee)
	if net.IsZero() {
		return nil
	}

	p, err := r.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return fmt.Errorf("reconcile: load portfolio: %w", err)
	}
	p.CurrentBalance = p.CurrentBalance.Add(net)
	p.TotalPnL = p.TotalPnL.Add(net)
	p.DailyPnL = p.DailyPnL.Add(net)
	if err := r.store.UpdatePortfolio(ctx, p); err != nil {
		return fmt.Errorf("reconcile: update portfolio: %w", err)
	}

	slog.Info("portfolio pnl updated",
		"portfolio_id", portfolioID, "realized", realized, "fee", fee,
		"balance", p.CurrentBalance, "daily_pnl", p.DailyPnL)
	return nil
}
