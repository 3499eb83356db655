// Package ledger maintains positions as the aggregate of reconciled fills.
//
// Positions are keyed by (portfolio, pair, side). A fill on the same side
// increases the position with a quantity-weighted average entry price; a fill
// on the opposite side reduces it, realizing P&L on the closed quantity; a
// fill larger than the remaining size closes the position and flips the
// remainder into a new position on the other side.
//
// The weighted-average accumulation is commutative, so applying the same set
// of fills in any order yields the same entry price.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/events"
	"github.com/tradeassist/order-engine/internal/metrics"
	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/store"
)

// TriggerKind identifies which protective price level a position crossed.
type TriggerKind string

const (
	TriggerStopLoss   TriggerKind = "stop_loss"
	TriggerTakeProfit TriggerKind = "take_profit"
)

// Result summarizes the ledger effects of one applied fill.
type Result struct {
	// RealizedPnL is the P&L realized by this fill (zero unless it reduced
	// an opposite-side position).
	RealizedPnL decimal.Decimal

	// Position is the primary position touched by the fill.
	Position *model.Position

	// Flipped is the new position opened by the remainder of a fill that
	// exceeded the opposite position's size, or nil.
	Flipped *model.Position
}

// Ledger applies fills to positions and persists the outcome.
type Ledger struct {
	store store.Store
	bus   *events.Bus
	now   func() time.Time
}

// New creates a ledger over the given store and event bus.
func New(st store.Store, bus *events.Bus) *Ledger {
	return &Ledger{store: st, bus: bus, now: time.Now}
}

// ApplyFill folds one reconciled fill into the portfolio's positions.
// Callers must hold the portfolio's serialization lock.
//
// The risk profile supplies default stop-loss / take-profit levels attached
// when a fill opens a new position.
func (l *Ledger) ApplyFill(ctx context.Context, o *model.Order, t *model.Trade, profile *model.RiskProfile) (Result, error) {
	var res Result

	qty := t.Quantity
	price := t.Price

	// A fill first reduces any open position on the opposite side.
	opp, err := l.store.GetOpenPosition(ctx, o.PortfolioID, o.PairID, o.Side.Opposite())
	switch {
	case err == nil:
		closed := decimal.Min(qty, opp.RemainingSize)
		realized := closedPnL(opp.Side, opp.EntryPrice, price, closed)

		opp.RemainingSize = opp.RemainingSize.Sub(closed)
		opp.RealizedPnL = opp.RealizedPnL.Add(realized)
		opp.CurrentPrice = price
		if opp.RemainingSize.IsZero() {
			opp.Status = model.PositionClosed
			opp.UnrealizedPnL = decimal.Zero
			now := l.now().UTC()
			opp.ClosedAt = &now
		} else {
			opp.Status = model.PositionPartiallyClosed
			opp.UnrealizedPnL = closedPnL(opp.Side, opp.EntryPrice, price, opp.RemainingSize)
		}
		if err := l.store.UpdatePosition(ctx, opp); err != nil {
			return res, fmt.Errorf("ledger: update reduced position: %w", err)
		}
		l.emitPositionEvent(opp)

		res.RealizedPnL = realized
		res.Position = opp

		// Flip: the remainder opens a fresh position on the order's side.
		// Reduce-only orders must never create exposure, so their remainder
		// is discarded instead.
		if leftover := qty.Sub(closed); leftover.IsPositive() {
			if o.ReduceOnly {
				slog.Warn("reduce-only fill exceeded position, remainder discarded",
					"order_id", o.ID, "position_id", opp.ID, "leftover", leftover)
				return res, nil
			}
			flipped, err := l.openPosition(ctx, o, leftover, price, profile)
			if err != nil {
				return res, err
			}
			res.Flipped = flipped
		}
		return res, nil

	case store.IsNotFound(err):
		// No opposite exposure; increase or open on the order's side.

	default:
		return res, fmt.Errorf("ledger: lookup opposite position: %w", err)
	}

	if o.ReduceOnly {
		slog.Warn("reduce-only fill with nothing to reduce, discarded",
			"order_id", o.ID, "quantity", qty)
		return res, nil
	}

	same, err := l.store.GetOpenPosition(ctx, o.PortfolioID, o.PairID, o.Side)
	switch {
	case err == nil:
		// Quantity-weighted average entry over the combined size.
		combined := same.RemainingSize.Add(qty)
		same.EntryPrice = same.EntryPrice.Mul(same.RemainingSize).
			Add(price.Mul(qty)).
			Div(combined)
		same.Size = same.Size.Add(qty)
		same.RemainingSize = combined
		same.CurrentPrice = price
		same.UnrealizedPnL = closedPnL(same.Side, same.EntryPrice, price, same.RemainingSize)
		if err := l.store.UpdatePosition(ctx, same); err != nil {
			return res, fmt.Errorf("ledger: update increased position: %w", err)
		}
		l.emitPositionEvent(same)
		res.Position = same
		return res, nil

	case store.IsNotFound(err):
		p, err := l.openPosition(ctx, o, qty, price, profile)
		if err != nil {
			return res, err
		}
		res.Position = p
		return res, nil

	default:
		return res, fmt.Errorf("ledger: lookup same-side position: %w", err)
	}
}

// openPosition creates a new position for qty at price on the order's side,
// attaching default protective levels from the risk profile when the order
// carries none.
func (l *Ledger) openPosition(ctx context.Context, o *model.Order, qty, price decimal.Decimal, profile *model.RiskProfile) (*model.Position, error) {
	p := &model.Position{
		ID:            uuid.NewString(),
		PortfolioID:   o.PortfolioID,
		PairID:        o.PairID,
		Side:          o.Side,
		Status:        model.PositionOpen,
		Size:          qty,
		RemainingSize: qty,
		EntryPrice:    price,
		CurrentPrice:  price,
		OpenedAt:      l.now().UTC(),
	}

	if profile != nil {
		if profile.EnableStopLoss && profile.StopLossPct.IsPositive() {
			p.StopLossPrice = protectiveLevel(o.Side, price, profile.StopLossPct, true)
		}
		if profile.EnableTakeProfit && profile.TakeProfitPct.IsPositive() {
			p.TakeProfitPrice = protectiveLevel(o.Side, price, profile.TakeProfitPct, false)
		}
	}

	if err := l.store.CreatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("ledger: create position: %w", err)
	}
	metrics.OpenPositions.Inc()
	l.bus.Publish(events.PositionOpened, p.ID, p.PortfolioID, p)
	slog.Info("position opened",
		"position_id", p.ID, "portfolio_id", p.PortfolioID,
		"pair_id", p.PairID, "side", p.Side, "size", p.Size, "entry", p.EntryPrice)
	return p, nil
}

// MarkToMarket updates a position's current price and unrealized P&L and
// advances a trailing stop if the move is favorable. Persists the position.
func (l *Ledger) MarkToMarket(ctx context.Context, p *model.Position, price decimal.Decimal) error {
	p.CurrentPrice = price
	p.UnrealizedPnL = closedPnL(p.Side, p.EntryPrice, price, p.RemainingSize)
	l.advanceTrailingStop(p, price)
	return l.store.UpdatePosition(ctx, p)
}

// advanceTrailingStop ratchets the stop-loss toward a favorable price move,
// preserving the original stop distance. The stop only ever tightens.
func (l *Ledger) advanceTrailingStop(p *model.Position, price decimal.Decimal) {
	if p.StopLossPrice.IsZero() {
		return
	}
	if p.Side == model.SideBuy {
		// Distance below entry carried forward under the new high.
		dist := p.EntryPrice.Sub(p.StopLossPrice)
		if dist.IsPositive() {
			if candidate := price.Sub(dist); candidate.GreaterThan(p.StopLossPrice) && price.GreaterThan(p.EntryPrice) {
				p.StopLossPrice = candidate
			}
		}
		return
	}
	dist := p.StopLossPrice.Sub(p.EntryPrice)
	if dist.IsPositive() {
		if candidate := price.Add(dist); candidate.LessThan(p.StopLossPrice) && price.LessThan(p.EntryPrice) {
			p.StopLossPrice = candidate
		}
	}
}

// EvaluateTriggers reports whether the price has crossed the position's
// stop-loss or take-profit level. Stop-loss is checked first: when both
// levels are somehow crossed, the protective exit wins.
func EvaluateTriggers(p *model.Position, price decimal.Decimal) (TriggerKind, bool) {
	if p.Side == model.SideBuy {
		if p.StopLossPrice.IsPositive() && price.LessThanOrEqual(p.StopLossPrice) {
			return TriggerStopLoss, true
		}
		if p.TakeProfitPrice.IsPositive() && price.GreaterThanOrEqual(p.TakeProfitPrice) {
			return TriggerTakeProfit, true
		}
		return "", false
	}
	if p.StopLossPrice.IsPositive() && price.GreaterThanOrEqual(p.StopLossPrice) {
		return TriggerStopLoss, true
	}
	if p.TakeProfitPrice.IsPositive() && price.LessThanOrEqual(p.TakeProfitPrice) {
		return TriggerTakeProfit, true
	}
	return "", false
}

func (l *Ledger) emitPositionEvent(p *model.Position) {
	if p.Status == model.PositionClosed {
		metrics.OpenPositions.Dec()
		l.bus.Publish(events.PositionClosed, p.ID, p.PortfolioID, p)
		slog.Info("position closed",
			"position_id", p.ID, "portfolio_id", p.PortfolioID,
			"realized_pnl", p.RealizedPnL)
		return
	}
	l.bus.Publish(events.PositionUpdated, p.ID, p.PortfolioID, p)
}

// closedPnL computes side-adjusted P&L for qty between entry and exit:
// (exit − entry) × qty for longs, (entry − exit) × qty for shorts.
func closedPnL(side model.OrderSide, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if side == model.SideBuy {
		return exit.Sub(entry).Mul(qty)
	}
	return entry.Sub(exit).Mul(qty)
}

// protectiveLevel derives a stop or target price pct away from entry, on the
// losing side for stops and the winning side for targets.
func protectiveLevel(side model.OrderSide, entry, pct decimal.Decimal, isStop bool) decimal.Decimal {
	one := decimal.NewFromInt(1)
	below := entry.Mul(one.Sub(pct))
	above := entry.Mul(one.Add(pct))
	if side == model.SideBuy {
		if isStop {
			return below
		}
		return above
	}
	if isStop {
		return above
	}
	return below
}
