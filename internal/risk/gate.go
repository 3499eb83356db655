// Package risk implements pre-trade admission checks against per-portfolio
// risk limits.
//
// The gate is a pure function of the snapshots passed in: it performs no I/O
// and no mutation, so it cannot race with itself. The caller owns snapshot
// freshness and serializes admissions per portfolio.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/pair"
)

// Reason is a machine-readable rejection reason.
type Reason string

const (
	ReasonPairInactive     Reason = "PAIR_INACTIVE"
	ReasonSizeOutOfRange   Reason = "SIZE_OUT_OF_RANGE"
	ReasonPositionLimit    Reason = "POSITION_LIMIT_EXCEEDED"
	ReasonMaxOpenPositions Reason = "MAX_OPEN_POSITIONS"
	ReasonDailyLossLimit   Reason = "DAILY_LOSS_LIMIT"
)

// RejectionError carries the machine-readable reason for a rejected intent.
type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("risk: rejected (%s): %s", e.Reason, e.Detail)
}

// RejectionReason extracts the reason from an admission error, if any.
func RejectionReason(err error) (Reason, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// Intent is a structured trade request from any source.
type Intent struct {
	PortfolioID    string
	PairID         string
	Side           model.OrderSide
	Type           model.OrderType
	Quantity       decimal.Decimal
	Price          decimal.Decimal // limit price; zero for market orders
	StopPrice      decimal.Decimal
	Source         model.IntentSource
	IdempotencyKey string
	ReduceOnly     bool
}

// Snapshot is the state a single admission decision is evaluated against.
// All fields are copies taken under the portfolio's serialization lock.
type Snapshot struct {
	Pair          model.TradingPair
	Portfolio     model.Portfolio
	Profile       model.RiskProfile
	OpenPositions []model.Position // all open positions for the portfolio
	MarketPrice   decimal.Decimal  // latest known price for the intent's pair
}

// Gate validates trade intents against the owning portfolio's risk profile.
type Gate struct {
	// defaultStopLossPct is the assumed adverse move for the daily-loss
	// projection when neither the intent nor the profile carries a stop.
	defaultStopLossPct decimal.Decimal
}

// NewGate creates a gate with the given fallback stop-loss percentage
// (e.g. 0.02 for 2%).
func NewGate(defaultStopLossPct decimal.Decimal) *Gate {
	return &Gate{defaultStopLossPct: defaultStopLossPct}
}

// Admit evaluates the intent against the snapshot. Returns nil when admitted,
// or a *RejectionError on the first failed check. Checks run in order and
// short-circuit: pair/size, position size, open position count, daily loss.
//
// Reduce-only intents bypass all checks — risk limits never block a
// loss-limiting exit.
func (g *Gate) Admit(intent Intent, snap Snapshot) error {
	if intent.ReduceOnly {
		return nil
	}

	// 1. Pair active and quantity within catalog bounds.
	if err := pair.ValidateQuantity(&snap.Pair, intent.Quantity); err != nil {
		reason := ReasonSizeOutOfRange
		if errors.Is(err, pair.ErrPairInactive) {
			reason = ReasonPairInactive
		}
		return &RejectionError{Reason: reason, Detail: err.Error()}
	}

	price := g.effectivePrice(intent, snap)

	// 2. Projected position size vs. max_position_size × balance (inclusive).
	exposure := g.pairExposure(intent, snap)
	projected := exposure.Add(intent.Quantity.Mul(price))
	limit := snap.Profile.MaxPositionSize.Mul(snap.Portfolio.CurrentBalance)
	if projected.GreaterThan(limit) {
		return &RejectionError{
			Reason: ReasonPositionLimit,
			Detail: fmt.Sprintf("projected exposure %s exceeds limit %s", projected, limit),
		}
	}

	// 3. Open position count, only when this order would open a new position.
	if g.opensNewPosition(intent, snap) {
		open := 0
		for i := range snap.OpenPositions {
			if snap.OpenPositions[i].Open() {
				open++
			}
		}
		if open+1 > snap.Profile.MaxOpenPositions {
			return &RejectionError{
				Reason: ReasonMaxOpenPositions,
				Detail: fmt.Sprintf("%d positions open, limit %d", open, snap.Profile.MaxOpenPositions),
			}
		}
	}

	// 4. Projected daily loss including this order's worst-case adverse move.
	worstCase := g.worstCaseLoss(intent, price)
	currentLoss := g.currentDailyLoss(snap)
	lossLimit := snap.Profile.MaxDailyLoss.Mul(snap.Portfolio.CurrentBalance)
	if currentLoss.Add(worstCase).GreaterThan(lossLimit) {
		return &RejectionError{
			Reason: ReasonDailyLossLimit,
			Detail: fmt.Sprintf("projected daily loss %s exceeds limit %s", currentLoss.Add(worstCase), lossLimit),
		}
	}

	return nil
}

// effectivePrice is the intent's limit price, falling back to the market
// price for market orders.
func (g *Gate) effectivePrice(intent Intent, snap Snapshot) decimal.Decimal {
	if intent.Price.IsPositive() {
		return intent.Price
	}
	return snap.MarketPrice
}

// pairExposure sums the remaining notional of open positions on the intent's
// pair and side.
func (g *Gate) pairExposure(intent Intent, snap Snapshot) decimal.Decimal {
	exposure := decimal.Zero
	for i := range snap.OpenPositions {
		p := &snap.OpenPositions[i]
		if p.PairID == intent.PairID && p.Side == intent.Side && p.Open() {
			exposure = exposure.Add(p.RemainingSize.Mul(p.EntryPrice))
		}
	}
	return exposure
}

// opensNewPosition reports whether no open position exists for the intent's
// (pair, side).
func (g *Gate) opensNewPosition(intent Intent, snap Snapshot) bool {
	for i := range snap.OpenPositions {
		p := &snap.OpenPositions[i]
		if p.PairID == intent.PairID && p.Side == intent.Side && p.Open() {
			return false
		}
	}
	return true
}

// worstCaseLoss is the adverse move from the effective price to the intent's
// stop, or to a default stop distance when unset.
func (g *Gate) worstCaseLoss(intent Intent, price decimal.Decimal) decimal.Decimal {
	if intent.StopPrice.IsPositive() {
		return price.Sub(intent.StopPrice).Abs().Mul(intent.Quantity)
	}
	return price.Mul(g.defaultStopLossPct).Mul(intent.Quantity)
}

// currentDailyLoss is the portfolio's realized daily P&L plus unrealized P&L
// over open positions, clamped at zero (a net gain projects no loss).
func (g *Gate) currentDailyLoss(snap Snapshot) decimal.Decimal {
	pnl := snap.Portfolio.DailyPnL
	for i := range snap.OpenPositions {
		if snap.OpenPositions[i].Open() {
			pnl = pnl.Add(snap.OpenPositions[i].UnrealizedPnL)
		}
	}
	if pnl.IsNegative() {
		return pnl.Neg()
	}
	return decimal.Zero
}
