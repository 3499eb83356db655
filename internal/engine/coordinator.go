// Package engine coordinates the order lifecycle end to end: admission,
// persistence, exchange submission, fill reconciliation, and the background
// sweeps for expiry, mark-to-market, and protective triggers.
//
// All mutation for a portfolio happens under that portfolio's lock, so
// admission decisions and balance updates never interleave.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/tradeassist/order-engine/internal/events"
	"github.com/tradeassist/order-engine/internal/exchange"
	"github.com/tradeassist/order-engine/internal/ledger"
	"github.com/tradeassist/order-engine/internal/metrics"
	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/order"
	"github.com/tradeassist/order-engine/internal/pair"
	"github.com/tradeassist/order-engine/internal/reconcile"
	"github.com/tradeassist/order-engine/internal/risk"
	"github.com/tradeassist/order-engine/internal/store"
)

// ErrInvalidIntent marks malformed trade intents (bad side, type, quantity,
// or a limit order without a price).
var ErrInvalidIntent = errors.New("engine: invalid intent")

// Config holds the coordinator's operational knobs.
type Config struct {
	// SubmitTimeout bounds one exchange submission attempt.
	SubmitTimeout time.Duration

	// MaxSubmitRetries bounds resubmission attempts after transient failures.
	MaxSubmitRetries uint

	// PollInterval is the fill polling cadence.
	PollInterval time.Duration

	// SweepInterval is the cadence of the expiry and trigger sweeps.
	SweepInterval time.Duration

	// OrderTTL is the default expiry attached to resting limit orders.
	// Zero disables default expiry.
	OrderTTL time.Duration

	// ExchangeRPS rate-limits outbound exchange calls.
	ExchangeRPS int
}

// Coordinator owns the order lifecycle.
type Coordinator struct {
	store   store.Store
	gate    *risk.Gate
	machine *order.Machine
	ledger  *ledger.Ledger
	rec     *reconcile.Reconciler
	conn    exchange.Connector
	prices  exchange.PriceSource
	bus     *events.Bus
	locks   *reconcile.PortfolioLocks
	limiter *rate.Limiter
	cfg     Config
}

// New wires a coordinator from its collaborators.
func New(st store.Store, gate *risk.Gate, machine *order.Machine, led *ledger.Ledger,
	rec *reconcile.Reconciler, conn exchange.Connector, prices exchange.PriceSource,
	bus *events.Bus, locks *reconcile.PortfolioLocks, cfg Config) *Coordinator {

	rps := cfg.ExchangeRPS
	if rps <= 0 {
		rps = 10
	}
	return &Coordinator{
		store:   st,
		gate:    gate,
		machine: machine,
		ledger:  led,
		rec:     rec,
		conn:    conn,
		prices:  prices,
		bus:     bus,
		locks:   locks,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		cfg:     cfg,
	}
}

// SubmitIntent validates and admits a trade intent, persists the resulting
// order, and hands it to the exchange asynchronously. Replays of a known
// idempotency key return the original order without re-execution.
func (c *Coordinator) SubmitIntent(ctx context.Context, intent risk.Intent) (*model.Order, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	// Idempotent replay: same key, same order, no new execution.
	if intent.IdempotencyKey != "" {
		if existing, err := c.store.GetOrderByIdempotencyKey(ctx, intent.IdempotencyKey); err == nil {
			slog.Debug("idempotent replay", "key", intent.IdempotencyKey, "order_id", existing.ID)
			return existing, nil
		} else if !store.IsNotFound(err) {
			return nil, err
		}
	}

	unlock := c.locks.Lock(intent.PortfolioID)
	defer unlock()

	snap, err := c.snapshot(ctx, intent)
	if err != nil {
		return nil, err
	}

	if err := c.gate.Admit(intent, *snap); err != nil {
		if reason, ok := risk.RejectionReason(err); ok {
			metrics.RiskRejections.WithLabelValues(string(reason)).Inc()
			c.recordRejection(ctx, intent, reason, err.Error())
			slog.Info("intent rejected",
				"portfolio_id", intent.PortfolioID, "pair_id", intent.PairID,
				"reason", reason, "source", intent.Source)
		}
		return nil, err
	}

	o := &model.Order{
		ID:             uuid.NewString(),
		PortfolioID:    intent.PortfolioID,
		PairID:         intent.PairID,
		Type:           intent.Type,
		Side:           intent.Side,
		Status:         model.StatusPending,
		Quantity:       pair.RoundQuantity(&snap.Pair, intent.Quantity),
		Price:          intent.Price,
		StopPrice:      intent.StopPrice,
		Source:         intent.Source,
		IdempotencyKey: intent.IdempotencyKey,
		ReduceOnly:     intent.ReduceOnly,
		CreatedAt:      time.Now().UTC(),
	}
	if c.cfg.OrderTTL > 0 && intent.Type == model.OrderTypeLimit {
		exp := o.CreatedAt.Add(c.cfg.OrderTTL)
		o.ExpiresAt = &exp
	}

	if err := c.store.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// Lost a race with a concurrent replay of the same key.
			return c.store.GetOrderByIdempotencyKey(ctx, intent.IdempotencyKey)
		}
		return nil, err
	}

	metrics.OrdersAdmitted.WithLabelValues(string(intent.Source)).Inc()
	slog.Info("order admitted",
		"order_id", o.ID, "portfolio_id", o.PortfolioID, "pair_id", o.PairID,
		"side", o.Side, "type", o.Type, "quantity", o.Quantity, "source", o.Source)

	go c.submit(o, snap.Pair.Symbol)
	return o, nil
}

// recordRejection persists a gate-rejected intent as a REJECTED order so the
// decision is auditable, and publishes the rejection events.
func (c *Coordinator) recordRejection(ctx context.Context, intent risk.Intent, reason risk.Reason, detail string) {
	o := &model.Order{
		ID:             uuid.NewString(),
		PortfolioID:    intent.PortfolioID,
		PairID:         intent.PairID,
		Type:           intent.Type,
		Side:           intent.Side,
		Status:         model.StatusRejected,
		Quantity:       intent.Quantity,
		Price:          intent.Price,
		StopPrice:      intent.StopPrice,
		Source:         intent.Source,
		IdempotencyKey: intent.IdempotencyKey,
		RejectReason:   detail,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.CreateOrder(ctx, o); err != nil {
		slog.Error("record rejected order", "portfolio_id", intent.PortfolioID, "err", err)
		return
	}
	metrics.OrdersTerminal.WithLabelValues(string(model.StatusRejected)).Inc()
	c.bus.Publish(events.OrderRejected, o.ID, o.PortfolioID, o)
	c.bus.Publish(events.RiskRejected, o.ID, o.PortfolioID, map[string]any{
		"reason":  reason,
		"pair_id": intent.PairID,
		"side":    intent.Side,
	})
}

// CancelOrder requests cancellation. Pending orders cancel locally; placed
// orders cancel at the venue first. A fill already in flight may still
// complete the order afterwards.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(o.PortfolioID)
	defer unlock()

	o, err = c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransition(model.StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s (order %s)",
			order.ErrIllegalTransition, o.Status, model.StatusCancelled, o.ID)
	}

	if o.ExchangeOrderID != "" {
		if err := c.conn.Cancel(ctx, o.ExchangeOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			return nil, fmt.Errorf("engine: venue cancel: %w", err)
		}
	}

	if err := c.machine.Transition(ctx, o, model.StatusCancelled, "user requested"); err != nil {
		return nil, err
	}
	return o, nil
}

// snapshot gathers the state an admission decision is evaluated against.
// Called under the portfolio lock.
func (c *Coordinator) snapshot(ctx context.Context, intent risk.Intent) (*risk.Snapshot, error) {
	p, err := c.store.GetPair(ctx, intent.PairID)
	if err != nil {
		return nil, err
	}
	portfolio, err := c.store.GetPortfolio(ctx, intent.PortfolioID)
	if err != nil {
		return nil, err
	}
	profile, err := c.store.GetRiskProfile(ctx, intent.PortfolioID)
	if err != nil {
		return nil, err
	}
	positions, err := c.store.ListOpenPositions(ctx, intent.PortfolioID)
	if err != nil {
		return nil, err
	}
	price, err := c.prices.Price(ctx, p.Symbol)
	if err != nil && !intent.Price.IsPositive() {
		// Market orders need a reference price; limit orders carry their own.
		return nil, fmt.Errorf("engine: no market price for %s: %w", p.Symbol, err)
	}

	return &risk.Snapshot{
		Pair:          *p,
		Portfolio:     *portfolio,
		Profile:       *profile,
		OpenPositions: positions,
		MarketPrice:   price,
	}, nil
}

// submit places the order at the venue with exponential backoff. Runs on its
// own goroutine; failures past the retry budget reject the order.
func (c *Coordinator) submit(o *model.Order, symbol string) {
	ctx := context.Background()
	req := exchange.SubmitRequest{
		ClientOrderID: o.ID,
		Symbol:        symbol,
		Type:          o.Type,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
	}

	attempts := 0
	op := func() (*exchange.Ack, error) {
		attempts++
		if attempts > 1 {
			metrics.SubmitRetries.Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()

		if err := c.limiter.Wait(attemptCtx); err != nil {
			return nil, err
		}

		start := time.Now()
		ack, err := c.conn.Submit(attemptCtx, req)
		metrics.SubmitLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			return ack, nil
		}

		// On an ambiguous outcome the order may have reached the venue.
		// Query before retrying so a resubmit can't double-place.
		if ack, qerr := c.conn.QueryOrder(ctx, req.ClientOrderID); qerr == nil {
			return ack, nil
		}
		if !errors.Is(err, exchange.ErrTransient) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	maxTries := c.cfg.MaxSubmitRetries
	if maxTries == 0 {
		maxTries = 5
	}
	ack, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries))

	unlock := c.locks.Lock(o.PortfolioID)
	defer unlock()

	// Re-read: the order may have been cancelled while we were submitting.
	o, gerr := c.store.GetOrder(ctx, o.ID)
	if gerr != nil {
		slog.Error("submit: reload order", "order_id", req.ClientOrderID, "err", gerr)
		return
	}

	if err != nil {
		slog.Warn("submission failed", "order_id", o.ID, "attempts", attempts, "err", err)
		if o.Status == model.StatusPending {
			if terr := c.machine.Transition(ctx, o, model.StatusRejected, err.Error()); terr != nil {
				slog.Error("submit: reject transition", "order_id", o.ID, "err", terr)
			}
		}
		return
	}

	o.ExchangeOrderID = ack.ExchangeOrderID
	switch o.Status {
	case model.StatusPending:
		if err := c.machine.Transition(ctx, o, model.StatusOpen, ""); err != nil {
			slog.Error("submit: open transition", "order_id", o.ID, "err", err)
		}
	case model.StatusPartiallyFilled, model.StatusFilled:
		// Fills beat the ack through the poll loop; the status is already
		// derived from the trade ledger. Just record the venue id.
		if err := c.store.UpdateOrder(ctx, o); err != nil {
			slog.Error("submit: record venue id", "order_id", o.ID, "err", err)
		}
	default:
		// Cancelled before the ack landed; undo at the venue, best effort.
		if cerr := c.conn.Cancel(ctx, ack.ExchangeOrderID); cerr != nil {
			slog.Warn("late cancel after ack failed", "order_id", o.ID, "err", cerr)
		}
	}
}

// Run starts the fill poll, expiry sweep, trigger sweep, and daily P&L reset
// loops, blocking until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	p := pool.New().WithContext(ctx)

	p.Go(func(ctx context.Context) error {
		c.loop(ctx, c.cfg.PollInterval, c.pollFills)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		c.loop(ctx, c.cfg.SweepInterval, c.sweepExpiry)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		c.loop(ctx, c.cfg.SweepInterval, c.sweepTriggers)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		c.loop(ctx, time.Minute, c.resetDailyPnL)
		return nil
	})

	_ = p.Wait()
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// pollFills drains the connector's fill feed into the reconciler.
func (c *Coordinator) pollFills(ctx context.Context) {
	fills, err := c.conn.PollFills(ctx)
	if err != nil {
		slog.Error("poll fills", "err", err)
		return
	}
	for _, f := range fills {
		if err := c.rec.ApplyFill(ctx, f); err != nil {
			slog.Error("apply fill", "trade_id", f.ExchangeTradeID, "err", err)
		}
	}
}

// sweepExpiry expires resting orders past their TTL.
func (c *Coordinator) sweepExpiry(ctx context.Context) {
	orders, err := c.store.ListActiveOrders(ctx)
	if err != nil {
		slog.Error("expiry sweep: list orders", "err", err)
		return
	}

	now := time.Now().UTC()
	for i := range orders {
		o := &orders[i]
		if !order.Expired(o, now) {
			continue
		}
		if o.ExchangeOrderID != "" {
			if err := c.conn.Cancel(ctx, o.ExchangeOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
				slog.Warn("expiry sweep: venue cancel", "order_id", o.ID, "err", err)
				continue
			}
		}

		unlock := c.locks.Lock(o.PortfolioID)
		fresh, err := c.store.GetOrder(ctx, o.ID)
		if err == nil && order.Expired(fresh, now) {
			if err := c.machine.Transition(ctx, fresh, model.StatusExpired, "ttl elapsed"); err != nil {
				slog.Error("expiry sweep: transition", "order_id", o.ID, "err", err)
			}
		}
		unlock()
	}
}

// sweepTriggers marks open positions to market and closes any that crossed
// a stop-loss or take-profit level, one portfolio at a time.
func (c *Coordinator) sweepTriggers(ctx context.Context) {
	positions, err := c.store.ListAllOpenPositions(ctx)
	if err != nil {
		slog.Error("trigger sweep: list positions", "err", err)
		return
	}

	byPortfolio := make(map[string][]model.Position)
	for _, p := range positions {
		byPortfolio[p.PortfolioID] = append(byPortfolio[p.PortfolioID], p)
	}

	wp := pool.New().WithMaxGoroutines(4)
	for portfolioID, ps := range byPortfolio {
		portfolioID, ps := portfolioID, ps
		wp.Go(func() {
			c.sweepPortfolioTriggers(ctx, portfolioID, ps)
		})
	}
	wp.Wait()
}

func (c *Coordinator) sweepPortfolioTriggers(ctx context.Context, portfolioID string, positions []model.Position) {
	type exit struct {
		intent risk.Intent
		kind   ledger.TriggerKind
	}
	var exits []exit

	unlock := c.locks.Lock(portfolioID)
	for i := range positions {
		// Re-read under the lock: the listed copy is stale and a closing
		// fill may have landed since. A miss means closed; skip it.
		p, err := c.store.GetOpenPosition(ctx, positions[i].PortfolioID, positions[i].PairID, positions[i].Side)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			slog.Error("trigger sweep: reload position", "position_id", positions[i].ID, "err", err)
			continue
		}

		tp, err := c.store.GetPair(ctx, p.PairID)
		if err != nil {
			slog.Error("trigger sweep: load pair", "pair_id", p.PairID, "err", err)
			continue
		}
		price, err := c.prices.Price(ctx, tp.Symbol)
		if err != nil {
			continue
		}

		if err := c.ledger.MarkToMarket(ctx, p, price); err != nil {
			slog.Error("trigger sweep: mark to market", "position_id", p.ID, "err", err)
			continue
		}

		kind, hit := ledger.EvaluateTriggers(p, price)
		if !hit {
			continue
		}
		exits = append(exits, exit{
			kind: kind,
			intent: risk.Intent{
				PortfolioID: p.PortfolioID,
				PairID:      p.PairID,
				Side:        p.Side.Opposite(),
				Type:        model.OrderTypeMarket,
				Quantity:    p.RemainingSize,
				Source:      triggerSource(kind),
				// One exit per (position, kind), however often the sweep fires.
				IdempotencyKey: "exit:" + p.ID + ":" + string(kind),
				ReduceOnly:     true,
			},
		})
	}
	unlock()

	// Submit outside the lock; SubmitIntent re-acquires it.
	for _, e := range exits {
		if _, err := c.SubmitIntent(ctx, e.intent); err != nil {
			slog.Error("trigger exit submit", "portfolio_id", portfolioID, "err", err)
			continue
		}
		metrics.TriggerExits.WithLabelValues(string(e.kind)).Inc()
		slog.Info("trigger exit submitted", "portfolio_id", portfolioID, "kind", e.kind)
	}
}

// resetDailyPnL zeroes every portfolio's daily P&L when the UTC day rolls.
func (c *Coordinator) resetDailyPnL(ctx context.Context) {
	now := time.Now().UTC()
	if now.Hour() != 0 || now.Minute() != 0 {
		return
	}
	c.rollDailyPnL(ctx)
}

// rollDailyPnL does the actual zeroing. Logs only when something changed,
// so the minute ticker stays quiet the rest of the day.
func (c *Coordinator) rollDailyPnL(ctx context.Context) {
	portfolios, err := c.store.ListPortfolios(ctx)
	if err != nil {
		slog.Error("daily reset: list portfolios", "err", err)
		return
	}
	reset := 0
	for i := range portfolios {
		p := &portfolios[i]
		if p.DailyPnL.IsZero() {
			continue
		}
		unlock := c.locks.Lock(p.ID)
		fresh, err := c.store.GetPortfolio(ctx, p.ID)
		if err == nil {
			fresh.DailyPnL = decimal.Zero
			if err := c.store.UpdatePortfolio(ctx, fresh); err != nil {
				slog.Error("daily reset: update portfolio", "portfolio_id", p.ID, "err", err)
			} else {
				reset++
			}
		}
		unlock()
	}
	if reset > 0 {
		slog.Info("daily pnl reset", "portfolios", reset)
	}
}

func triggerSource(kind ledger.TriggerKind) model.IntentSource {
	if kind == ledger.TriggerStopLoss {
		return model.SourceStopLoss
	}
	return model.SourceTakeProfit
}

func validateIntent(intent risk.Intent) error {
	switch {
	case intent.PortfolioID == "":
		return fmt.Errorf("%w: missing portfolio_id", ErrInvalidIntent)
	case intent.PairID == "":
		return fmt.Errorf("%w: missing pair_id", ErrInvalidIntent)
	case !intent.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, intent.Side)
	case !intent.Type.Valid():
		return fmt.Errorf("%w: type %q", ErrInvalidIntent, intent.Type)
	case !intent.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidIntent)
	case intent.Type == model.OrderTypeLimit && !intent.Price.IsPositive():
		return fmt.Errorf("%w: limit order requires a price", ErrInvalidIntent)
	case !intent.Source.Valid():
		return fmt.Errorf("%w: source %q", ErrInvalidIntent, intent.Source)
	}
	return nil
}
