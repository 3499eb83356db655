package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/events"
	"github.com/tradeassist/order-engine/internal/exchange"
	"github.com/tradeassist/order-engine/internal/ledger"
	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/order"
	"github.com/tradeassist/order-engine/internal/reconcile"
	"github.com/tradeassist/order-engine/internal/risk"
	"github.com/tradeassist/order-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type harness struct {
	coord *Coordinator
	st    *store.MemoryStore
	paper *exchange.PaperConnector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	paper := exchange.NewPaperConnector(decimal.Zero)
	paper.SetPrice("BTC/USDT", d("100"))

	machine := order.NewMachine(st, bus)
	led := ledger.New(st, bus)
	locks := reconcile.NewPortfolioLocks()
	rec := reconcile.New(st, machine, led, locks)
	coord := New(st, risk.NewGate(d("0.02")), machine, led, rec, paper, paper, bus, locks, Config{
		SubmitTimeout:    time.Second,
		MaxSubmitRetries: 2,
		PollInterval:     10 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		ExchangeRPS:      100,
	})

	ctx := context.Background()
	if err := st.CreatePair(ctx, &model.TradingPair{
		ID:                "pair-1",
		Symbol:            "BTC/USDT",
		BaseCurrency:      "BTC",
		QuoteCurrency:     "USDT",
		Exchange:          "binance",
		MinOrderSize:      d("0.001"),
		PricePrecision:    2,
		QuantityPrecision: 8,
		IsActive:          true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreatePortfolio(ctx, &model.Portfolio{
		ID:             "pf-1",
		UserID:         "u-1",
		Name:           "test",
		Exchange:       "binance",
		IsPaperTrading: true,
		InitialBalance: d("10000"),
		CurrentBalance: d("10000"),
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutRiskProfile(ctx, &model.RiskProfile{
		PortfolioID:      "pf-1",
		MaxPositionSize:  d("0.5"),
		MaxDailyLoss:     d("0.05"),
		MaxOpenPositions: 5,
	}); err != nil {
		t.Fatal(err)
	}

	return &harness{coord: coord, st: st, paper: paper}
}

func marketIntent(qty string) risk.Intent {
	return risk.Intent{
		PortfolioID: "pf-1",
		PairID:      "pair-1",
		Side:        model.SideBuy,
		Type:        model.OrderTypeMarket,
		Quantity:    d(qty),
		Source:      model.SourceManual,
	}
}

// waitForStatus polls until the order reaches status or the deadline hits.
func (h *harness) waitForStatus(t *testing.T, orderID string, status model.OrderStatus) *model.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o, err := h.st.GetOrder(context.Background(), orderID)
		if err != nil {
			t.Fatal(err)
		}
		if o.Status == status {
			return o
		}
		time.Sleep(10 * time.Millisecond)
	}
	o, _ := h.st.GetOrder(context.Background(), orderID)
	t.Fatalf("order %s never reached %s, last status %s", orderID, status, o.Status)
	return nil
}

func TestSubmitIntentLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o, err := h.coord.SubmitIntent(ctx, marketIntent("1"))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != model.StatusPending {
		t.Fatalf("fresh order status = %s, want pending", o.Status)
	}

	// The async submission opens the order at the venue.
	h.waitForStatus(t, o.ID, model.StatusOpen)

	// Drain the venue fill through the reconciler.
	h.coord.pollFills(ctx)
	got := h.waitForStatus(t, o.ID, model.StatusFilled)
	if !got.FilledQuantity.Equal(d("1")) || !got.AverageFillPrice.Equal(d("100")) {
		t.Errorf("filled=%s avg=%s, want 1 @ 100", got.FilledQuantity, got.AverageFillPrice)
	}

	pos, err := h.st.GetOpenPosition(ctx, "pf-1", "pair-1", model.SideBuy)
	if err != nil {
		t.Fatal(err)
	}
	if !pos.RemainingSize.Equal(d("1")) {
		t.Errorf("position = %s, want 1", pos.RemainingSize)
	}
}

func TestSubmitIntentIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intent := marketIntent("1")
	intent.IdempotencyKey = "client-key-1"

	first, err := h.coord.SubmitIntent(ctx, intent)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.coord.SubmitIntent(ctx, intent)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("replay created a new order: %s vs %s", first.ID, second.ID)
	}
}

func TestSubmitIntentRiskRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 100 × 100 = 10000 notional > 0.5 × 10000.
	intent := marketIntent("100")
	intent.IdempotencyKey = "audit-key-1"
	_, err := h.coord.SubmitIntent(ctx, intent)
	reason, ok := risk.RejectionReason(err)
	if !ok || reason != risk.ReasonPositionLimit {
		t.Fatalf("want POSITION_LIMIT_EXCEEDED rejection, got %v", err)
	}

	// The rejection is persisted as a terminal order for audit.
	rejected, err := h.st.GetOrderByIdempotencyKey(ctx, "audit-key-1")
	if err != nil {
		t.Fatalf("rejected order not persisted: %v", err)
	}
	if rejected.Status != model.StatusRejected {
		t.Errorf("status = %s, want rejected", rejected.Status)
	}
	if rejected.RejectReason == "" {
		t.Error("reject reason should be recorded")
	}

	// It never reaches the venue or the open-order book.
	orders, _ := h.st.ListOpenOrders(ctx, "pf-1")
	if len(orders) != 0 {
		t.Errorf("found %d open orders after rejection", len(orders))
	}
}

func TestSubmitIntentValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := marketIntent("0")
	if _, err := h.coord.SubmitIntent(ctx, bad); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("zero quantity: %v", err)
	}

	bad = marketIntent("1")
	bad.Type = model.OrderTypeLimit // no price
	if _, err := h.coord.SubmitIntent(ctx, bad); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("limit without price: %v", err)
	}

	bad = marketIntent("1")
	bad.Side = "hold"
	if _, err := h.coord.SubmitIntent(ctx, bad); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("bad side: %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A deep limit order rests at the venue.
	intent := marketIntent("1")
	intent.Type = model.OrderTypeLimit
	intent.Price = d("50")
	o, err := h.coord.SubmitIntent(ctx, intent)
	if err != nil {
		t.Fatal(err)
	}
	h.waitForStatus(t, o.ID, model.StatusOpen)

	got, err := h.coord.CancelOrder(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Cancelling again is an illegal transition... unless a fill landed.
	if _, err := h.coord.CancelOrder(ctx, o.ID); !errors.Is(err, order.ErrIllegalTransition) {
		t.Errorf("double cancel: %v", err)
	}
}

func TestTriggerSweepClosesStoppedPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Open a long, then attach a stop by hand at 95.
	o, err := h.coord.SubmitIntent(ctx, marketIntent("1"))
	if err != nil {
		t.Fatal(err)
	}
	h.waitForStatus(t, o.ID, model.StatusOpen)
	h.coord.pollFills(ctx)
	h.waitForStatus(t, o.ID, model.StatusFilled)

	pos, err := h.st.GetOpenPosition(ctx, "pf-1", "pair-1", model.SideBuy)
	if err != nil {
		t.Fatal(err)
	}
	pos.StopLossPrice = d("95")
	if err := h.st.UpdatePosition(ctx, pos); err != nil {
		t.Fatal(err)
	}

	// Price drops through the stop; the sweep emits a reduce-only exit.
	h.paper.SetPrice("BTC/USDT", d("94"))
	h.coord.sweepTriggers(ctx)

	exit, err := h.st.GetOrderByIdempotencyKey(ctx, "exit:"+pos.ID+":stop_loss")
	if err != nil {
		t.Fatalf("no exit order: %v", err)
	}
	if !exit.ReduceOnly || exit.Side != model.SideSell || exit.Source != model.SourceStopLoss {
		t.Errorf("exit = %+v", exit)
	}

	// The exit fills at market and flattens the position.
	h.waitForStatus(t, exit.ID, model.StatusOpen)
	h.coord.pollFills(ctx)
	h.waitForStatus(t, exit.ID, model.StatusFilled)

	if _, err := h.st.GetOpenPosition(ctx, "pf-1", "pair-1", model.SideBuy); !store.IsNotFound(err) {
		t.Errorf("position should be closed, got %v", err)
	}

	// Re-running the sweep never duplicates the exit.
	h.coord.sweepTriggers(ctx)
	orders, _ := h.st.ListOpenOrders(ctx, "pf-1")
	if len(orders) != 0 {
		t.Errorf("sweep re-run created orders: %d", len(orders))
	}
}

func TestTriggerSweepDoesNotResurrectClosedPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o, err := h.coord.SubmitIntent(ctx, marketIntent("1"))
	if err != nil {
		t.Fatal(err)
	}
	h.waitForStatus(t, o.ID, model.StatusOpen)
	h.coord.pollFills(ctx)
	h.waitForStatus(t, o.ID, model.StatusFilled)

	// Snapshot the open-position list, then close the position behind it.
	stale, err := h.st.ListAllOpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("open positions = %d, want 1", len(stale))
	}

	sell, err := h.coord.SubmitIntent(ctx, risk.Intent{
		PortfolioID: "pf-1",
		PairID:      "pair-1",
		Side:        model.SideSell,
		Type:        model.OrderTypeMarket,
		Quantity:    d("1"),
		Source:      model.SourceManual,
		ReduceOnly:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.waitForStatus(t, sell.ID, model.StatusOpen)
	h.coord.pollFills(ctx)
	h.waitForStatus(t, sell.ID, model.StatusFilled)

	if _, err := h.st.GetOpenPosition(ctx, "pf-1", "pair-1", model.SideBuy); !store.IsNotFound(err) {
		t.Fatalf("position should be closed before the sweep: %v", err)
	}

	// The sweep runs with the stale list; it must not write the old copy back.
	h.coord.sweepPortfolioTriggers(ctx, "pf-1", stale)

	if _, err := h.st.GetOpenPosition(ctx, "pf-1", "pair-1", model.SideBuy); !store.IsNotFound(err) {
		t.Errorf("sweep resurrected a closed position: %v", err)
	}
	open, _ := h.st.ListAllOpenPositions(ctx)
	if len(open) != 0 {
		t.Errorf("open positions after sweep = %d, want 0", len(open))
	}
}

func TestDailyPnLRollLogsOnlyOnChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	// Nothing to reset: the roll stays silent.
	h.coord.rollDailyPnL(ctx)
	if strings.Contains(buf.String(), "daily pnl reset") {
		t.Error("roll with zero daily pnl should not log a reset")
	}

	p, _ := h.st.GetPortfolio(ctx, "pf-1")
	p.DailyPnL = d("12.5")
	if err := h.st.UpdatePortfolio(ctx, p); err != nil {
		t.Fatal(err)
	}

	buf.Reset()
	h.coord.rollDailyPnL(ctx)
	if !strings.Contains(buf.String(), "daily pnl reset") {
		t.Error("roll that zeroed a portfolio should log the reset")
	}
	got, _ := h.st.GetPortfolio(ctx, "pf-1")
	if !got.DailyPnL.IsZero() {
		t.Errorf("daily pnl = %s after roll, want 0", got.DailyPnL)
	}
}

func TestExpirySweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intent := marketIntent("1")
	intent.Type = model.OrderTypeLimit
	intent.Price = d("50")
	o, err := h.coord.SubmitIntent(ctx, intent)
	if err != nil {
		t.Fatal(err)
	}
	h.waitForStatus(t, o.ID, model.StatusOpen)

	// Force the expiry into the past.
	fresh, _ := h.st.GetOrder(ctx, o.ID)
	past := time.Now().UTC().Add(-time.Minute)
	fresh.ExpiresAt = &past
	if err := h.st.UpdateOrder(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	h.coord.sweepExpiry(ctx)
	got, _ := h.st.GetOrder(ctx, o.ID)
	if got.Status != model.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}
