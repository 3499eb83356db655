package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/model"
)

func TestCreateOrderDuplicateIdempotencyKey(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	o := &model.Order{
		ID:             uuid.NewString(),
		PortfolioID:    "pf-1",
		PairID:         "pair-1",
		Side:           model.SideBuy,
		Type:           model.OrderTypeMarket,
		Status:         model.StatusPending,
		Quantity:       decimal.NewFromInt(1),
		IdempotencyKey: "key-1",
		CreatedAt:      time.Now().UTC(),
	}
	if err := st.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	dup := *o
	dup.ID = uuid.NewString()
	if err := st.CreateOrder(ctx, &dup); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("duplicate key: %v", err)
	}

	got, err := st.GetOrderByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != o.ID {
		t.Errorf("key resolves to %s, want %s", got.ID, o.ID)
	}

	// Orders without a key never collide.
	for i := 0; i < 2; i++ {
		free := *o
		free.ID = uuid.NewString()
		free.IdempotencyKey = ""
		if err := st.CreateOrder(ctx, &free); err != nil {
			t.Fatal(err)
		}
	}
}

func TestInsertTradeDedup(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	tr := &model.Trade{
		ID:              uuid.NewString(),
		OrderID:         "o-1",
		ExchangeTradeID: "venue-trade-1",
		Side:            model.SideBuy,
		Quantity:        decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		ExecutedAt:      time.Now().UTC(),
	}

	inserted, err := st.InsertTrade(ctx, tr)
	if err != nil || !inserted {
		t.Fatalf("first insert: %v/%v", inserted, err)
	}

	replay := *tr
	replay.ID = uuid.NewString()
	inserted, err = st.InsertTrade(ctx, &replay)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("replayed exchange trade id should not insert")
	}

	trades, err := st.ListTradesByOrder(ctx, "o-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Errorf("trades = %d, want 1", len(trades))
	}
}

func TestGetNotFound(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.GetOrder(ctx, "nope"); !IsNotFound(err) {
		t.Errorf("GetOrder: %v", err)
	}
	if _, err := st.GetPortfolio(ctx, "nope"); !IsNotFound(err) {
		t.Errorf("GetPortfolio: %v", err)
	}
	if _, err := st.GetOpenPosition(ctx, "pf", "pair", model.SideBuy); !IsNotFound(err) {
		t.Errorf("GetOpenPosition: %v", err)
	}
}

func TestListOpenOrdersExcludesTerminal(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	statuses := []model.OrderStatus{
		model.StatusOpen, model.StatusPartiallyFilled,
		model.StatusFilled, model.StatusCancelled,
	}
	for i, s := range statuses {
		o := &model.Order{
			ID:          uuid.NewString(),
			PortfolioID: "pf-1",
			PairID:      "pair-1",
			Side:        model.SideBuy,
			Type:        model.OrderTypeMarket,
			Status:      s,
			Quantity:    decimal.NewFromInt(1),
			CreatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := st.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	open, err := st.ListOpenOrders(ctx, "pf-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("open orders = %d, want 2", len(open))
	}
	for _, o := range open {
		if o.Status.Terminal() {
			t.Errorf("terminal order %s in open list", o.Status)
		}
	}
}
