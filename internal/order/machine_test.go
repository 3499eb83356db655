package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/events"
	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/store"
)

func seedOrder(t *testing.T, st store.Store, status model.OrderStatus) *model.Order {
	t.Helper()
	o := &model.Order{
		ID:          uuid.NewString(),
		PortfolioID: "pf-1",
		PairID:      "pair-1",
		Side:        model.SideBuy,
		Type:        model.OrderTypeLimit,
		Status:      status,
		Quantity:    decimal.NewFromInt(1),
		Source:      model.SourceManual,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.CreateOrder(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestTransitionStampsTimestamps(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMachine(st, events.NewBus())
	ctx := context.Background()

	o := seedOrder(t, st, model.StatusPending)
	if err := m.Transition(ctx, o, model.StatusOpen, ""); err != nil {
		t.Fatal(err)
	}
	if o.PlacedAt == nil {
		t.Error("PlacedAt should be set on open")
	}

	if err := m.Transition(ctx, o, model.StatusFilled, ""); err != nil {
		t.Fatal(err)
	}
	if o.FilledAt == nil {
		t.Error("FilledAt should be set on fill")
	}

	// Persisted state matches.
	got, err := st.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusFilled {
		t.Errorf("persisted status = %s, want filled", got.Status)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMachine(st, events.NewBus())
	ctx := context.Background()

	o := seedOrder(t, st, model.StatusPending)
	err := m.Transition(ctx, o, model.StatusExpired, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("pending -> expired should be illegal, got %v", err)
	}
	if o.Status != model.StatusPending {
		t.Errorf("failed transition must not mutate the order, status = %s", o.Status)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMachine(st, events.NewBus())
	ctx := context.Background()

	for _, terminal := range []model.OrderStatus{model.StatusFilled, model.StatusRejected, model.StatusExpired} {
		o := seedOrder(t, st, terminal)
		for _, next := range []model.OrderStatus{model.StatusOpen, model.StatusPartiallyFilled, model.StatusCancelled} {
			if err := m.Transition(ctx, o, next, ""); !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("%s -> %s should be illegal, got %v", terminal, next, err)
			}
		}
	}
}

func TestFillWinsOverCancel(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMachine(st, events.NewBus())
	ctx := context.Background()

	o := seedOrder(t, st, model.StatusPending)
	if err := m.Transition(ctx, o, model.StatusCancelled, "user requested"); err != nil {
		t.Fatal(err)
	}
	if o.CancelledAt == nil {
		t.Fatal("CancelledAt should be set")
	}

	// The in-flight fill completes the order anyway.
	if err := m.Transition(ctx, o, model.StatusFilled, ""); err != nil {
		t.Fatalf("cancelled -> filled must be sanctioned: %v", err)
	}
	if o.CancelledAt != nil {
		t.Error("superseded cancel should clear CancelledAt")
	}
	if o.FilledAt == nil {
		t.Error("FilledAt should be set")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	o := &model.Order{Status: model.StatusOpen, ExpiresAt: &past}
	if !Expired(o, now) {
		t.Error("past expiry on open order should expire")
	}
	o.ExpiresAt = &future
	if Expired(o, now) {
		t.Error("future expiry should not expire")
	}
	o.ExpiresAt = &past
	o.Status = model.StatusFilled
	if Expired(o, now) {
		t.Error("terminal order should not expire")
	}
	o.Status = model.StatusOpen
	o.ExpiresAt = nil
	if Expired(o, now) {
		t.Error("no expiry set should not expire")
	}
}
