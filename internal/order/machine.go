// Package order drives the order lifecycle state machine.
//
// Every status change goes through Machine.Transition, which checks the
// legality table, stamps lifecycle timestamps, persists the order, and emits
// the matching domain event. Illegal transitions are rejected and leave the
// order untouched.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradeassist/order-engine/internal/events"
	"github.com/tradeassist/order-engine/internal/metrics"
	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/store"
)

// ErrIllegalTransition is returned when a requested status change is not in
// the legality table.
var ErrIllegalTransition = errors.New("order: illegal status transition")

// eventFor maps a newly entered status to the event emitted for it.
var eventFor = map[model.OrderStatus]events.Type{
	model.StatusOpen:            events.OrderOpened,
	model.StatusPartiallyFilled: events.OrderPartiallyFilled,
	model.StatusFilled:          events.OrderFilled,
	model.StatusCancelled:       events.OrderCancelled,
	model.StatusRejected:        events.OrderRejected,
	model.StatusExpired:         events.OrderExpired,
}

// Machine transitions orders between lifecycle states.
type Machine struct {
	store store.Store
	bus   *events.Bus
	now   func() time.Time
}

// NewMachine creates a state machine over the given store and event bus.
func NewMachine(st store.Store, bus *events.Bus) *Machine {
	return &Machine{store: st, bus: bus, now: time.Now}
}

// Transition moves o to next, persisting and emitting on success. The reason
// is recorded on the order for rejections and cancellations.
func (m *Machine) Transition(ctx context.Context, o *model.Order, next model.OrderStatus, reason string) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrIllegalTransition, o.Status, next, o.ID)
	}

	prev := o.Status
	o.Status = next
	now := m.now().UTC()

	switch next {
	case model.StatusOpen:
		if o.PlacedAt == nil {
			o.PlacedAt = &now
		}
	case model.StatusFilled:
		o.FilledAt = &now
		// A fill that completes a cancelled order supersedes the cancel.
		if prev == model.StatusCancelled {
			o.CancelledAt = nil
		}
	case model.StatusCancelled:
		o.CancelledAt = &now
		if reason != "" {
			o.RejectReason = reason
		}
	case model.StatusRejected, model.StatusExpired:
		o.RejectReason = reason
	}

	if err := m.store.UpdateOrder(ctx, o); err != nil {
		o.Status = prev
		return fmt.Errorf("order: persist transition %s -> %s: %w", prev, next, err)
	}

	if next.Terminal() {
		metrics.OrdersTerminal.WithLabelValues(string(next)).Inc()
	}
	if ev, ok := eventFor[next]; ok && next != prev {
		m.bus.Publish(ev, o.ID, o.PortfolioID, o)
	}

	slog.Info("order transition",
		"order_id", o.ID, "portfolio_id", o.PortfolioID,
		"from", prev, "to", next, "reason", reason)
	return nil
}

// Expired reports whether the order has an expiry in the past and is still
// eligible for expiry.
func Expired(o *model.Order, now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt) && o.Status.CanTransition(model.StatusExpired)
}
