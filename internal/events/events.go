// Package events defines the engine's outbound domain events and the
// in-process bus that delivers them to collaborators (notifications, AI,
// dashboards).
//
// Delivery is at-least-once; every event carries a monotonically increasing
// per-entity version so consumers can dedupe on (entity id, version).
package events

import (
	"sync"
	"time"
)

// Type enumerates the domain event types the engine emits.
type Type string

const (
	OrderOpened          Type = "order_opened"
	OrderPartiallyFilled Type = "order_partially_filled"
	OrderFilled          Type = "order_filled"
	OrderCancelled       Type = "order_cancelled"
	OrderRejected        Type = "order_rejected"
	OrderExpired         Type = "order_expired"
	PositionOpened       Type = "position_opened"
	PositionUpdated      Type = "position_updated"
	PositionClosed       Type = "position_closed"
	RiskRejected         Type = "risk_rejected"
)

// Event is one domain event instance.
type Event struct {
	Type        Type      `json:"type"`
	EntityID    string    `json:"entity_id"`
	PortfolioID string    `json:"portfolio_id"`
	Version     uint64    `json:"version"`
	At          time.Time `json:"at"`
	Payload     any       `json:"payload,omitempty"`
}

// Handler consumes events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(Event)

// Bus fans events out to subscribers and assigns per-entity versions.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	vmu      sync.Mutex
	versions map[string]uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{versions: make(map[string]uint64)}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers an event to all subscribers, stamping the next version
// for the entity.
func (b *Bus) Publish(typ Type, entityID, portfolioID string, payload any) {
	b.vmu.Lock()
	b.versions[entityID]++
	version := b.versions[entityID]
	b.vmu.Unlock()

	ev := Event{
		Type:        typ,
		EntityID:    entityID,
		PortfolioID: portfolioID,
		Version:     version,
		At:          time.Now().UTC(),
		Payload:     payload,
	}

	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
