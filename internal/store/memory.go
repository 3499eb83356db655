package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tradeassist/order-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	pairs      map[string]*model.TradingPair
	portfolios map[string]*model.Portfolio
	profiles   map[string]*model.RiskProfile
	orders     map[string]*model.Order
	ordersByIK map[string]string // idempotency key → order id
	trades     []model.Trade
	tradeIDs   map[string]bool // exchange trade id dedup set
	positions  map[string]*model.Position
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pairs:      make(map[string]*model.TradingPair),
		portfolios: make(map[string]*model.Portfolio),
		profiles:   make(map[string]*model.RiskProfile),
		orders:     make(map[string]*model.Order),
		ordersByIK: make(map[string]string),
		tradeIDs:   make(map[string]bool),
		positions:  make(map[string]*model.Position),
	}
}

func (s *MemoryStore) CreatePair(_ context.Context, p *model.TradingPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pairs[p.ID]; ok {
		return fmt.Errorf("pair %s already exists", p.ID)
	}
	cp := *p
	s.pairs[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPair(_ context.Context, id string) (*model.TradingPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairs[id]
	if !ok {
		return nil, fmt.Errorf("pair %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.ID]; ok {
		return fmt.Errorf("portfolio %s already exists", p.ID)
	}
	cp := *p
	s.portfolios[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.ID]; !ok {
		return fmt.Errorf("portfolio %s: %w", p.ID, ErrNotFound)
	}
	cp := *p
	s.portfolios[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, *p)
	}
	return out, nil
}

func (s *MemoryStore) GetRiskProfile(_ context.Context, portfolioID string) (*model.RiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rp, ok := s.profiles[portfolioID]
	if !ok {
		return nil, fmt.Errorf("risk profile for %s: %w", portfolioID, ErrNotFound)
	}
	cp := *rp
	return &cp, nil
}

func (s *MemoryStore) PutRiskProfile(_ context.Context, rp *model.RiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rp
	s.profiles[rp.PortfolioID] = &cp
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.IdempotencyKey != "" {
		if _, ok := s.ordersByIK[o.IdempotencyKey]; ok {
			return ErrDuplicateIdempotencyKey
		}
	}
	cp := *o
	s.orders[o.ID] = &cp
	if o.IdempotencyKey != "" {
		s.ordersByIK[o.IdempotencyKey] = o.ID
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ordersByIK[key]
	if !ok {
		return nil, fmt.Errorf("order with key %s: %w", key, ErrNotFound)
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, portfolioID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.PortfolioID == portfolioID && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) ListActiveOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tradeIDs[t.ExchangeTradeID] {
		return false, nil
	}
	s.tradeIDs[t.ExchangeTradeID] = true
	s.trades = append(s.trades, *t)
	return true, nil
}

func (s *MemoryStore) ListTradesByOrder(_ context.Context, orderID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOpenPosition(_ context.Context, portfolioID, pairID string, side model.OrderSide) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.PortfolioID == portfolioID && p.PairID == pairID && p.Side == side && p.Status != model.PositionClosed {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("open position %s/%s/%s: %w", portfolioID, pairID, side, ErrNotFound)
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, portfolioID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.PortfolioID == portfolioID && p.Status != model.PositionClosed {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListAllOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Status != model.PositionClosed {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out, nil
}

func sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
}

func sortPositions(positions []model.Position) {
	sort.Slice(positions, func(i, j int) bool { return positions[i].OpenedAt.Before(positions[j].OpenedAt) })
}
