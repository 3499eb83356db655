package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradeassist/order-engine/internal/model"
)

// CachedStore wraps a Store with a Redis read-through cache on the read
// model. Writes go straight to the backing store and invalidate the affected
// keys. Cache failures degrade to the backing store, never to an error.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore wraps backing with a Redis cache.
func NewCachedStore(backing Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: backing, rdb: rdb, ttl: ttl}
}

func pairKey(id string) string      { return "pair:" + id }
func portfolioKey(id string) string { return "portfolio:" + id }
func orderKey(id string) string     { return "order:" + id }
func positionsKey(id string) string { return "positions:" + id }

func (s *CachedStore) getCached(ctx context.Context, key string, dest any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (s *CachedStore) setCached(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache set failed", "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", fmt.Sprint(keys), "err", err)
	}
}

// Trading pairs are immutable reference data, the best cache candidate.
func (s *CachedStore) GetPair(ctx context.Context, id string) (*model.TradingPair, error) {
	var p model.TradingPair
	if s.getCached(ctx, pairKey(id), &p) {
		return &p, nil
	}

	got, err := s.Store.GetPair(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, pairKey(id), got)
	return got, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	var p model.Portfolio
	if s.getCached(ctx, portfolioKey(id), &p) {
		return &p, nil
	}

	got, err := s.Store.GetPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, portfolioKey(id), got)
	return got, nil
}

func (s *CachedStore) UpdatePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.Store.UpdatePortfolio(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, portfolioKey(p.ID))
	return nil
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if s.getCached(ctx, orderKey(id), &o) {
		return &o, nil
	}

	got, err := s.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	// Cache only terminal orders; in-flight orders change too often.
	if got.Status.Terminal() {
		s.setCached(ctx, orderKey(id), got)
	}
	return got, nil
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	if err := s.Store.UpdateOrder(ctx, o); err != nil {
		return err
	}
	s.invalidate(ctx, orderKey(o.ID))
	return nil
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	var out []model.Position
	if s.getCached(ctx, positionsKey(portfolioID), &out) {
		return out, nil
	}

	got, err := s.Store.ListOpenPositions(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, positionsKey(portfolioID), got)
	return got, nil
}

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.Store.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, positionsKey(p.PortfolioID))
	return nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := s.Store.UpdatePosition(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, positionsKey(p.PortfolioID))
	return nil
}
