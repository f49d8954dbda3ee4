package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for stocks and market configs. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Every method not overridden below passes straight through.
//
// Conditional writes are always evaluated by the primary, so a stale cached
// stock never lets a trade through that the database would reject.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through ---

func (s *CachedStore) GetMarketConfig(ctx context.Context, guildID string) (*model.MarketConfig, error) {
	var cfg model.MarketConfig
	if s.readCache(ctx, configKey(guildID), &cfg) {
		return &cfg, nil
	}
	c, err := s.Store.GetMarketConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, configKey(guildID), c)
	return c, nil
}

func (s *CachedStore) GetStock(ctx context.Context, guildID, stockID string) (*model.Stock, error) {
	var st model.Stock
	if s.readCache(ctx, stockKey(guildID, stockID), &st) {
		return &st, nil
	}
	fresh, err := s.Store.GetStock(ctx, guildID, stockID)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, stockKey(guildID, stockID), fresh)
	return fresh, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertMarketConfig(ctx context.Context, cfg *model.MarketConfig) error {
	if err := s.Store.UpsertMarketConfig(ctx, cfg); err != nil {
		return err
	}
	s.rdb.Del(ctx, configKey(cfg.GuildID))
	return nil
}

func (s *CachedStore) UpdateStockDetails(ctx context.Context, st *model.Stock) error {
	defer s.invalidateStock(ctx, st.GuildID, st.ID)
	return s.Store.UpdateStockDetails(ctx, st)
}

func (s *CachedStore) UpdateStockPrice(ctx context.Context, guildID, stockID string, expected, price decimal.Decimal, at time.Time) error {
	defer s.invalidateStock(ctx, guildID, stockID)
	return s.Store.UpdateStockPrice(ctx, guildID, stockID, expected, price, at)
}

func (s *CachedStore) AdjustAvailableShares(ctx context.Context, guildID, stockID string, delta int64) error {
	defer s.invalidateStock(ctx, guildID, stockID)
	return s.Store.AdjustAvailableShares(ctx, guildID, stockID, delta)
}

func (s *CachedStore) ResizeSupply(ctx context.Context, guildID, stockID string, total int64) error {
	defer s.invalidateStock(ctx, guildID, stockID)
	return s.Store.ResizeSupply(ctx, guildID, stockID, total)
}

func (s *CachedStore) ClaimDividend(ctx context.Context, guildID, stockID string, expected *time.Time, at time.Time) error {
	defer s.invalidateStock(ctx, guildID, stockID)
	return s.Store.ClaimDividend(ctx, guildID, stockID, expected, at)
}

// --- Cache helpers ---

func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) writeCache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidateStock runs even when the write failed: a failed conditional
// write usually means the cached copy is stale.
func (s *CachedStore) invalidateStock(ctx context.Context, guildID, stockID string) {
	s.rdb.Del(context.WithoutCancel(ctx), stockKey(guildID, stockID))
}

func configKey(guildID string) string { return fmt.Sprintf("market:config:%s", guildID) }
func stockKey(guildID, id string) string {
	return fmt.Sprintf("market:stock:%s:%s", guildID, id)
}
