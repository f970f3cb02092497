package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Cache is a Redis-backed read cache for balances.
//
// Entries carry a TTL so a lost invalidation self-corrects. All operations
// are best-effort: a Redis failure degrades GetBalance to a store read, it
// never fails a request. A nil *Cache is valid and disables caching.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// CachedBalance is the value stored per user.
type CachedBalance struct {
	Amount decimal.Decimal `json:"amount"`
	Tier   string          `json:"tier"`
}

// NewCache creates a balance cache with the given entry TTL.
func NewCache(rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		rdb: rdb,
		ttl: ttl,
		log: logger.With().Str("component", "balance_cache").Logger(),
	}
}

func balanceKey(userID string) string {
	return fmt.Sprintf("credit:balance:%s", userID)
}

// Get returns the cached balance for a user, if present.
func (c *Cache) Get(ctx context.Context, userID string) (CachedBalance, bool) {
	if c == nil {
		return CachedBalance{}, false
	}
	raw, err := c.rdb.Get(ctx, balanceKey(userID)).Bytes()
	if err == redis.Nil {
		return CachedBalance{}, false
	}
	if err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("cache get failed")
		return CachedBalance{}, false
	}
	var cb CachedBalance
	if err := json.Unmarshal(raw, &cb); err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("cache entry corrupt, dropping")
		c.rdb.Del(ctx, balanceKey(userID))
		return CachedBalance{}, false
	}
	return cb, true
}

// Set stores a balance, overwriting any existing entry.
func (c *Cache) Set(ctx context.Context, userID string, amount decimal.Decimal, tier string) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(CachedBalance{Amount: amount, Tier: tier})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, balanceKey(userID), raw, c.ttl).Err(); err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("cache set failed")
	}
}

// Invalidate drops the entry for a user.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, balanceKey(userID)).Err(); err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("cache invalidate failed")
	}
}
