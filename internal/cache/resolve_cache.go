package cache

import (
	"context"
	"encoding/json"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/promo-platform/promotion-engine/internal/models"
	rediskey "github.com/promo-platform/promotion-engine/pkg/redis"
)

// ResolveCache is a read-through cache for code resolution keyed by the
// normalized code. Redis problems degrade to cache misses; the resolver
// always has the database behind it.
type ResolveCache struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewResolveCache(rdb *rd.Client, ttl time.Duration) *ResolveCache {
	return &ResolveCache{rdb: rdb, ttl: ttl}
}

func (c *ResolveCache) Get(ctx context.Context, normalized string) (*models.ResolvedCode, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, rediskey.ResolveCacheKey(normalized)).Bytes()
	if err != nil {
		if err != rd.Nil {
			log.Debug().Err(err).Str("code", normalized).Msg("resolve cache read failed")
		}
		return nil, false
	}
	var rc models.ResolvedCode
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, false
	}
	return &rc, true
}

func (c *ResolveCache) Set(ctx context.Context, normalized string, rc *models.ResolvedCode) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(rc)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, rediskey.ResolveCacheKey(normalized), raw, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("code", normalized).Msg("resolve cache write failed")
	}
}

// Invalidate drops cached entries after an admin write touches their rows.
func (c *ResolveCache) Invalidate(ctx context.Context, normalizedCodes ...string) {
	if c == nil || c.rdb == nil || len(normalizedCodes) == 0 {
		return
	}
	keys := make([]string, len(normalizedCodes))
	for i, n := range normalizedCodes {
		keys[i] = rediskey.ResolveCacheKey(n)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		log.Debug().Err(err).Msg("resolve cache invalidation failed")
	}
}
