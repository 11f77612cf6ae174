// Package cache is the short-TTL read-through cache in front of the
// materialized entitlement store. Every operation is best-effort: backend
// errors degrade to a miss or a no-op, never to a failed request.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	"github.com/smallbiznis/entitled/internal/observability/metrics"
	"go.uber.org/zap"
)

const keyEntitlements = "entitlements:project:%s:user:%s"

// EntitlementCache fronts the materialized store.
type EntitlementCache interface {
	Get(ctx context.Context, projectID snowflake.ID, userID string) ([]entitlementdomain.Entitlement, bool)
	Set(ctx context.Context, projectID snowflake.ID, userID string, rows []entitlementdomain.Entitlement, ttl time.Duration)
	Invalidate(ctx context.Context, projectID snowflake.ID, userID string)
}

type entitlementCache struct {
	client  *redis.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New builds the redis-backed cache. A nil client yields a cache that
// always misses.
func New(client *redis.Client, log *zap.Logger, m *metrics.Metrics) EntitlementCache {
	return &entitlementCache{
		client:  client,
		log:     log.Named("entitlement.cache"),
		metrics: m,
	}
}

func (c *entitlementCache) Get(ctx context.Context, projectID snowflake.ID, userID string) ([]entitlementdomain.Entitlement, bool) {
	if c.client == nil {
		c.metrics.IncCacheRequest("miss")
		return nil, false
	}

	raw, err := c.client.Get(ctx, cacheKey(projectID, userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache get failed", zap.Error(err))
		}
		c.metrics.IncCacheRequest("miss")
		return nil, false
	}

	var rows []entitlementdomain.Entitlement
	if err := json.Unmarshal(raw, &rows); err != nil {
		c.log.Warn("cache entry corrupt, dropping", zap.Error(err))
		c.metrics.IncCacheRequest("miss")
		return nil, false
	}

	c.metrics.IncCacheRequest("hit")
	return rows, true
}

func (c *entitlementCache) Set(ctx context.Context, projectID snowflake.ID, userID string, rows []entitlementdomain.Entitlement, ttl time.Duration) {
	if c.client == nil {
		return
	}

	raw, err := json.Marshal(rows)
	if err != nil {
		c.log.Warn("cache marshal failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(projectID, userID), raw, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", zap.Error(err))
	}
}

func (c *entitlementCache) Invalidate(ctx context.Context, projectID snowflake.ID, userID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(projectID, userID)).Err(); err != nil {
		c.log.Warn("cache invalidate failed", zap.Error(err))
	}
}

func cacheKey(projectID snowflake.ID, userID string) string {
	return fmt.Sprintf(keyEntitlements, projectID.String(), userID)
}
