package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Guard is the redis idempotency check in front of the pipeline. It fails
// open: a redis outage lets duplicates through rather than dropping events,
// and handlers stay idempotent to absorb that.
type Guard struct {
	client *redis.Client
	log    *zap.Logger
	ttl    time.Duration
}

// NewGuard builds a guard with the given dedupe window. The window must
// exceed the provider's retry horizon or late retries replay as new events.
func NewGuard(client *redis.Client, log *zap.Logger, ttl time.Duration) *Guard {
	return &Guard{
		client: client,
		log:    log.Named("webhook.guard"),
		ttl:    ttl,
	}
}

func (g *Guard) key(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

// Seen reports whether the event id was already marked processed.
func (g *Guard) Seen(ctx context.Context, eventID string) bool {
	if g.client == nil {
		return false
	}
	n, err := g.client.Exists(ctx, g.key(eventID)).Result()
	if err != nil {
		g.log.Warn("dedupe check failed, treating event as new",
			zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return n > 0
}

// Mark records the event id as processed for the dedupe window.
func (g *Guard) Mark(ctx context.Context, eventID string) {
	if g.client == nil {
		return
	}
	if err := g.client.SetNX(ctx, g.key(eventID), "1", g.ttl).Err(); err != nil {
		g.log.Warn("failed to mark event processed",
			zap.String("event_id", eventID), zap.Error(err))
	}
}
