package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/altidigitech-ui/leak-detector/app/config"
)

const (
	eventKeyPrefix = "stripe:webhook:"
	eventMarkerTTL = 24 * time.Hour
)

// EventCache is the webhook dedup gate backed by Redis. A marker is set
// atomically before an event is processed and cleared again when a
// critical event fails, so Stripe's retry of the same delivery is not
// treated as a duplicate.
type EventCache struct {
	rdb *redis.Client
}

func NewEventCache(ctx context.Context, cfg config.RedisConfig) (*EventCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &EventCache{rdb: rdb}, nil
}

// NewEventCacheFromClient wraps an existing client. Used by tests.
func NewEventCacheFromClient(rdb *redis.Client) *EventCache {
	return &EventCache{rdb: rdb}
}

// MarkProcessing claims the event. It returns false when another delivery
// of the same event already holds the marker.
func (c *EventCache) MarkProcessing(ctx context.Context, eventID string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, eventKeyPrefix+eventID, "1", eventMarkerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claiming event %s: %w", eventID, err)
	}
	return ok, nil
}

// Clear releases the marker so a retried delivery can be processed again.
func (c *EventCache) Clear(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, eventKeyPrefix+eventID).Err()
}

func (c *EventCache) Close() error { return c.rdb.Close() }
