package handler

import (
	"context"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/registry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Marker remembers which (handler, event) pairs already succeeded.
type Marker interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

type RedisMarker struct {
	rdb *redis.Client
}

func NewRedisMarker(rdb *redis.Client) *RedisMarker {
	return &RedisMarker{rdb: rdb}
}

func (m *RedisMarker) Seen(ctx context.Context, key string) (bool, error) {
	n, err := m.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *RedisMarker) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return m.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func markerKey(handlerName, eventID string) string {
	return "outbox:done:" + handlerName + ":" + eventID
}

// Idempotent skips h for events it already handled successfully. When one
// of several handlers fails, the whole event is retried; this keeps the
// handlers that already succeeded from running again. A marker store outage
// degrades to plain at-least-once delivery.
func Idempotent(m Marker, handlerName string, ttl time.Duration, log *zap.Logger, h registry.Handler) registry.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, rec model.Record) error {
		key := markerKey(handlerName, rec.EventID)

		seen, err := m.Seen(ctx, key)
		if err != nil {
			log.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		}
		if seen {
			log.Debug("handler already succeeded, skipping",
				zap.String("event_id", rec.EventID),
				zap.String("handler", handlerName),
			)
			return nil
		}

		if err := h(ctx, rec); err != nil {
			return err
		}

		if err := m.Mark(ctx, key, ttl); err != nil {
			log.Warn("idempotency mark failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
}
