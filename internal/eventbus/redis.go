package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/usage"
)

// DefaultStream is the Redis stream events are mirrored to.
const DefaultStream = "rankd:events"

// RedisRelay mirrors bus events onto a Redis stream so other processes can
// follow rankings without talking to the HTTP API.
type RedisRelay struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisRelay connects to redisURL and verifies the connection. An empty
// stream means DefaultStream.
func NewRedisRelay(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisRelay{rdb: rdb, stream: stream, maxLen: 10000, logger: logger.Named("redis")}, nil
}

// HandleEvent appends evt to the stream, trimming it to roughly maxLen.
func (r *RedisRelay) HandleEvent(ctx context.Context, evt usage.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind": string(evt.Kind),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", r.stream, err)
	}

	r.logger.Debug("relayed event",
		zap.String("kind", string(evt.Kind)),
		zap.String("resource", evt.Key.Resource))
	return nil
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
