package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/calendar-assistant/internal/model"
)

const redisKeyPrefix = "calassist:state:"

// RedisStore implements Store on Redis. Entries carry a Redis TTL matching
// ExpiresAt, so Sweep has nothing to do.
type RedisStore struct {
	rdb     *redis.Client
	nowFunc func() time.Time
}

// NewRedis connects to url and verifies the connection.
func NewRedis(ctx context.Context, url, password string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "redis: parse url")
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, eris.Wrap(err, "redis: ping")
	}
	return NewRedisFromClient(rdb), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, nowFunc: time.Now}
}

func redisKey(key string) string { return redisKeyPrefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) (*model.PreservedState, error) {
	data, err := s.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "redis: get state")
	}
	st, err := decodeRecord(data)
	if err != nil {
		return nil, eris.Wrap(err, "redis: decode state")
	}
	return st, nil
}

func (s *RedisStore) Set(ctx context.Context, state model.PreservedState) error {
	ttl := state.ExpiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		return s.Delete(ctx, state.Key)
	}
	data, err := encodeRecord(state)
	if err != nil {
		return eris.Wrap(err, "redis: encode state")
	}
	return eris.Wrap(s.rdb.Set(ctx, redisKey(state.Key), data, ttl).Err(), "redis: set state")
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return eris.Wrap(s.rdb.Del(ctx, redisKey(key)).Err(), "redis: delete state")
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func (s *RedisStore) Migrate(context.Context) error { return nil }

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
