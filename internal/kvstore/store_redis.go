package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a shared Redis, used when several host
// processes need the same persisted queue and team cache.
type Redis struct {
	rdb    *redis.Client
	prefix string
	clock  clockwork.Clock
}

func NewRedis(rdb *redis.Client, prefix string, clock clockwork.Clock) *Redis {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Redis{rdb: rdb, prefix: strings.TrimSpace(prefix), clock: clock}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedis(rdb, prefix, nil), nil
}

func (s *Redis) key(k string) string { return s.prefix + k }

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Redis) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, s.key(key), value, 0).Err()
}

func (s *Redis) SetWithTTL(ctx context.Context, key, ttlKey, value string) error {
	stamp := s.clock.Now().UnixMilli()
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(key), value, 0)
	pipe.Set(ctx, s.key(ttlKey), stamp, 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) Remove(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func (s *Redis) IsExpired(ctx context.Context, ttlKey string, ttl time.Duration) (bool, error) {
	raw, ok, err := s.Get(ctx, ttlKey)
	if err != nil {
		return false, err
	}
	return expired(raw, ok, ttl, s.clock.Now()), nil
}

func (s *Redis) Close() error { return s.rdb.Close() }
