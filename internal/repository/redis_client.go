package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dm-responder/internal/state"
)

// redisAPI is the subset of *redis.Client used by RedisStore.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// casScript sets KEYS[1] to ARGV[3] only if it still holds ARGV[2], or is
// still absent when ARGV[1] is "0". ARGV[4] is the expiry in milliseconds,
// zero for none. It returns 1 on commit and 0 on conflict.
const casScript = `
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
  if cur ~= ARGV[2] then return 0 end
elseif cur then
  return 0
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`

// RedisStore keeps state in Redis using native key expiry.
type RedisStore struct {
	api    redisAPI
	prefix string
}

// NewRedisStore creates a Redis-backed state.Store. prefix is prepended to
// every key.
func NewRedisStore(api redisAPI, prefix string) (*RedisStore, error) {
	if api == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	return &RedisStore{api: api, prefix: prefix}, nil
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("repository: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("repository: ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.api.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: redis get: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.api.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("repository: redis set: %w", err)
	}
	return nil
}

// Update commits fn's result with a server-side compare-and-set against the
// value that was read, retrying when another writer changed it first.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn state.UpdateFunc) error {
	pttl := int64(0)
	if ttl > 0 {
		pttl = ttl.Milliseconds()
		if pttl == 0 {
			pttl = 1
		}
	}
	err := state.Retry(ctx, func() (bool, error) {
		current, found, err := s.Get(ctx, key)
		if err != nil {
			return false, err
		}
		next, err := fn(current, found)
		if err != nil {
			return false, err
		}
		expect := "0"
		if found {
			expect = "1"
		}
		n, err := s.api.Eval(ctx, casScript, []string{s.prefix + key}, expect, current, next, pttl).Int()
		if err != nil {
			return false, fmt.Errorf("repository: redis cas: %w", err)
		}
		return n == 1, nil
	})
	if errors.Is(err, state.ErrConflict) {
		return fmt.Errorf("repository: redis update %q: %w", key, err)
	}
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.api.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("repository: redis del: %w", err)
	}
	return nil
}
