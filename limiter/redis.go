package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// takeScript is the atomic variant of the check: prune, count, compare
// and conditionally insert in one round trip. Returns
// {count, oldestScore|-1, allowed}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local windowStart = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, windowStart)
local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if oldest[2] then
        return {count, tonumber(oldest[2]), 0}
    end
    return {count, -1, 0}
end

redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, ttl)
return {count, -1, 1}
`)

// RedisStore keeps each window in a sorted set: member = unique
// request token, score = request timestamp in milliseconds. Stale
// entries are pruned lazily and the key expires after one idle window.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (rs *RedisStore) Prune(ctx context.Context, key string, windowStart int64) error {
	return rs.client.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10)).Err()
}

func (rs *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	return rs.client.ZCard(ctx, key).Result()
}

func (rs *RedisStore) Oldest(ctx context.Context, key string) (int64, bool, error) {
	zs, err := rs.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, err
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return int64(zs[0].Score), true, nil
}

func (rs *RedisStore) Add(ctx context.Context, key string, score int64, member string, ttl time.Duration) error {
	pipe := rs.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(score), Member: member})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (rs *RedisStore) Clear(ctx context.Context, key string) error {
	return rs.client.Del(ctx, key).Err()
}

// Take implements AtomicWindowStore with a single Lua script.
func (rs *RedisStore) Take(ctx context.Context, key string, now, windowStart int64, limit int, member string, ttl time.Duration) (TakeResult, error) {
	ttlSec := int64(ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}

	raw, err := takeScript.Run(ctx, rs.client, []string{key}, windowStart, now, limit, member, ttlSec).Result()
	if err != nil {
		return TakeResult{}, err
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return TakeResult{}, fmt.Errorf("unexpected script reply %T", raw)
	}

	count, _ := vals[0].(int64)
	oldest, _ := vals[1].(int64)
	allowed, _ := vals[2].(int64)

	return TakeResult{
		Allowed: allowed == 1,
		Count:   count,
		Oldest:  oldest,
	}, nil
}
