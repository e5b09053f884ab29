package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cwrk-planet/presence-service/internal/store"

	"github.com/redis/go-redis/v9"
)

var deleteIfValue = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS: member set, counter zset. ARGV: member, field, limit.
// Returns {count, added, rejected}.
var admit = redis.NewScript(`
local n = tonumber(redis.call('ZSCORE', KEYS[2], ARGV[2]) or '0')
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
	return {n, 0, 0}
end
local limit = tonumber(ARGV[3])
if limit > 0 and n >= limit then
	return {n, 0, 1}
end
redis.call('SADD', KEYS[1], ARGV[1])
n = tonumber(redis.call('ZINCRBY', KEYS[2], 1, ARGV[2]))
return {n, 1, 0}
`)

var evict = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local n = tonumber(redis.call('ZINCRBY', KEYS[2], -1, ARGV[2]))
if n < 0 then
	redis.call('ZADD', KEYS[2], 0, ARGV[2])
end
return 1
`)

// FastStore implements store.FastStore on top of a go-redis client.
type FastStore struct {
	rdb redis.UniversalClient
}

var _ store.FastStore = (*FastStore)(nil)

func NewFastStore(rdb redis.UniversalClient) *FastStore {
	return &FastStore{rdb: rdb}
}

func (s *FastStore) Get(ctx context.Context, key string) store.Result[string] {
	return classify(s.rdb.Get(ctx, key).Result())
}

func (s *FastStore) Set(ctx context.Context, key, value string, ttl time.Duration) store.Result[store.Empty] {
	err := s.rdb.Set(ctx, key, value, ttl).Err()
	return classify(store.Empty{}, err)
}

func (s *FastStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) store.Result[bool] {
	return classify(s.rdb.SetNX(ctx, key, value, ttl).Result())
}

func (s *FastStore) Delete(ctx context.Context, keys ...string) store.Result[int64] {
	if len(keys) == 0 {
		return store.OK[int64](0)
	}
	return classify(s.rdb.Del(ctx, keys...).Result())
}

func (s *FastStore) DeleteIfValue(ctx context.Context, key, value string) store.Result[bool] {
	n, err := deleteIfValue.Run(ctx, s.rdb, []string{key}, value).Int64()
	return classify(n == 1, err)
}

func (s *FastStore) Incr(ctx context.Context, key string, delta int64) store.Result[int64] {
	return classify(s.rdb.IncrBy(ctx, key, delta).Result())
}

func (s *FastStore) SetAdd(ctx context.Context, key string, members ...string) store.Result[int64] {
	return classify(s.rdb.SAdd(ctx, key, toAny(members)...).Result())
}

func (s *FastStore) SetRemove(ctx context.Context, key string, members ...string) store.Result[int64] {
	return classify(s.rdb.SRem(ctx, key, toAny(members)...).Result())
}

func (s *FastStore) SetMembers(ctx context.Context, key string) store.Result[[]string] {
	return classify(s.rdb.SMembers(ctx, key).Result())
}

func (s *FastStore) SetCard(ctx context.Context, key string) store.Result[int64] {
	return classify(s.rdb.SCard(ctx, key).Result())
}

// Admit and Evict touch two keys in one script; on a cluster both keys
// must hash to the same slot.
func (s *FastStore) Admit(ctx context.Context, setKey, member, counterKey, field string, limit int64) store.Result[store.Admission] {
	v, err := admit.Run(ctx, s.rdb, []string{setKey, counterKey}, member, field, limit).Int64Slice()
	if err != nil {
		return classify(store.Admission{}, err)
	}
	if len(v) != 3 {
		return store.Unavailable[store.Admission](fmt.Errorf("admit: unexpected reply %v", v))
	}
	return store.OK(store.Admission{Count: v[0], Added: v[1] == 1, Rejected: v[2] == 1})
}

func (s *FastStore) Evict(ctx context.Context, setKey, member, counterKey, field string) store.Result[bool] {
	n, err := evict.Run(ctx, s.rdb, []string{setKey, counterKey}, member, field).Int64()
	return classify(n == 1, err)
}

func (s *FastStore) SortedSetAdd(ctx context.Context, key, member string, score float64) store.Result[store.Empty] {
	err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	return classify(store.Empty{}, err)
}

func (s *FastStore) SortedSetIncr(ctx context.Context, key, member string, delta float64) store.Result[float64] {
	return classify(s.rdb.ZIncrBy(ctx, key, delta, member).Result())
}

func (s *FastStore) SortedSetRemove(ctx context.Context, key string, members ...string) store.Result[int64] {
	return classify(s.rdb.ZRem(ctx, key, toAny(members)...).Result())
}

func (s *FastStore) SortedSetScore(ctx context.Context, key, member string) store.Result[float64] {
	return classify(s.rdb.ZScore(ctx, key, member).Result())
}

func (s *FastStore) SortedSetRange(ctx context.Context, key string, q store.RangeQuery) store.Result[[]store.ScoredMember] {
	stop := int64(-1)
	if q.Limit > 0 {
		stop = int64(q.Limit - 1)
	}

	var (
		zs  []redis.Z
		err error
	)
	if q.Order == store.Descending {
		zs, err = s.rdb.ZRevRangeWithScores(ctx, key, 0, stop).Result()
	} else {
		zs, err = s.rdb.ZRangeWithScores(ctx, key, 0, stop).Result()
	}
	if err != nil {
		return classify[[]store.ScoredMember](nil, err)
	}

	out := make([]store.ScoredMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, store.ScoredMember{Member: m, Score: z.Score})
	}
	return store.OK(out)
}

func (s *FastStore) Ping(ctx context.Context) error {
	return ping(ctx, s.rdb)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
