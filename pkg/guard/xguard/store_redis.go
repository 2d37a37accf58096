package xguard

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript 原子完成"自增；首次自增时设置 TTL；返回计数与剩余 TTL"。
// 设计决策: 自增与 TTL 设置必须在同一脚本内完成。INCR 后单独 EXPIRE
// 存在进程在两步之间崩溃导致永不过期键的窗口，也无法保证并发首次
// 自增只设置一次 TTL。
var incrScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {c, ttl}
`)

// redisStore 基于 Redis 的共享计数器存储，多实例部署的权威实现
type redisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(rdb redis.UniversalClient) (Store, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	return &redisStore{rdb: rdb}, nil
}

// Type 返回存储类型
func (s *redisStore) Type() string {
	return "redis"
}

// Incr 原子自增计数器
func (s *redisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, errors.New("xguard: unexpected incr script reply")
	}

	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		// PTTL 对无 TTL 的键返回 -1；并发删除后返回 -2。
		// 两种情况都按"本窗口剩余 ttl"兜底，不向上冒错。
		return count, ttl, nil
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Peek 读取计数器当前值，不消耗配额
func (s *redisStore) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}

	count, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	ttl, err := ttlCmd.Result()
	if err != nil {
		return 0, 0, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// Delete 删除键
func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// GetBlob 读取记录字节，不存在返回 (nil, nil)
func (s *redisStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetBlob 写入记录字节并设置 TTL
func (s *redisStore) SetBlob(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, val, ttl).Err()
}

// Close 关闭存储（注入的客户端由调用方管理）
func (s *redisStore) Close() error {
	return nil
}

// 确保 redisStore 实现了 Store 接口
var _ Store = (*redisStore)(nil)
