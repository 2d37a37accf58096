package xguard

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shardCount 本地存储分片数，必须为 2 的幂
const shardCount = 16

// sweepEveryN 每 N 次写操作对所在分片做一次过期清扫
const sweepEveryN = 256

// localStore 进程内计数器存储。
// 按键的 xxhash 摘要分片，每个分片独立加锁，降低热点竞争。
// TTL 通过惰性过期（访问时检查）加写路径的机会性清扫实现，
// 适用于单实例部署或测试。
type localStore struct {
	shards [shardCount]*localShard
	clock  func() time.Time
}

type localShard struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	blobs    map[string]*blobEntry
	ops      int
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type blobEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewLocalStore 创建进程内存储
func NewLocalStore() Store {
	return newLocalStore(time.Now)
}

// newLocalStore 允许注入时钟，供测试控制窗口推进
func newLocalStore(clock func() time.Time) *localStore {
	s := &localStore{clock: clock}
	for i := range s.shards {
		s.shards[i] = &localShard{
			counters: make(map[string]*counterEntry),
			blobs:    make(map[string]*blobEntry),
		}
	}
	return s
}

// Type 返回存储类型
func (s *localStore) Type() string {
	return "local"
}

func (s *localStore) shardFor(key string) *localShard {
	return s.shards[xxhash.Sum64String(key)&(shardCount-1)]
}

// Incr 原子自增计数器。分片锁内完成"过期检查 + 创建 + 自增"，
// 并发请求不可能观察到同一窗口的重复创建。
func (s *localStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &counterEntry{expiresAt: now.Add(ttl)}
		sh.counters[key] = e
	}
	e.count++

	sh.maybeSweepLocked(now)
	return e.count, e.expiresAt.Sub(now), nil
}

// Peek 读取计数器当前值，不消耗配额
func (s *localStore) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		return 0, 0, nil
	}
	return e.count, e.expiresAt.Sub(now), nil
}

// Delete 删除键（计数器与记录）
func (s *localStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.counters, key)
	delete(sh.blobs, key)
	return nil
}

// GetBlob 读取记录字节，过期或不存在返回 (nil, nil)
func (s *localStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.blobs[key]
	if !ok || !now.Before(e.expiresAt) {
		return nil, nil
	}

	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

// SetBlob 写入记录字节并设置 TTL
func (s *localStore) SetBlob(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.clock()
	data := make([]byte, len(val))
	copy(data, val)

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.blobs[key] = &blobEntry{data: data, expiresAt: now.Add(ttl)}
	sh.maybeSweepLocked(now)
	return nil
}

// Close 关闭存储
func (s *localStore) Close() error {
	return nil
}

// maybeSweepLocked 机会性清扫所在分片的过期条目。
// 调用方必须持有分片锁。清扫摊还在写路径上，无需后台定时器，
// 与"过期只由 TTL 机制驱动"的模型一致。
func (sh *localShard) maybeSweepLocked(now time.Time) {
	sh.ops++
	if sh.ops%sweepEveryN != 0 {
		return
	}
	for k, e := range sh.counters {
		if !now.Before(e.expiresAt) {
			delete(sh.counters, k)
		}
	}
	for k, e := range sh.blobs {
		if !now.Before(e.expiresAt) {
			delete(sh.blobs, k)
		}
	}
}

// 确保 localStore 实现了 Store 接口
var _ Store = (*localStore)(nil)
