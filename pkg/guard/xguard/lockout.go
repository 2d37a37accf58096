package xguard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// streakRecord 违规连击记录，存储为 JSON 记录、TTL 为冷却期。
// 冷却期内无新违规时记录随 TTL 消亡，状态机自然回到 Clear，
// 跨进程重启依然正确——过期由存储驱动，不依赖进程内定时器。
type streakRecord struct {
	// Level 连续违规级数，决定锁定时长
	Level int `json:"level"`

	// LastViolationAt 最近一次违规时间
	LastViolationAt time.Time `json:"last_violation_at"`

	// LockedUntil 当前锁定的截止时间
	LockedUntil time.Time `json:"locked_until"`
}

// lockoutManager 渐进式锁定管理器。
// 每个追踪键对应一个状态机：Clear → Locked(1) → Locked(2) → … → Locked(max)，
// 冷却期内无违规自动回到 Clear。锁定只升级、从不提前缩短，
// 解除仅能通过管理操作（Clear）。
type lockoutManager struct {
	store    Store
	locks    keyLocker
	cooldown time.Duration
	clock    func() time.Time
}

func newLockoutManager(store Store, locks keyLocker, cooldown time.Duration, clock func() time.Time) *lockoutManager {
	return &lockoutManager{
		store:    store,
		locks:    locks,
		cooldown: cooldown,
		clock:    clock,
	}
}

// Status 查询键的锁定状态，返回是否锁定及剩余时长
func (m *lockoutManager) Status(ctx context.Context, storeKey string) (bool, time.Duration, error) {
	rec, err := m.load(ctx, storeKey)
	if err != nil {
		return false, 0, err
	}
	if rec == nil {
		return false, 0, nil
	}

	remaining := rec.LockedUntil.Sub(m.clock())
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// RecordViolation 记录一次硬超限并升级锁定，返回锁定截止时间与连击级数。
//
// 记录更新是读-改-写，用按键互斥串行化（Redis 部署用 redsync，
// 进程内用分片互斥锁），并发违规不会互相覆盖级数。
// 拿锁失败时退化为无锁更新：最坏情况跳过一级升级，绝不会降级。
func (m *lockoutManager) RecordViolation(ctx context.Context, storeKey string, policy Policy) (time.Time, int, error) {
	unlock, err := m.locks.lock(ctx, storeKey)
	if err == nil && unlock != nil {
		defer unlock()
	}

	now := m.clock()

	rec, err := m.load(ctx, storeKey)
	if err != nil {
		return time.Time{}, 0, err
	}

	level := 1
	lockedUntil := now
	if rec != nil {
		// 冷却期内的再次违规 → 升级；记录能读到本身就意味着未过冷却期
		level = rec.Level + 1
		if rec.LockedUntil.After(lockedUntil) {
			// 锁定从不提前缩短：新锁定从旧锁定截止时间起算不短于旧值
			lockedUntil = rec.LockedUntil
		}
	}

	duration := policy.lockoutDuration(level)
	until := now.Add(duration)
	if until.Before(lockedUntil) {
		until = lockedUntil
	}

	next := streakRecord{
		Level:           level,
		LastViolationAt: now,
		LockedUntil:     until,
	}
	if err := m.save(ctx, storeKey, next); err != nil {
		return time.Time{}, 0, err
	}

	return until, level, nil
}

// Clear 管理操作：清除连击记录并解除锁定
func (m *lockoutManager) Clear(ctx context.Context, storeKey string) error {
	return m.store.Delete(ctx, storeKey)
}

func (m *lockoutManager) load(ctx context.Context, storeKey string) (*streakRecord, error) {
	data, err := m.store.GetBlob(ctx, storeKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var rec streakRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// 损坏的记录当作不存在处理，下一次违规重新从级数 1 开始
		return nil, nil
	}
	return &rec, nil
}

func (m *lockoutManager) save(ctx context.Context, storeKey string, rec streakRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.SetBlob(ctx, storeKey, data, m.cooldown)
}

// =============================================================================
// 按键互斥
// =============================================================================

// keyLocker 按键互斥接口，用于串行化连击记录的读-改-写
type keyLocker interface {
	// lock 获取键对应的互斥，返回解锁函数。
	// 获取失败时返回 (nil, err)，调用方应降级为无锁更新。
	lock(ctx context.Context, key string) (func(), error)
}

// localLockShards 进程内互斥分片数
const localLockShards = 64

// localKeyLocker 进程内按键互斥，xxhash 分片
type localKeyLocker struct {
	shards [localLockShards]sync.Mutex
}

func newLocalKeyLocker() *localKeyLocker {
	return &localKeyLocker{}
}

func (l *localKeyLocker) lock(_ context.Context, key string) (func(), error) {
	mu := &l.shards[xxhash.Sum64String(key)&(localLockShards-1)]
	mu.Lock()
	return mu.Unlock, nil
}

// redisLockExpiry 分布式互斥的自动过期时间。
// 持有者崩溃时互斥最多悬挂这么久，远大于一次读-改-写的耗时。
const redisLockExpiry = 2 * time.Second

// redisKeyLocker 基于 redsync 的跨实例按键互斥
type redisKeyLocker struct {
	rs *redsync.Redsync
}

func newRedisKeyLocker(rdb redis.UniversalClient) *redisKeyLocker {
	return &redisKeyLocker{
		rs: redsync.New(goredis.NewPool(rdb)),
	}
}

func (l *redisKeyLocker) lock(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(key+":mx",
		redsync.WithExpiry(redisLockExpiry),
		redsync.WithTries(3),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, err
	}
	return func() {
		// 解锁失败只能靠过期兜底，无补救手段
		_, _ = mutex.UnlockContext(context.WithoutCancel(ctx))
	}, nil
}

var (
	_ keyLocker = (*localKeyLocker)(nil)
	_ keyLocker = (*redisKeyLocker)(nil)
)
