package xguard

import (
	"context"
	"time"
)

// Store 定义计数器存储的核心操作接口。
// 这是整个引擎唯一的共享可变状态，实现必须支持多线程/多进程并发访问。
// 任何满足此契约的存储都可替换使用：单实例部署用进程内实现，
// 多实例部署用共享的外部键值存储。
type Store interface {
	// Incr 原子自增计数器并返回自增后的值。
	// 键不存在时以 ttl 创建后自增——"创建 + 自增"必须是单个原子操作，
	// 这是固定窗口上界的正确性保证（见 Decision 的并发语义）。
	// expiresIn 为键的剩余存活时长。
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, expiresIn time.Duration, err error)

	// Peek 读取计数器当前值，不消耗配额。键不存在时返回 (0, 0, nil)。
	Peek(ctx context.Context, key string) (count int64, expiresIn time.Duration, err error)

	// Delete 删除键。计数器正常情况下只靠 TTL 过期销毁，
	// 显式删除仅用于冷却通过和管理操作。
	Delete(ctx context.Context, key string) error

	// GetBlob 读取记录字节（违规连击记录、惩罚标记）。
	// 键不存在时返回 (nil, nil)。
	GetBlob(ctx context.Context, key string) ([]byte, error)

	// SetBlob 写入记录字节并设置 TTL
	SetBlob(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Close 释放存储自有资源（不关闭注入的外部客户端）
	Close() error

	// Type 返回存储类型标识，用于日志和指标
	Type() string
}
