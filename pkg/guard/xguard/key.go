package xguard

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Scope 追踪键的作用域
type Scope string

const (
	// ScopeIP 按来源 IP 追踪，覆盖未认证流量
	ScopeIP Scope = "ip"

	// ScopeUser 按已认证用户追踪，与 IP 维度独立计数
	ScopeUser Scope = "user"
)

// 存储键的段前缀
const (
	segCounter = "cnt:"
	segLockout = "lock:"
	segPenalty = "bot:"
)

// TrackingKey 追踪键，标识"谁在访问哪类路由"。
// 每个请求派生、不可变、不单独持久化，只有其编码形式作为存储键使用。
type TrackingKey struct {
	// Scope 作用域：ip 或 user
	Scope Scope

	// Identity 身份标识：IP 地址字符串或用户 ID
	Identity string

	// Class 路由类别，如 auth:signin、api:get
	Class string
}

// IsZero 检查键是否为空
func (k TrackingKey) IsZero() bool {
	return k.Scope == "" && k.Identity == "" && k.Class == ""
}

// digest 返回身份的 xxhash64 十六进制摘要。
// 设计决策: 存储键只携带身份摘要，不携带原始 IP/用户 ID。
// 摘要定长（16 字符），同时避免把可识别身份写进共享存储的键空间。
func (k TrackingKey) digest() string {
	return strconv.FormatUint(xxhash.Sum64String(k.Identity), 16)
}

// CounterKey 返回当前窗口计数器的存储键
func (k TrackingKey) CounterKey(prefix string) string {
	return k.storeKey(prefix, segCounter)
}

// LockoutKey 返回违规连击记录的存储键
func (k TrackingKey) LockoutKey(prefix string) string {
	return k.storeKey(prefix, segLockout)
}

// PenaltyKey 返回机器人惩罚标记的存储键
func (k TrackingKey) PenaltyKey(prefix string) string {
	return k.storeKey(prefix, segPenalty)
}

func (k TrackingKey) storeKey(prefix, seg string) string {
	var b strings.Builder
	digest := k.digest()
	b.Grow(len(prefix) + len(seg) + len(k.Scope) + len(k.Class) + len(digest) + 2)
	b.WriteString(prefix)
	b.WriteString(seg)
	b.WriteString(string(k.Scope))
	b.WriteByte(':')
	b.WriteString(k.Class)
	b.WriteByte(':')
	b.WriteString(digest)
	return b.String()
}

// String 返回键的可读表示，用于日志和调试。
// 包含原始身份，仅供操作方日志使用，绝不进入对外响应。
func (k TrackingKey) String() string {
	return string(k.Scope) + ":" + k.Class + ":" + k.Identity
}
