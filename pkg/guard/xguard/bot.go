package xguard

import (
	"reflect"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// 机器人启发式参数
const (
	// cadenceSampleSize 节奏判定的滚动样本数
	cadenceSampleSize = 8

	// cadenceMinInterval 人类合理的最小平均请求间隔。
	// 样本窗口内平均间隔低于此值即判定为自动化节奏。
	cadenceMinInterval = 200 * time.Millisecond

	// cadenceCacheSize 节奏样本缓存的最大身份数
	cadenceCacheSize = 4096

	// cadenceCacheTTL 节奏样本的闲置过期时间
	cadenceCacheTTL = 5 * time.Minute
)

// 可疑判定原因，低基数、只进日志与指标
const (
	botReasonUAPattern = "ua-pattern"
	botReasonCadence   = "cadence"
)

// defaultAgentPatterns 已知自动化客户端的标识特征（子串、不区分大小写）
var defaultAgentPatterns = []string{
	"curl", "wget", "python-requests", "go-http-client", "httpie",
	"scrapy", "bot", "spider", "crawler", "headless", "phantomjs",
}

// Verdict 机器人判定结果。
// Suspicious=true 本身不拒绝请求，只触发更严格的策略叠加。
type Verdict struct {
	Suspicious bool
	Reason     string
}

// botFilter 机器人启发式过滤器。
// 两个独立信号任一命中即标记可疑：
//   - 客户端自述标识匹配自动化特征
//   - 同一身份的请求节奏低于人类合理间隔
//
// 节奏样本保存在带 TTL 的 LRU 中，容量有界，冷身份自动淘汰。
type botFilter struct {
	patterns []string
	samples  *expirable.LRU[string, *cadenceRing]
	clock    func() time.Time
}

func newBotFilter(patterns []string, clock func() time.Time) *botFilter {
	if len(patterns) == 0 {
		patterns = defaultAgentPatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &botFilter{
		patterns: lowered,
		samples:  expirable.NewLRU[string, *cadenceRing](cadenceCacheSize, nil, cadenceCacheTTL),
		clock:    clock,
	}
}

// Classify 判定一次请求是否可疑并记录节奏样本。
// identity 为追踪身份（IP 或用户 ID），clientIdentity 为客户端自述标识。
func (f *botFilter) Classify(identity, clientIdentity string) Verdict {
	if f.matchesAgentPattern(clientIdentity) {
		return Verdict{Suspicious: true, Reason: botReasonUAPattern}
	}

	if identity != "" && f.observeCadence(identity) {
		return Verdict{Suspicious: true, Reason: botReasonCadence}
	}

	return Verdict{}
}

// matchesAgentPattern 检查客户端标识是否匹配自动化特征。
// 空标识同样可疑：正常浏览器与 SDK 都会携带标识。
func (f *botFilter) matchesAgentPattern(clientIdentity string) bool {
	trimmed := strings.TrimSpace(clientIdentity)
	if trimmed == "" {
		return true
	}

	lowered := strings.ToLower(trimmed)
	for _, p := range f.patterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// observeCadence 记录一次请求时间并判定节奏。
// 样本环填满且首尾跨度小于 sampleSize×minInterval 时判定为自动化。
func (f *botFilter) observeCadence(identity string) bool {
	ring, ok := f.samples.Get(identity)
	if !ok {
		ring = newCadenceRing(cadenceSampleSize)
		// Add 的返回值表示是否发生淘汰，这里不关心
		f.samples.Add(identity, ring)
	}
	return ring.observe(f.clock(), cadenceSampleSize*cadenceMinInterval)
}

// close 释放节奏缓存。
// hashicorp/golang-lru/v2@v2.0.7 在 TTL > 0 时启动后台清理 goroutine，
// 但没有公开的停止方法（上游把 Close 注释掉留待后续版本）。
// 这里通过 reflect + unsafe 关闭内部 done 通道让它退出。
// 上游结构变化时静默降级为不停止，只影响 goroutine 泄漏检测。
//
// 维护须知: 升级 golang-lru 时检查上游是否已提供公开 Close，
// 有则删除 stopSweeper 改为直接调用。
func (f *botFilter) close() {
	f.samples.Purge()
	stopSweeper(f.samples)
}

func stopSweeper(lru any) (stopped bool) {
	defer func() {
		// done 已关闭时 close 会 panic，捕获后按未停止处理
		if r := recover(); r != nil {
			stopped = false
		}
	}()

	v := reflect.ValueOf(lru)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return false
	}

	doneField := v.Elem().FieldByName("done")
	if !doneField.IsValid() || doneField.IsNil() {
		return false
	}
	if doneField.Type() != reflect.TypeOf(make(chan struct{})) {
		return false
	}

	doneCh := *(*chan struct{})(unsafe.Pointer(doneField.UnsafeAddr())) //nolint:gosec // 有意访问未导出字段
	close(doneCh)
	return true
}

// cadenceRing 固定大小的请求时间环
type cadenceRing struct {
	mu     sync.Mutex
	times  []time.Time
	next   int
	filled bool
}

func newCadenceRing(size int) *cadenceRing {
	return &cadenceRing{times: make([]time.Time, size)}
}

// observe 记录时间戳并返回环是否在 span 内被填满
func (r *cadenceRing) observe(now time.Time, span time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.times[r.next]
	r.times[r.next] = now
	r.next = (r.next + 1) % len(r.times)
	if r.next == 0 {
		r.filled = true
	}

	if !r.filled || oldest.IsZero() {
		return false
	}
	return now.Sub(oldest) < span
}
