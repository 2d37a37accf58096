package xguard

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Decision 检查结果，瞬态值对象，从不持久化
type Decision struct {
	// Allowed 是否放行请求
	Allowed bool

	// RequireCaptcha 放行前是否需要额外通过验证码挑战。
	// 仅在 Allowed=true 时有意义；验证码的渲染与校验由上游协作方完成。
	RequireCaptcha bool

	// Limit 生效的配额上限
	Limit int

	// Remaining 当前窗口剩余配额，恒等于 max(0, limit-count)
	Remaining int

	// ResetAt 窗口重置时间
	ResetAt time.Time

	// RetryAfter 建议重试等待时间（仅在 Allowed=false 时有意义）
	RetryAfter time.Duration

	// Class 触发决策的路由类别
	Class string

	// Scope 触发决策的键作用域（内部遥测用，不进对外响应）
	Scope Scope
}

// RetryAfterSeconds 返回向上取整的重试等待秒数。
// 被拒绝时最小值为 1，避免亚秒级等待被截断为 0 导致客户端立即重试。
func (d *Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	sec := int(math.Ceil(d.RetryAfter.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// Headers 返回标准限流响应头
//   - X-RateLimit-Limit: 配额上限
//   - X-RateLimit-Remaining: 剩余配额
//   - X-RateLimit-Reset: 窗口重置时间（Unix 秒）
//   - Retry-After: 重试等待秒数（仅在被拒绝时）
func (d *Decision) Headers() map[string]string {
	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}

	if !d.Allowed {
		headers["Retry-After"] = strconv.Itoa(d.RetryAfterSeconds())
	}

	return headers
}

// SetHeaders 将限流响应头写入 http.ResponseWriter
//
// 设计决策: 当 Limit <= 0 时跳过配额头。Limit=0 表示无有效配额信息
// （如 fail-open 放行），写入 X-RateLimit-Limit: 0 会误导客户端。
// Retry-After 在拒绝时总是写入。
func (d *Decision) SetHeaders(w http.ResponseWriter) {
	if d.Limit > 0 {
		for key, value := range d.Headers() {
			w.Header().Set(key, value)
		}
		return
	}
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

// allowedDecision 创建一个放行结果
func allowedDecision(policy Policy, limit, remaining int, resetAt time.Time, scope Scope) *Decision {
	return &Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Class:     policy.Class,
		Scope:     scope,
	}
}

// deniedDecision 创建一个拒绝结果
func deniedDecision(policy Policy, limit int, retryAfter time.Duration, resetAt time.Time, scope Scope) *Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAt:    resetAt,
		Class:      policy.Class,
		Scope:      scope,
	}
}

// merge 合并两个键的决策，取最严格者。
// 放行取逻辑与，RetryAfter 取最大值，Remaining 取最小值，验证码要求取或。
func merge(a, b *Decision) *Decision {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	// 任一拒绝 → 整体拒绝，保留更长的 RetryAfter
	if !a.Allowed || !b.Allowed {
		denied := a
		if a.Allowed {
			denied = b
		} else if !b.Allowed && b.RetryAfter > a.RetryAfter {
			denied = b
		}
		out := *denied
		out.RequireCaptcha = false
		return &out
	}

	// 都放行 → 取更紧的剩余配额
	tight := a
	if b.Remaining < a.Remaining {
		tight = b
	}
	out := *tight
	out.RequireCaptcha = a.RequireCaptcha || b.RequireCaptcha
	return &out
}
