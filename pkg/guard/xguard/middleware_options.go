package xguard

import "net/http"

// MiddlewareOption 中间件的功能选项
type MiddlewareOption func(*middlewareOptions)

type middlewareOptions struct {
	userID      func(*http.Request) string
	skip        func(*http.Request) bool
	denyHandler http.Handler
	quotaHeader bool
}

func newMiddlewareOptions(opts ...MiddlewareOption) *middlewareOptions {
	o := &middlewareOptions{quotaHeader: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithUserIDFunc 指定已认证用户 ID 的提取函数。
// 返回空串表示未认证，只做 IP 维度追踪。
func WithUserIDFunc(fn func(*http.Request) string) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.userID = fn
	}
}

// WithSkipFunc 指定跳过检查的判定函数，健康检查等内部端点用
func WithSkipFunc(fn func(*http.Request) bool) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.skip = fn
	}
}

// WithDenyHandler 自定义拒绝响应。
// 默认响应是统一的 429，自定义时注意不要按拒绝原因区分响应体，
// 那会给探测者提供指纹。
func WithDenyHandler(h http.Handler) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.denyHandler = h
	}
}

// WithQuotaHeaders 控制是否在响应上携带 X-RateLimit-* 配额头，默认开启
func WithQuotaHeaders(enabled bool) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.quotaHeader = enabled
	}
}
