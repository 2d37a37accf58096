package xguard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// 响应头
const (
	// HeaderCaptchaRequired 提示上层在放行的同时要求人机验证
	HeaderCaptchaRequired = "X-Abuse-Captcha-Required"

	// HeaderRequestID 请求关联 ID，入站没有时由中间件生成
	HeaderRequestID = "X-Request-ID"
)

type ctxKey int

const (
	ctxKeyCaptcha ctxKey = iota
	ctxKeyRequestID
)

// CaptchaRequired 报告当前请求是否被要求人机验证。
// 只在 Middleware 放行的请求上下文中有意义。
func CaptchaRequired(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeyCaptcha).(bool)
	return v
}

// RequestID 返回当前请求的关联 ID
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// Middleware 返回标准 net/http 中间件。
// 拒绝响应是统一的 429：锁定、限流、身份无法解析得到完全相同的
// 状态码与响应体，不向探测者泄露命中了哪条规则。
func Middleware(g *Guard, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	o := newMiddlewareOptions(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.skip != nil && o.skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			r = withRequestID(w, r)

			d, err := g.CheckHTTP(r.Context(), r, o.userID)
			if err != nil {
				if errors.Is(err, ErrIdentityUnresolvable) {
					deny(w, r, o, &Decision{RetryAfter: time.Second})
					return
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if !d.Allowed {
				deny(w, r, o, d)
				return
			}

			if o.quotaHeader {
				d.SetHeaders(w)
			}
			if d.RequireCaptcha {
				w.Header().Set(HeaderCaptchaRequired, "1")
				r = r.WithContext(context.WithValue(r.Context(), ctxKeyCaptcha, true))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// deny 写出统一的拒绝响应
func deny(w http.ResponseWriter, r *http.Request, o *middlewareOptions, d *Decision) {
	if o.denyHandler != nil {
		o.denyHandler.ServeHTTP(w, r)
		return
	}

	if o.quotaHeader && d.Limit > 0 {
		d.SetHeaders(w)
	} else {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// withRequestID 确保请求有关联 ID 并回写到响应头
func withRequestID(w http.ResponseWriter, r *http.Request) *http.Request {
	id := r.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, id)
	return r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id))
}
