package xguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/sony/gobreaker/v2"
)

// =============================================================================
// 预定义错误
// =============================================================================

// 预定义错误，使用 errors.Is 进行比较
var (
	// ErrRateLimited 表示请求被限流，是唯一面向最终用户的结果
	ErrRateLimited = errors.New("xguard: rate limited")

	// ErrStoreUnavailable 表示计数器存储不可用，
	// 由各路由类别的 FailMode 决定放行还是拒绝
	ErrStoreUnavailable = errors.New("xguard: counter store unavailable")

	// ErrIdentityUnresolvable 表示无法从请求派生任何身份，
	// 受保护路由上按 fail-closed 处理
	ErrIdentityUnresolvable = errors.New("xguard: identity unresolvable")

	// ErrInvalidPolicy 表示策略配置无效，只在构造/重载时出现，
	// 绝不在请求路径上出现
	ErrInvalidPolicy = errors.New("xguard: invalid policy")

	// ErrGuardClosed 表示引擎已关闭
	ErrGuardClosed = errors.New("xguard: guard closed")

	// ErrNilClient 表示传入的 Redis 客户端为 nil
	ErrNilClient = errors.New("xguard: nil redis client")

	// ErrNilStore 表示传入的 Store 为 nil
	ErrNilStore = errors.New("xguard: nil store")

	// ErrNilProvider 表示传入的配置来源为 nil
	ErrNilProvider = errors.New("xguard: nil config provider")
)

// =============================================================================
// 拒绝错误类型
// =============================================================================

// DenyError 携带拒绝细节的错误，供程序化调用方使用。
// 细节只进日志与回调，中间件层对外响应不区分拒绝原因。
type DenyError struct {
	// Key 被拒绝的追踪键
	Key TrackingKey
	// Limit 生效的配额上限
	Limit int
	// RetryAfterSeconds 建议等待秒数
	RetryAfterSeconds int
}

// Error 实现 error 接口
func (e *DenyError) Error() string {
	return fmt.Sprintf("xguard: rate limited, key=%s, limit=%d, retry_after=%ds",
		e.Key.String(), e.Limit, e.RetryAfterSeconds)
}

// Is 支持 errors.Is 检查
func (e *DenyError) Is(target error) bool {
	return target == ErrRateLimited
}

// Unwrap 返回底层错误
func (e *DenyError) Unwrap() error {
	return ErrRateLimited
}

// =============================================================================
// 错误检查函数
// =============================================================================

// IsDenied 检查错误是否为限流拒绝
func IsDenied(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// storeRelatedErrors 包含所有需要归类为存储故障的已知错误
var storeRelatedErrors = []error{
	ErrStoreUnavailable,
	gobreaker.ErrOpenState,
	gobreaker.ErrTooManyRequests,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	io.EOF,
	io.ErrUnexpectedEOF,
}

// IsStoreError 检查错误是否为存储相关故障。
// 使用类型断言和错误链检查，而不是字符串匹配。
// 上下文取消与超时不算存储故障：context.DeadlineExceeded 实现了
// net.Error 接口，必须在网络错误检查之前排除。
func IsStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	for _, target := range storeRelatedErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	return isNetworkError(err)
}

// isNetworkError 检查是否是网络相关错误
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
