package xguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
)

// 弹性包装的默认参数
const (
	storeRetryAttempts = 2
	storeRetryDelay    = 5 * time.Millisecond
	breakerMaxRequests = 3
	breakerInterval    = 10 * time.Second
	breakerTimeout     = 5 * time.Second
	breakerMinRequests = 5
	breakerFailureRate = 0.6
)

// resilientStore 为底层存储叠加熔断与快速重试。
// 存储操作预期在亚毫秒到低毫秒内完成；瞬时抖动重试一次即可，
// 持续故障则熔断快速失败，把判断交给各路由的 FailMode。
// 所有故障统一归类为 ErrStoreUnavailable，核心逻辑不感知具体原因。
type resilientStore struct {
	delegate Store
	breaker  *gobreaker.CircuitBreaker[any]
}

// newResilientStore 包装底层存储
func newResilientStore(delegate Store) *resilientStore {
	settings := gobreaker.Settings{
		Name:        "xguard-store",
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRate
		},
	}
	return &resilientStore{
		delegate: delegate,
		breaker:  gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Type 返回底层存储类型
func (s *resilientStore) Type() string {
	return s.delegate.Type()
}

// execute 在熔断器与重试策略下执行存储操作。
// 重试只针对存储相关的瞬时错误；上下文取消不重试。
func (s *resilientStore) execute(ctx context.Context, op func() (any, error)) (any, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		return retry.NewWithData[any](
			retry.Attempts(storeRetryAttempts),
			retry.Delay(storeRetryDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
			retry.RetryIf(func(err error) bool {
				return IsStoreError(err)
			}),
		).Do(op)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return res, nil
}

type incrReply struct {
	count     int64
	expiresIn time.Duration
}

// Incr 原子自增计数器
func (s *resilientStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	res, err := s.execute(ctx, func() (any, error) {
		count, expiresIn, err := s.delegate.Incr(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		return incrReply{count: count, expiresIn: expiresIn}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	reply := res.(incrReply)
	return reply.count, reply.expiresIn, nil
}

// Peek 读取计数器当前值
func (s *resilientStore) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	res, err := s.execute(ctx, func() (any, error) {
		count, expiresIn, err := s.delegate.Peek(ctx, key)
		if err != nil {
			return nil, err
		}
		return incrReply{count: count, expiresIn: expiresIn}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	reply := res.(incrReply)
	return reply.count, reply.expiresIn, nil
}

// Delete 删除键
func (s *resilientStore) Delete(ctx context.Context, key string) error {
	_, err := s.execute(ctx, func() (any, error) {
		return nil, s.delegate.Delete(ctx, key)
	})
	return err
}

// GetBlob 读取记录字节
func (s *resilientStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	res, err := s.execute(ctx, func() (any, error) {
		data, err := s.delegate.GetBlob(ctx, key)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.([]byte), nil
}

// SetBlob 写入记录字节
func (s *resilientStore) SetBlob(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	_, err := s.execute(ctx, func() (any, error) {
		return nil, s.delegate.SetBlob(ctx, key, val, ttl)
	})
	return err
}

// Close 关闭底层存储
func (s *resilientStore) Close() error {
	return s.delegate.Close()
}

// 确保 resilientStore 实现了 Store 接口
var _ Store = (*resilientStore)(nil)
