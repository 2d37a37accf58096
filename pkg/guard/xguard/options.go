package xguard

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Option 守卫的功能选项
type Option func(*options)

// options 守卫的可配置项集合。
// 零值经 newOptions 填充后即可用，所有字段均有安全默认值。
type options struct {
	config        *Config
	provider      ConfigProvider
	routes        *RouteTable
	agentPatterns []string

	logger        *slog.Logger
	meterProvider metric.MeterProvider
	clock         func() time.Time

	onDeny    func(Decision)
	onLockout func(key TrackingKey, level int, until time.Time)
	onBotFlag func(key TrackingKey, reason string)

	// initErr 延迟到 New 统一返回的选项构造错误
	initErr error
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:        slog.Default(),
		meterProvider: noop.NewMeterProvider(),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithConfig 指定静态配置。
// 与 WithConfigProvider 互斥时以 provider 为准。
func WithConfig(cfg Config) Option {
	return func(o *options) {
		if err := cfg.Validate(); err != nil {
			o.initErr = err
			return
		}
		cloned := cfg.Clone()
		o.config = &cloned
	}
}

// WithConfigProvider 指定配置来源并启用热更新。
// provider 的后续变更通过 ApplyConfig 原子生效，校验失败的新配置被拒绝且不影响现行配置。
func WithConfigProvider(p ConfigProvider) Option {
	return func(o *options) {
		if p == nil {
			o.initErr = ErrNilProvider
			return
		}
		o.provider = p
	}
}

// WithRouteTable 覆盖默认路由分类表
func WithRouteTable(rt RouteTable) Option {
	return func(o *options) {
		o.routes = &rt
	}
}

// WithAgentPatterns 覆盖默认的自动化客户端标识特征表
func WithAgentPatterns(patterns []string) Option {
	return func(o *options) {
		o.agentPatterns = append([]string(nil), patterns...)
	}
}

// WithLogger 指定结构化日志器，nil 时忽略
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeterProvider 指定指标提供者，默认 noop
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithClock 指定时间源，测试用
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithOnDeny 注册拒绝回调，在每次拒绝决策后同步调用
func WithOnDeny(fn func(Decision)) Option {
	return func(o *options) {
		o.onDeny = fn
	}
}

// WithOnLockout 注册锁定回调，在锁定升级时同步调用
func WithOnLockout(fn func(key TrackingKey, level int, until time.Time)) Option {
	return func(o *options) {
		o.onLockout = fn
	}
}

// WithOnBotFlag 注册机器人标记回调
func WithOnBotFlag(fn func(key TrackingKey, reason string)) Option {
	return func(o *options) {
		o.onBotFlag = fn
	}
}
