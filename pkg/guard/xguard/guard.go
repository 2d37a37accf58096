package xguard

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard 自适应限流与滥用缓解引擎。
// 并发安全，一个进程共享一个实例即可。
type Guard struct {
	store     Store
	ownsStore bool
	locks     keyLocker

	bots    *botFilter
	metrics *guardMetrics
	logger  *slog.Logger
	clock   func() time.Time

	// routesOverride 选项指定的路由表，非 nil 时优先于配置中的规则
	routesOverride *RouteTable

	onDeny    func(Decision)
	onLockout func(key TrackingKey, level int, until time.Time)
	onBotFlag func(key TrackingKey, reason string)

	// state 请求路径读取的全部可变配置，整体原子替换
	state atomic.Pointer[guardState]

	provider  ConfigProvider
	watchStop context.CancelFunc
	watchDone chan struct{}
	closed    atomic.Bool
}

// guardState 一份配置派生出的只读请求期状态
type guardState struct {
	policies *policySet
	resolver *Resolver
	lockout  *lockoutManager
}

// New 创建基于 Redis 的守卫，适用于多实例部署。
// 存储访问自动套上重试与熔断保护，锁定连击更新使用分布式互斥。
func New(rdb redis.UniversalClient, opts ...Option) (*Guard, error) {
	store, err := NewRedisStore(rdb)
	if err != nil {
		return nil, err
	}
	return newGuard(newResilientStore(store), true, newRedisKeyLocker(rdb), opts...)
}

// NewLocal 创建进程内存储的守卫，适用于单实例部署与测试。
// 进程内存储不会失败，不需要弹性包装。
func NewLocal(opts ...Option) (*Guard, error) {
	o := newOptions(opts...)
	if o.initErr != nil {
		return nil, o.initErr
	}
	return newGuardWithOptions(newLocalStore(o.clock), true, newLocalKeyLocker(), o)
}

// NewWithStore 使用自定义存储创建守卫。
// 自定义存储的生命周期由调用方管理，Close 不会关闭它。
func NewWithStore(store Store, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	return newGuard(store, false, newLocalKeyLocker(), opts...)
}

func newGuard(store Store, owned bool, locks keyLocker, opts ...Option) (*Guard, error) {
	o := newOptions(opts...)
	if o.initErr != nil {
		return nil, o.initErr
	}
	return newGuardWithOptions(store, owned, locks, o)
}

func newGuardWithOptions(store Store, owned bool, locks keyLocker, o *options) (*Guard, error) {
	metrics, err := newGuardMetrics(o.meterProvider)
	if err != nil {
		return nil, err
	}

	g := &Guard{
		store:          store,
		ownsStore:      owned,
		locks:          locks,
		bots:           newBotFilter(o.agentPatterns, o.clock),
		metrics:        metrics,
		logger:         o.logger,
		clock:          o.clock,
		routesOverride: o.routes,
		onDeny:         o.onDeny,
		onLockout:      o.onLockout,
		onBotFlag:      o.onBotFlag,
		provider:       o.provider,
	}

	cfg := DefaultConfig()
	switch {
	case o.provider != nil:
		loaded, err := o.provider.Load(context.Background())
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case o.config != nil:
		cfg = *o.config
	}

	if err := g.ApplyConfig(cfg); err != nil {
		return nil, err
	}

	if o.provider != nil {
		g.startWatch()
	}
	return g, nil
}

// ApplyConfig 原子切换为新配置。
// 校验失败的配置被整体拒绝，现行配置不受影响；进行中的决策
// 继续使用旧配置，之后的决策读到新配置。
func (g *Guard) ApplyConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ps := newPolicySet(cfg)

	routes := g.routesOverride
	if routes == nil {
		if len(ps.cfg.Routes) > 0 {
			routes = NewRouteTable(ps.cfg.Routes...)
		} else {
			routes = DefaultRouteTable()
		}
	}

	resolver, err := NewResolver(routes, ps.cfg.TrustedProxies)
	if err != nil {
		return err
	}

	g.state.Store(&guardState{
		policies: ps,
		resolver: resolver,
		lockout:  newLockoutManager(g.store, g.locks, ps.cfg.Cooldown, g.clock),
	})
	return nil
}

// Config 返回现行配置的副本
func (g *Guard) Config() Config {
	return g.state.Load().policies.cfg.Clone()
}

// startWatch 启动配置热更新监听
func (g *Guard) startWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	changes, err := g.provider.Watch(ctx)
	if err != nil || changes == nil {
		cancel()
		if err != nil {
			g.logger.Warn("config watch unavailable", slog.Any("error", err))
		}
		return
	}

	g.watchStop = cancel
	g.watchDone = make(chan struct{})
	go func() {
		defer close(g.watchDone)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-changes:
				if !ok {
					return
				}
				if err := g.ApplyConfig(cfg); err != nil {
					// 坏配置只告警，现行配置继续生效
					g.logger.Error("config reload rejected", slog.Any("error", err))
					continue
				}
				g.logger.Info("config reloaded")
			}
		}
	}()
}

// Close 停止配置监听并释放守卫持有的资源。
// 幂等，重复调用返回 ErrGuardClosed。
func (g *Guard) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return ErrGuardClosed
	}

	if g.watchStop != nil {
		g.watchStop()
		<-g.watchDone
	}
	g.bots.close()

	var errs []error
	if g.provider != nil {
		if err := g.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if g.ownsStore {
		if err := g.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
