package xguard

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// penaltyMarker 惩罚标记的存储值，内容不参与判定，存在即生效
var penaltyMarker = []byte("1")

// Check 对一次请求做出决策。
// 这是引擎的主入口：派生追踪键、机器人判定、逐键检查后合并出
// 最严格的决策。返回的 error 只代表引擎自身无法工作
// （身份无法派生、上下文取消、引擎已关闭），存储故障不在其中——
// 那由各类别的失败模式就地消化。
func (g *Guard) Check(ctx context.Context, req Request) (*Decision, error) {
	if g.closed.Load() {
		return nil, ErrGuardClosed
	}

	st := g.state.Load()
	keys, err := st.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}

	verdict := g.bots.Classify(keys[0].Identity, req.ClientIdentity)
	return g.check(ctx, st, keys, verdict)
}

// CheckHTTP 从 *http.Request 构建描述符并决策。
// userID 提取函数可为 nil，表示不做用户维度追踪。
func (g *Guard) CheckHTTP(ctx context.Context, hr *http.Request, userID func(*http.Request) string) (*Decision, error) {
	if g.closed.Load() {
		return nil, ErrGuardClosed
	}
	return g.Check(ctx, g.state.Load().resolver.FromHTTP(hr, userID))
}

// CheckKeys 对已派生的追踪键直接决策，跳过身份解析与机器人判定。
// 供非 HTTP 入口（RPC、队列消费者）使用。
func (g *Guard) CheckKeys(ctx context.Context, keys ...TrackingKey) (*Decision, error) {
	if g.closed.Load() {
		return nil, ErrGuardClosed
	}
	if len(keys) == 0 {
		return nil, ErrIdentityUnresolvable
	}
	return g.check(ctx, g.state.Load(), keys, Verdict{})
}

// Enforce 是 Check 的错误形态：放行返回 nil，拒绝返回 *DenyError。
// 适合把限流作为业务调用链前置校验的程序化调用方，
// 拒绝时 errors.Is(err, ErrRateLimited) 恒为真。
func (g *Guard) Enforce(ctx context.Context, req Request) error {
	if g.closed.Load() {
		return ErrGuardClosed
	}

	st := g.state.Load()
	keys, err := st.resolver.Resolve(req)
	if err != nil {
		return err
	}

	verdict := g.bots.Classify(keys[0].Identity, req.ClientIdentity)
	d, err := g.check(ctx, st, keys, verdict)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}

	// 合并决策回溯到产生它的追踪键，细节只供调用方记录
	denied := keys[0]
	for _, k := range keys {
		if k.Scope == d.Scope && k.Class == d.Class {
			denied = k
			break
		}
	}
	return &DenyError{Key: denied, Limit: d.Limit, RetryAfterSeconds: d.RetryAfterSeconds()}
}

func (g *Guard) check(ctx context.Context, st *guardState, keys []TrackingKey, verdict Verdict) (*Decision, error) {
	start := g.clock()

	if verdict.Suspicious {
		g.flagBot(ctx, st, keys, verdict)
	}

	var decision *Decision
	for _, key := range keys {
		d, err := g.checkKey(ctx, st, key, verdict.Suspicious)
		if err != nil {
			return nil, err
		}
		decision = merge(decision, d)
	}

	g.metrics.recordCheck(ctx, decision.Class, decision.Scope, decision.Allowed, g.clock().Sub(start))
	if !decision.Allowed {
		g.logger.InfoContext(ctx, "request denied",
			slog.String("class", decision.Class),
			slog.String("scope", string(decision.Scope)),
			slog.Int("retry_after_s", decision.RetryAfterSeconds()),
		)
		if g.onDeny != nil {
			g.onDeny(*decision)
		}
	}
	return decision, nil
}

// checkKey 单键检查：锁定 → 计数 → 越限升级 → 验证码信号。
// 存储不可用时按类别的失败模式折算成放行或拒绝，不向上返回。
func (g *Guard) checkKey(ctx context.Context, st *guardState, key TrackingKey, suspicious bool) (*Decision, error) {
	policy := st.policies.policyFor(key.Class)
	prefix := st.policies.cfg.KeyPrefix

	locked, remaining, err := st.lockout.Status(ctx, key.LockoutKey(prefix))
	if err != nil {
		return g.storeFailure(ctx, policy, key, err)
	}
	if locked {
		return deniedDecision(policy, policy.Limit, remaining, g.clock().Add(remaining), key.Scope), nil
	}

	limit, penalized := g.effectiveLimit(ctx, st, key, policy, suspicious)

	count, expiresIn, err := g.store.Incr(ctx, key.CounterKey(prefix), policy.Window)
	if err != nil {
		return g.storeFailure(ctx, policy, key, err)
	}
	resetAt := g.clock().Add(expiresIn)

	if count > int64(limit) {
		return g.violation(ctx, st, key, policy, limit, count, expiresIn, resetAt)
	}

	d := allowedDecision(policy, limit, limit-int(count), resetAt, key.Scope)
	if floor := policy.captchaFloor(limit); penalized || (floor > 0 && count >= int64(floor)) {
		d.RequireCaptcha = true
	}
	return d, nil
}

// violation 处理一次越限：恰好越界的那次请求驱动连击升级，
// 同窗口内随后的越限只被拒绝、不再重复升级。
// 未启用锁定的类别只按窗口剩余时间拒绝。
func (g *Guard) violation(ctx context.Context, st *guardState, key TrackingKey, policy Policy, limit int, count int64, expiresIn time.Duration, resetAt time.Time) (*Decision, error) {
	retryAfter := expiresIn

	if policy.lockoutEnabled() && count == int64(limit)+1 {
		until, level, err := st.lockout.RecordViolation(ctx, key.LockoutKey(st.policies.cfg.KeyPrefix), policy)
		if err != nil {
			// 升级失败不影响本次拒绝
			g.logger.WarnContext(ctx, "lockout escalation failed",
				slog.String("class", key.Class), slog.Any("error", err))
		} else {
			if d := until.Sub(g.clock()); d > retryAfter {
				retryAfter = d
			}
			g.metrics.recordLockout(ctx, key.Class, level)
			g.logger.WarnContext(ctx, "lockout escalated",
				slog.String("class", key.Class),
				slog.String("scope", string(key.Scope)),
				slog.Int("level", level),
				slog.Time("until", until),
			)
			if g.onLockout != nil {
				g.onLockout(key, level, until)
			}
		}
	}

	return deniedDecision(policy, limit, retryAfter, resetAt, key.Scope), nil
}

// effectiveLimit 返回叠加惩罚后的生效配额。
// 本次请求被标记可疑、或该键仍有未过期的惩罚标记时收紧配额；
// 标记读写都是尽力而为，失败退回全额配额。
func (g *Guard) effectiveLimit(ctx context.Context, st *guardState, key TrackingKey, policy Policy, suspicious bool) (int, bool) {
	penalized := suspicious
	if !penalized {
		marker, err := g.store.GetBlob(ctx, key.PenaltyKey(st.policies.cfg.KeyPrefix))
		if err == nil && marker != nil {
			penalized = true
		}
	}
	if !penalized {
		return policy.Limit, false
	}

	limit := int(math.Floor(float64(policy.Limit) * st.policies.cfg.BotPenaltyRatio))
	if limit < 1 {
		limit = 1
	}
	return limit, true
}

// flagBot 记录机器人标记并为每个追踪键写入惩罚标记
func (g *Guard) flagBot(ctx context.Context, st *guardState, keys []TrackingKey, verdict Verdict) {
	g.metrics.recordBotFlag(ctx, verdict.Reason)
	g.logger.InfoContext(ctx, "suspicious client flagged",
		slog.String("reason", verdict.Reason),
		slog.String("class", keys[0].Class),
	)

	prefix := st.policies.cfg.KeyPrefix
	window := st.policies.cfg.BotPenaltyWindow
	for _, key := range keys {
		if err := g.store.SetBlob(ctx, key.PenaltyKey(prefix), penaltyMarker, window); err != nil {
			g.logger.WarnContext(ctx, "penalty marker write failed", slog.Any("error", err))
		}
		if g.onBotFlag != nil {
			g.onBotFlag(key, verdict.Reason)
		}
	}
}

// storeFailure 按类别的失败模式折算存储故障。
// fail-open 放行但不携带配额信息，fail-closed 以最小退避拒绝；
// 上下文取消与超时不是存储故障，原样向上返回。
func (g *Guard) storeFailure(ctx context.Context, policy Policy, key TrackingKey, err error) (*Decision, error) {
	if !errors.Is(err, ErrStoreUnavailable) {
		return nil, err
	}

	g.metrics.recordStoreFailure(ctx, policy.Class)
	g.logger.ErrorContext(ctx, "counter store unavailable",
		slog.String("class", policy.Class),
		slog.String("fail_mode", string(policy.EffectiveFailMode())),
		slog.Any("error", err),
	)

	if policy.EffectiveFailMode() == FailClosed {
		return deniedDecision(policy, 0, time.Second, time.Time{}, key.Scope), nil
	}
	return &Decision{
		Allowed: true,
		Class:   policy.Class,
		Scope:   key.Scope,
	}, nil
}

// Reset 清除某个追踪键的计数器，管理操作
func (g *Guard) Reset(ctx context.Context, key TrackingKey) error {
	if g.closed.Load() {
		return ErrGuardClosed
	}
	prefix := g.state.Load().policies.cfg.KeyPrefix
	return g.store.Delete(ctx, key.CounterKey(prefix))
}

// Unlock 解除某个追踪键的锁定并清空连击记录，管理操作
func (g *Guard) Unlock(ctx context.Context, key TrackingKey) error {
	if g.closed.Load() {
		return ErrGuardClosed
	}
	st := g.state.Load()
	return st.lockout.Clear(ctx, key.LockoutKey(st.policies.cfg.KeyPrefix))
}

// Inspect 只读查看某个追踪键的现状：计数、剩余窗口、锁定状态
func (g *Guard) Inspect(ctx context.Context, key TrackingKey) (Snapshot, error) {
	if g.closed.Load() {
		return Snapshot{}, ErrGuardClosed
	}
	st := g.state.Load()
	prefix := st.policies.cfg.KeyPrefix
	policy := st.policies.policyFor(key.Class)

	count, expiresIn, err := g.store.Peek(ctx, key.CounterKey(prefix))
	if err != nil {
		return Snapshot{}, err
	}
	locked, remaining, err := st.lockout.Status(ctx, key.LockoutKey(prefix))
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Key:             key,
		Limit:           policy.Limit,
		Count:           count,
		WindowRemaining: expiresIn,
		Locked:          locked,
		LockRemaining:   remaining,
	}, nil
}

// Snapshot 追踪键的只读状态快照
type Snapshot struct {
	Key             TrackingKey
	Limit           int
	Count           int64
	WindowRemaining time.Duration
	Locked          bool
	LockRemaining   time.Duration
}
