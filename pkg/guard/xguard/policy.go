package xguard

import (
	"fmt"
	"math"
	"time"
)

// FailMode 存储不可用时的处理模式
type FailMode string

const (
	// FailOpen 放行请求，适用于限流不是强需求的路由（一般 API 读写）
	FailOpen FailMode = "open"

	// FailClosed 拒绝请求，适用于认证相关路由
	FailClosed FailMode = "closed"
)

// IsValid 检查处理模式是否有效。空值视为有效，由策略校验填充默认值。
func (m FailMode) IsValid() bool {
	switch m {
	case FailOpen, FailClosed, "":
		return true
	default:
		return false
	}
}

// Policy 路由类别策略，纯配置、请求期只读
type Policy struct {
	// Class 路由类别
	Class string `json:"class" yaml:"class" koanf:"class"`

	// Limit 窗口内允许的最大请求数
	Limit int `json:"limit" yaml:"limit" koanf:"limit"`

	// Window 计数窗口时长
	Window time.Duration `json:"window" yaml:"window" koanf:"window"`

	// CaptchaThreshold 验证码阈值比例（0..1]。
	// 计数达到 ceil(Limit×比例) 时开始要求验证码；0 表示关闭验证码信号。
	CaptchaThreshold float64 `json:"captcha_threshold" yaml:"captcha_threshold" koanf:"captcha_threshold"`

	// LockoutBase 首次锁定时长，0 表示该类别不启用渐进锁定
	LockoutBase time.Duration `json:"lockout_base" yaml:"lockout_base" koanf:"lockout_base"`

	// LockoutMultiplier 连续违规时锁定时长的递增倍数，设置时必须 >= 1，0 默认为 1
	LockoutMultiplier float64 `json:"lockout_multiplier" yaml:"lockout_multiplier" koanf:"lockout_multiplier"`

	// LockoutCeiling 锁定时长上限，0 默认与 LockoutBase 相同
	LockoutCeiling time.Duration `json:"lockout_ceiling" yaml:"lockout_ceiling" koanf:"lockout_ceiling"`

	// FailMode 存储不可用时的处理模式，空值默认 FailOpen
	FailMode FailMode `json:"fail_mode" yaml:"fail_mode" koanf:"fail_mode"`
}

// Validate 验证策略是否有效
func (p Policy) Validate() error {
	if p.Class == "" {
		return fmt.Errorf("%w: class is required", ErrInvalidPolicy)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%w: %s: limit must be positive", ErrInvalidPolicy, p.Class)
	}
	if p.Window < time.Second {
		return fmt.Errorf("%w: %s: window must be at least 1s", ErrInvalidPolicy, p.Class)
	}
	if p.CaptchaThreshold < 0 || p.CaptchaThreshold > 1 {
		return fmt.Errorf("%w: %s: captcha_threshold must be in [0,1]", ErrInvalidPolicy, p.Class)
	}
	if p.LockoutBase < 0 || (p.LockoutBase > 0 && p.LockoutBase < time.Second) {
		return fmt.Errorf("%w: %s: lockout_base must be at least 1s when set", ErrInvalidPolicy, p.Class)
	}
	if p.LockoutMultiplier != 0 && p.LockoutMultiplier < 1 {
		return fmt.Errorf("%w: %s: lockout_multiplier must be >= 1", ErrInvalidPolicy, p.Class)
	}
	if p.LockoutCeiling != 0 && p.LockoutCeiling < p.LockoutBase {
		return fmt.Errorf("%w: %s: lockout_ceiling must be >= lockout_base", ErrInvalidPolicy, p.Class)
	}
	if !p.FailMode.IsValid() {
		return fmt.Errorf("%w: %s: invalid fail_mode %q", ErrInvalidPolicy, p.Class, p.FailMode)
	}
	return nil
}

// EffectiveFailMode 返回生效的处理模式，空值默认 FailOpen
func (p Policy) EffectiveFailMode() FailMode {
	if p.FailMode == "" {
		return FailOpen
	}
	return p.FailMode
}

// lockoutEnabled 报告该类别是否启用渐进锁定
func (p Policy) lockoutEnabled() bool {
	return p.LockoutBase > 0
}

// captchaFloor 返回触发验证码信号的最小计数。
// 阈值为 0（关闭）时返回 0。
func (p Policy) captchaFloor(limit int) int {
	if p.CaptchaThreshold <= 0 {
		return 0
	}
	floor := int(math.Ceil(float64(limit) * p.CaptchaThreshold))
	if floor < 1 {
		floor = 1
	}
	return floor
}

// lockoutDuration 返回第 level 次连续违规的锁定时长。
// 单调不减：Multiplier >= 1 保证 level 越高时长越长，直至上限。
func (p Policy) lockoutDuration(level int) time.Duration {
	if level < 1 {
		level = 1
	}
	d := float64(p.LockoutBase) * math.Pow(p.LockoutMultiplier, float64(level-1))
	if d > float64(p.LockoutCeiling) || math.IsInf(d, 1) {
		return p.LockoutCeiling
	}
	return time.Duration(d)
}

// Config 引擎配置
type Config struct {
	// KeyPrefix 存储键前缀，默认为 "xguard:"
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" koanf:"key_prefix"`

	// TrustedProxies 可信代理地址（单 IP 或 CIDR）。
	// 只有来自可信代理的请求才采信 X-Forwarded-For。
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies" koanf:"trusted_proxies"`

	// Cooldown 违规连击的冷却期：此期间无违规则连击自然复位，默认 24h
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown" koanf:"cooldown"`

	// BotPenaltyRatio 可疑流量的配额收紧比例（0..1]，默认 0.5
	BotPenaltyRatio float64 `json:"bot_penalty_ratio" yaml:"bot_penalty_ratio" koanf:"bot_penalty_ratio"`

	// BotPenaltyWindow 可疑标记的生效时长，默认 10m
	BotPenaltyWindow time.Duration `json:"bot_penalty_window" yaml:"bot_penalty_window" koanf:"bot_penalty_window"`

	// Routes 路由分类规则，空则使用内置分类表
	Routes []RouteRule `json:"routes,omitempty" yaml:"routes,omitempty" koanf:"routes"`

	// Policies 路由类别策略表，必须包含 ClassDefault 兜底项
	Policies []Policy `json:"policies" yaml:"policies" koanf:"policies"`
}

// Validate 验证配置是否有效。
// 策略错误在构造/重载时拒绝，请求路径上不再出现 PolicyMisconfigured。
func (c Config) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown cannot be negative", ErrInvalidPolicy)
	}
	if c.BotPenaltyRatio < 0 || c.BotPenaltyRatio > 1 {
		return fmt.Errorf("%w: bot_penalty_ratio must be in [0,1]", ErrInvalidPolicy)
	}
	if c.BotPenaltyWindow < 0 {
		return fmt.Errorf("%w: bot_penalty_window cannot be negative", ErrInvalidPolicy)
	}

	seen := make(map[string]struct{}, len(c.Policies))
	hasDefault := false
	for i, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
		if _, dup := seen[p.Class]; dup {
			return fmt.Errorf("%w: duplicate class %q", ErrInvalidPolicy, p.Class)
		}
		seen[p.Class] = struct{}{}
		if p.Class == ClassDefault {
			hasDefault = true
		}
	}
	if len(c.Policies) > 0 && !hasDefault {
		return fmt.Errorf("%w: policy table must include class %q", ErrInvalidPolicy, ClassDefault)
	}

	for i, r := range c.Routes {
		if r.Pattern == "" {
			return fmt.Errorf("%w: routes[%d]: pattern is required", ErrInvalidPolicy, i)
		}
		if r.Class == "" {
			return fmt.Errorf("%w: routes[%d]: class is required", ErrInvalidPolicy, i)
		}
	}

	return nil
}

// DefaultConfig 返回默认配置。
// 认证相关路由 fail-closed，一般 API 路由 fail-open。
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "xguard:",
		Cooldown:         24 * time.Hour,
		BotPenaltyRatio:  0.5,
		BotPenaltyWindow: 10 * time.Minute,
		Policies: []Policy{
			{
				Class:             ClassAuthSignin,
				Limit:             5,
				Window:            time.Minute,
				CaptchaThreshold:  0.8,
				LockoutBase:       5 * time.Minute,
				LockoutMultiplier: 3,
				LockoutCeiling:    15 * time.Minute,
				FailMode:          FailClosed,
			},
			{
				Class:             ClassOAuthExchange,
				Limit:             10,
				Window:            time.Minute,
				CaptchaThreshold:  0.8,
				LockoutBase:       5 * time.Minute,
				LockoutMultiplier: 3,
				LockoutCeiling:    15 * time.Minute,
				FailMode:          FailClosed,
			},
			{
				Class:             ClassTwoFAVerify,
				Limit:             4,
				Window:            30 * time.Second,
				CaptchaThreshold:  0.75,
				LockoutBase:       5 * time.Minute,
				LockoutMultiplier: 3,
				LockoutCeiling:    15 * time.Minute,
				FailMode:          FailClosed,
			},
			{
				Class:             ClassAPIGet,
				Limit:             100,
				Window:            time.Minute,
				LockoutBase:       time.Minute,
				LockoutMultiplier: 2,
				LockoutCeiling:    5 * time.Minute,
				FailMode:          FailOpen,
			},
			{
				Class:             ClassAPIPost,
				Limit:             30,
				Window:            time.Minute,
				LockoutBase:       time.Minute,
				LockoutMultiplier: 2,
				LockoutCeiling:    5 * time.Minute,
				FailMode:          FailOpen,
			},
			{
				Class:             ClassDefault,
				Limit:             300,
				Window:            time.Minute,
				LockoutBase:       time.Minute,
				LockoutMultiplier: 2,
				LockoutCeiling:    5 * time.Minute,
				FailMode:          FailOpen,
			},
		},
	}
}

// Clone 创建配置的深拷贝
func (c Config) Clone() Config {
	clone := c
	if c.TrustedProxies != nil {
		clone.TrustedProxies = make([]string, len(c.TrustedProxies))
		copy(clone.TrustedProxies, c.TrustedProxies)
	}
	if c.Routes != nil {
		clone.Routes = make([]RouteRule, len(c.Routes))
		copy(clone.Routes, c.Routes)
	}
	if c.Policies != nil {
		clone.Policies = make([]Policy, len(c.Policies))
		copy(clone.Policies, c.Policies)
	}
	return clone
}

// policySet 由 Config 构建的只读策略查找结构，整体原子替换以支持热更新
type policySet struct {
	cfg     Config
	byClass map[string]Policy
}

// newPolicySet 构建策略查找结构，调用前配置必须已通过 Validate
func newPolicySet(cfg Config) *policySet {
	cfg = cfg.Clone()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "xguard:"
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	if cfg.BotPenaltyRatio == 0 {
		cfg.BotPenaltyRatio = 0.5
	}
	if cfg.BotPenaltyWindow == 0 {
		cfg.BotPenaltyWindow = 10 * time.Minute
	}
	if len(cfg.Policies) == 0 {
		cfg.Policies = DefaultConfig().Policies
	}
	for i := range cfg.Policies {
		p := &cfg.Policies[i]
		if p.LockoutMultiplier == 0 {
			p.LockoutMultiplier = 1
		}
		if p.LockoutCeiling == 0 {
			p.LockoutCeiling = p.LockoutBase
		}
	}

	ps := &policySet{
		cfg:     cfg,
		byClass: make(map[string]Policy, len(cfg.Policies)),
	}
	for _, p := range cfg.Policies {
		ps.byClass[p.Class] = p
	}
	return ps
}

// policyFor 返回类别对应的策略，未配置的类别回退到 ClassDefault
func (ps *policySet) policyFor(class string) Policy {
	if p, ok := ps.byClass[class]; ok {
		return p
	}
	return ps.byClass[ClassDefault]
}
