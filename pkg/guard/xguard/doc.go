// Package xguard 提供自适应限流与滥用防护能力，保护认证与 API 端点免受
// 暴力破解和自动化流量冲击。
//
// # 设计理念
//
// xguard 基于固定窗口计数实现限流，按身份（IP / 用户）与路由类别独立计
// 数，在超限时施加渐进式锁定，并通过机器人启发式对可疑流量叠加更严格的
// 策略。计数器存储抽象为 Store 接口，单实例可用进程内存储，多实例共享
// Redis，核心逻辑与部署拓扑解耦。
//
// # 核心概念
//
//   - Guard：防护引擎，提供 Check/CheckKeys 操作
//   - TrackingKey：追踪键，包含作用域（ip/user）、身份和路由类别
//   - Policy：路由类别策略，定义配额、窗口、验证码阈值和锁定参数
//   - Decision：检查结果，包含是否放行、剩余配额、重试时间等
//   - Store：计数器存储，要求提供原子的"自增并按需设置 TTL"原语
//
// # 检查流程
//
// 每个请求解析出一个或多个追踪键（IP 维度必有，已认证请求额外有用户维
// 度，两者预算互不影响）。对每个键：
//
//  1. 存在生效中的锁定 → 拒绝，RetryAfter 为剩余锁定时长
//  2. 原子自增当前窗口计数（首次自增创建计数器并设置 TTL）
//  3. 计数超限 → 记录违规并升级锁定 → 拒绝
//  4. 计数达到验证码阈值 → 放行但要求验证码
//  5. 否则放行，返回剩余配额与窗口重置时间
//
// 多个键的结果取最严格者：放行取逻辑与，RetryAfter 取最大值。
//
// # 渐进式锁定
//
// 同一身份连续违规时锁定时长按倍数递增（如 5 分钟 → 15 分钟），直至配
// 置的上限；冷却期内无违规则自然复位。锁定状态持久化在 Store 中，按
// TTL 过期，跨进程重启仍然有效。
//
// # 机器人启发式
//
// 两个独立信号（客户端标识匹配自动化特征、请求节奏低于人类合理间隔）任
// 一命中即标记可疑。可疑标记不直接拒绝请求，只在惩罚窗口内收紧有效配额
// 并强制要求验证码，与核心计数逻辑正交可组合。
//
// # 快速开始
//
//	guard, err := xguard.New(redisClient,
//	    xguard.WithLogger(logger),
//	    xguard.WithMeterProvider(meterProvider),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer guard.Close()
//
//	mux := http.NewServeMux()
//	mux.Handle("/", xguard.Middleware(guard)(handler))
//
// # 存储故障策略
//
// Store 不可用时按路由类别配置的 FailMode 处理：
//   - FailClosed：拒绝请求（认证类路由默认）
//   - FailOpen：放行请求（一般 API 路由默认）
//
// 无论拒绝原因是计数超限、锁定、还是存储故障下的 fail-closed，对外响应
// 完全一致（429 + Retry-After），不给攻击者留下指纹探测面。
//
// # 配置管理
//
// 策略表支持从 YAML/JSON 文件加载并热更新：
//
//	provider := xguard.NewFileProvider("/etc/gatekit/guard.yaml")
//	guard, _ := xguard.New(redisClient, xguard.WithConfigProvider(provider))
package xguard
