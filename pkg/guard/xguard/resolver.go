package xguard

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// Request 入站请求描述符，由 HTTP 框架协作方提供。
// 引擎只消费这几个字段，对业务语义一无所知。
type Request struct {
	// SourceIP 来源地址
	SourceIP string

	// UserID 已认证用户 ID，未认证时为空
	UserID string

	// Method HTTP 方法
	Method string

	// Path 请求路径
	Path string

	// ClientIdentity 客户端自述标识（User-Agent 类信号），供机器人启发式使用
	ClientIdentity string
}

// Resolver 身份解析器：从请求派生追踪键与路由类别。
// 构造后只读，可并发使用。
type Resolver struct {
	routes  *RouteTable
	trusted *netipx.IPSet
}

// NewResolver 创建身份解析器。
// trustedProxies 为可信代理地址列表，支持单 IP 和 CIDR 两种写法。
func NewResolver(routes *RouteTable, trustedProxies []string) (*Resolver, error) {
	if routes == nil {
		routes = DefaultRouteTable()
	}

	trusted, err := buildIPSet(trustedProxies)
	if err != nil {
		return nil, err
	}

	return &Resolver{routes: routes, trusted: trusted}, nil
}

// Resolve 从请求派生追踪键列表与路由类别。
// IP 维度的键始终存在；携带已认证用户时额外产生用户维度的键，
// 两者独立计数，封禁一方不影响另一方。
// 无法派生任何身份时返回 ErrIdentityUnresolvable——宁可拒绝也不放过
// 无法追踪的请求（fail closed）。
func (r *Resolver) Resolve(req Request) ([]TrackingKey, error) {
	class := r.routes.Classify(req.Method, req.Path)

	keys := make([]TrackingKey, 0, 2)
	if ip := canonicalIP(req.SourceIP); ip != "" {
		keys = append(keys, TrackingKey{Scope: ScopeIP, Identity: ip, Class: class})
	}
	if req.UserID != "" {
		keys = append(keys, TrackingKey{Scope: ScopeUser, Identity: req.UserID, Class: class})
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: method=%s path=%s", ErrIdentityUnresolvable, req.Method, req.Path)
	}
	return keys, nil
}

// Classify 返回请求的路由类别
func (r *Resolver) Classify(req Request) string {
	return r.routes.Classify(req.Method, req.Path)
}

// FromHTTP 从 *http.Request 构建请求描述符。
// userID 提取函数由调用方提供（会话/令牌解析属于外部协作方），为 nil
// 或返回空串表示未认证。
func (r *Resolver) FromHTTP(hr *http.Request, userID func(*http.Request) string) Request {
	req := Request{
		Method:         hr.Method,
		Path:           hr.URL.Path,
		SourceIP:       r.clientIP(hr),
		ClientIdentity: hr.UserAgent(),
	}
	if userID != nil {
		req.UserID = userID(hr)
	}
	return req
}

// clientIP 解析请求的真实来源地址。
// 仅当直连对端属于可信代理集合时才采信 X-Forwarded-For，
// 并从右向左跳过可信代理，取第一个不可信地址。
// 否则伪造 XFF 头即可摆脱自己的 IP 预算。
func (r *Resolver) clientIP(hr *http.Request) string {
	peer := canonicalIP(hostOnly(hr.RemoteAddr))
	if peer == "" {
		return ""
	}

	if r.trusted == nil || !r.containsIP(peer) {
		return peer
	}

	xff := hr.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}

	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := canonicalIP(strings.TrimSpace(hops[i]))
		if hop == "" {
			break // 畸形跳点之后的内容不可信，退回直连地址
		}
		if !r.containsIP(hop) {
			return hop
		}
	}

	// 整条链全是可信代理——内部流量，按直连地址计
	return peer
}

func (r *Resolver) containsIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return r.trusted != nil && r.trusted.Contains(addr.Unmap())
}

// canonicalIP 规范化 IP 字符串：去除端口与 IPv6 zone，v4-mapped 还原为 v4。
// 解析失败返回空串。
func canonicalIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	return addr.Unmap().WithZone("").String()
}

// hostOnly 去掉 host:port 的端口部分，纯地址输入原样返回
func hostOnly(s string) string {
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

// buildIPSet 从地址/CIDR 列表构建 IP 集合。
// 设计决策: 拒绝包含 IPv6 zone ID 的输入。netipx 的集合运算会静默丢弃
// zone 信息，导致可信代理误判，属于高风险正确性问题。
func buildIPSet(entries []string) (*netipx.IPSet, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var b netipx.IPSetBuilder
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "%") {
			return nil, fmt.Errorf("%w: IPv6 zone ID is not supported in trusted_proxies: %s", ErrInvalidPolicy, entry)
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid trusted proxy CIDR %q: %w", ErrInvalidPolicy, entry, err)
			}
			b.AddPrefix(prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid trusted proxy address %q: %w", ErrInvalidPolicy, entry, err)
		}
		b.Add(addr.Unmap())
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("%w: trusted_proxies: %w", ErrInvalidPolicy, err)
	}
	return set, nil
}
