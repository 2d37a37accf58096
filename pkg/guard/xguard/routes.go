package xguard

import "strings"

// 内置路由类别
const (
	// ClassAuthSignin 密码登录端点
	ClassAuthSignin = "auth:signin"

	// ClassOAuthExchange OAuth/第三方令牌交换端点
	ClassOAuthExchange = "oauth:exchange"

	// ClassTwoFAVerify 两步验证码校验端点
	ClassTwoFAVerify = "2fa:verify"

	// ClassAPIGet API 读操作
	ClassAPIGet = "api:get"

	// ClassAPIPost API 写操作
	ClassAPIPost = "api:post"

	// ClassDefault 未识别路由的兜底类别，配额宽松
	ClassDefault = "default"
)

// RouteRule 路由分类规则。Method 为空表示匹配任意方法；
// Pattern 支持 * 通配符。
type RouteRule struct {
	Method  string `json:"method" yaml:"method" koanf:"method"`
	Pattern string `json:"pattern" yaml:"pattern" koanf:"pattern"`
	Class   string `json:"class" yaml:"class" koanf:"class"`
}

// RouteTable 静态路由分类表。
// 规则按注册顺序匹配，首个命中者生效；无命中返回 ClassDefault。
// 表在构造后只读，可被任意多个请求并发查询。
type RouteTable struct {
	rules []RouteRule
}

// NewRouteTable 从规则列表创建分类表
func NewRouteTable(rules ...RouteRule) *RouteTable {
	t := &RouteTable{rules: make([]RouteRule, 0, len(rules))}
	t.rules = append(t.rules, rules...)
	return t
}

// DefaultRouteTable 返回内置分类表，与默认策略表（DefaultConfig）对应
func DefaultRouteTable() *RouteTable {
	return NewRouteTable(
		RouteRule{Method: "POST", Pattern: "/auth/signin", Class: ClassAuthSignin},
		RouteRule{Method: "POST", Pattern: "/auth/firebase-exchange", Class: ClassOAuthExchange},
		RouteRule{Method: "POST", Pattern: "/auth/2fa/verify", Class: ClassTwoFAVerify},
		RouteRule{Method: "GET", Pattern: "/api/*", Class: ClassAPIGet},
		RouteRule{Method: "HEAD", Pattern: "/api/*", Class: ClassAPIGet},
		RouteRule{Method: "POST", Pattern: "/api/*", Class: ClassAPIPost},
		RouteRule{Method: "PUT", Pattern: "/api/*", Class: ClassAPIPost},
		RouteRule{Method: "PATCH", Pattern: "/api/*", Class: ClassAPIPost},
		RouteRule{Method: "DELETE", Pattern: "/api/*", Class: ClassAPIPost},
	)
}

// Classify 返回请求对应的路由类别
func (t *RouteTable) Classify(method, path string) string {
	for _, rule := range t.rules {
		if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		if wildcardMatch(rule.Pattern, path) {
			return rule.Class
		}
	}
	return ClassDefault
}

// wildcardMatch 检查 text 是否匹配 pattern。
// 支持的通配符：
//   - *: 匹配任意字符序列（包括空字符串）
//
// 使用两行 DP 进行匹配，O(m*n) 时间复杂度，O(n) 空间复杂度
func wildcardMatch(pattern, text string) bool {
	if pattern == "" {
		return text == ""
	}

	pLen, tLen := len(pattern), len(text)

	prev := make([]bool, tLen+1)
	curr := make([]bool, tLen+1)

	prev[0] = true

	for i := 1; i <= pLen; i++ {
		switch pattern[i-1] {
		case '*':
			curr[0] = prev[0]
		default:
			curr[0] = false
		}

		for j := 1; j <= tLen; j++ {
			switch pattern[i-1] {
			case '*':
				// * 可以匹配空字符串（prev[j]）或一个及以上字符（curr[j-1]）
				curr[j] = prev[j] || curr[j-1]
			case text[j-1]:
				curr[j] = prev[j-1]
			default:
				curr[j] = false
			}
		}

		prev, curr = curr, prev
	}

	return prev[tLen]
}
