package xguard

import "testing"

func TestDefaultRouteTable_Classify(t *testing.T) {
	table := DefaultRouteTable()

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/auth/signin", ClassAuthSignin},
		{"POST", "/auth/firebase-exchange", ClassOAuthExchange},
		{"POST", "/auth/2fa/verify", ClassTwoFAVerify},
		{"GET", "/api/accounts", ClassAPIGet},
		{"HEAD", "/api/accounts", ClassAPIGet},
		{"GET", "/api/accounts/42/transactions", ClassAPIGet},
		{"POST", "/api/transactions", ClassAPIPost},
		{"PUT", "/api/budgets/3", ClassAPIPost},
		{"PATCH", "/api/budgets/3", ClassAPIPost},
		{"DELETE", "/api/budgets/3", ClassAPIPost},
		// 方法不匹配时落到兜底类别
		{"GET", "/auth/signin", ClassDefault},
		{"OPTIONS", "/api/accounts", ClassDefault},
		// 未知路径
		{"GET", "/", ClassDefault},
		{"POST", "/webhooks/plaid", ClassDefault},
		// 方法大小写不敏感
		{"post", "/auth/signin", ClassAuthSignin},
	}

	for _, tt := range tests {
		if got := table.Classify(tt.method, tt.path); got != tt.want {
			t.Errorf("Classify(%s, %s) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestRouteTable_FirstMatchWins(t *testing.T) {
	table := NewRouteTable(
		RouteRule{Method: "GET", Pattern: "/api/export/*", Class: "export"},
		RouteRule{Method: "GET", Pattern: "/api/*", Class: ClassAPIGet},
	)

	if got := table.Classify("GET", "/api/export/csv"); got != "export" {
		t.Errorf("Classify = %q, want the earlier rule to win", got)
	}
	if got := table.Classify("GET", "/api/accounts"); got != ClassAPIGet {
		t.Errorf("Classify = %q, want fallthrough to the broader rule", got)
	}
}

func TestRouteTable_AnyMethod(t *testing.T) {
	table := NewRouteTable(
		RouteRule{Pattern: "/admin/*", Class: "admin"},
	)

	for _, method := range []string{"GET", "POST", "DELETE"} {
		if got := table.Classify(method, "/admin/users"); got != "admin" {
			t.Errorf("Classify(%s) = %q, want admin for empty-method rule", method, got)
		}
	}
}

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		pattern string
		text    string
		want    bool
	}{
		{"/api/*", "/api/", true},
		{"/api/*", "/api/accounts", true},
		{"/api/*", "/api/a/b/c", true},
		{"/api/*", "/auth/signin", false},
		{"/auth/signin", "/auth/signin", true},
		{"/auth/signin", "/auth/signin2", false},
		{"*", "", true},
		{"*", "/anything", true},
		{"", "", true},
		{"", "/x", false},
		{"/a/*/c", "/a/b/c", true},
		{"/a/*/c", "/a/c", false},
	}

	for _, tt := range tests {
		if got := wildcardMatch(tt.pattern, tt.text); got != tt.want {
			t.Errorf("wildcardMatch(%q, %q) = %v, want %v", tt.pattern, tt.text, got, tt.want)
		}
	}
}
