package xguard

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestResolver(t *testing.T, trusted ...string) *Resolver {
	t.Helper()
	r, err := NewResolver(DefaultRouteTable(), trusted)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolver_Resolve(t *testing.T) {
	r := newTestResolver(t)

	t.Run("ip only", func(t *testing.T) {
		keys, err := r.Resolve(Request{SourceIP: "203.0.113.7", Method: "POST", Path: "/auth/signin"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(keys) != 1 {
			t.Fatalf("got %d keys, want 1", len(keys))
		}
		if keys[0].Scope != ScopeIP || keys[0].Class != ClassAuthSignin {
			t.Errorf("key = %+v", keys[0])
		}
	})

	t.Run("ip and user", func(t *testing.T) {
		keys, err := r.Resolve(Request{SourceIP: "203.0.113.7", UserID: "u_1042", Method: "GET", Path: "/api/accounts"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("got %d keys, want 2", len(keys))
		}
		if keys[0].Scope != ScopeIP || keys[1].Scope != ScopeUser {
			t.Errorf("keys = %+v", keys)
		}
		if keys[1].Identity != "u_1042" {
			t.Errorf("user identity = %s", keys[1].Identity)
		}
	})

	t.Run("user without ip", func(t *testing.T) {
		keys, err := r.Resolve(Request{UserID: "u_1042", Method: "GET", Path: "/api/accounts"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(keys) != 1 || keys[0].Scope != ScopeUser {
			t.Errorf("keys = %+v", keys)
		}
	})

	t.Run("no identity at all", func(t *testing.T) {
		_, err := r.Resolve(Request{Method: "GET", Path: "/api/accounts"})
		if !errors.Is(err, ErrIdentityUnresolvable) {
			t.Errorf("err = %v, want ErrIdentityUnresolvable", err)
		}
	})

	t.Run("garbage ip without user", func(t *testing.T) {
		_, err := r.Resolve(Request{SourceIP: "not-an-ip", Method: "GET", Path: "/api/accounts"})
		if !errors.Is(err, ErrIdentityUnresolvable) {
			t.Errorf("err = %v, want ErrIdentityUnresolvable", err)
		}
	})

	t.Run("ipv6 canonicalized", func(t *testing.T) {
		a, _ := r.Resolve(Request{SourceIP: "2001:db8::1", Method: "GET", Path: "/api/x"})
		b, _ := r.Resolve(Request{SourceIP: "2001:0db8:0000::0001", Method: "GET", Path: "/api/x"})
		if a[0].Identity != b[0].Identity {
			t.Errorf("equivalent IPv6 forms map to different identities: %s vs %s", a[0].Identity, b[0].Identity)
		}
	})

	t.Run("v4-mapped v6 equals v4", func(t *testing.T) {
		a, _ := r.Resolve(Request{SourceIP: "::ffff:203.0.113.7", Method: "GET", Path: "/api/x"})
		if a[0].Identity != "203.0.113.7" {
			t.Errorf("identity = %s, want unmapped v4", a[0].Identity)
		}
	})
}

func TestResolver_ClientIP(t *testing.T) {
	t.Run("untrusted peer ignores forwarded header", func(t *testing.T) {
		r := newTestResolver(t)
		hr := httptest.NewRequest("GET", "/api/accounts", nil)
		hr.RemoteAddr = "203.0.113.7:52100"
		hr.Header.Set("X-Forwarded-For", "198.51.100.99")

		req := r.FromHTTP(hr, nil)
		if req.SourceIP != "203.0.113.7" {
			t.Errorf("SourceIP = %s, want the peer address", req.SourceIP)
		}
	})

	t.Run("trusted peer uses rightmost untrusted hop", func(t *testing.T) {
		r := newTestResolver(t, "10.0.0.0/8")
		hr := httptest.NewRequest("GET", "/api/accounts", nil)
		hr.RemoteAddr = "10.0.0.5:443"
		hr.Header.Set("X-Forwarded-For", "198.51.100.99, 203.0.113.7, 10.0.0.3")

		req := r.FromHTTP(hr, nil)
		if req.SourceIP != "203.0.113.7" {
			t.Errorf("SourceIP = %s, want first untrusted hop from the right", req.SourceIP)
		}
	})

	t.Run("spoofed hops beyond the untrusted one are ignored", func(t *testing.T) {
		r := newTestResolver(t, "10.0.0.0/8")
		hr := httptest.NewRequest("GET", "/api/accounts", nil)
		hr.RemoteAddr = "10.0.0.5:443"
		// 客户端自带的假 XFF 在不可信跳点左侧，不参与判定
		hr.Header.Set("X-Forwarded-For", "1.2.3.4, 203.0.113.7")

		req := r.FromHTTP(hr, nil)
		if req.SourceIP != "203.0.113.7" {
			t.Errorf("SourceIP = %s", req.SourceIP)
		}
	})

	t.Run("malformed hop falls back to peer", func(t *testing.T) {
		r := newTestResolver(t, "10.0.0.0/8")
		hr := httptest.NewRequest("GET", "/api/accounts", nil)
		hr.RemoteAddr = "10.0.0.5:443"
		hr.Header.Set("X-Forwarded-For", "198.51.100.99, garbage")

		req := r.FromHTTP(hr, nil)
		if req.SourceIP != "10.0.0.5" {
			t.Errorf("SourceIP = %s, want the peer on malformed chain", req.SourceIP)
		}
	})

	t.Run("all hops trusted counts as peer", func(t *testing.T) {
		r := newTestResolver(t, "10.0.0.0/8")
		hr := httptest.NewRequest("GET", "/api/accounts", nil)
		hr.RemoteAddr = "10.0.0.5:443"
		hr.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")

		req := r.FromHTTP(hr, nil)
		if req.SourceIP != "10.0.0.5" {
			t.Errorf("SourceIP = %s", req.SourceIP)
		}
	})

	t.Run("no forwarded header", func(t *testing.T) {
		r := newTestResolver(t, "10.0.0.0/8")
		hr := httptest.NewRequest("GET", "/api/accounts", nil)
		hr.RemoteAddr = "10.0.0.5:443"

		req := r.FromHTTP(hr, nil)
		if req.SourceIP != "10.0.0.5" {
			t.Errorf("SourceIP = %s", req.SourceIP)
		}
	})
}

func TestResolver_FromHTTP(t *testing.T) {
	r := newTestResolver(t)
	hr := httptest.NewRequest("POST", "/auth/signin", nil)
	hr.RemoteAddr = "203.0.113.7:52100"
	hr.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0")

	req := r.FromHTTP(hr, func(*http.Request) string { return "u_1042" })
	if req.Method != "POST" || req.Path != "/auth/signin" {
		t.Errorf("req = %+v", req)
	}
	if req.UserID != "u_1042" {
		t.Errorf("UserID = %s", req.UserID)
	}
	if req.ClientIdentity == "" {
		t.Error("ClientIdentity must carry the user agent")
	}
}

func TestNewResolver_InvalidProxies(t *testing.T) {
	cases := []string{"not-an-ip", "10.0.0.0/99", "fe80::1%eth0"}
	for _, entry := range cases {
		if _, err := NewResolver(DefaultRouteTable(), []string{entry}); err == nil {
			t.Errorf("NewResolver(%q) succeeded, want error", entry)
		}
	}
}
