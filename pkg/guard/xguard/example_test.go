package xguard_test

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/omeyang/gatekit/pkg/guard/xguard"
)

func Example_basicCheck() {
	// 本地内存模式，适合单实例部署与测试
	g, err := xguard.NewLocal()
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = g.Close() }()

	ctx := context.Background()
	key := xguard.TrackingKey{Scope: xguard.ScopeIP, Identity: "198.51.100.7", Class: "auth:signin"}

	d, err := g.CheckKeys(ctx, key)
	if err != nil {
		fmt.Println("检查失败:", err)
		return
	}

	if d.Allowed {
		fmt.Printf("放行，剩余配额 %d/%d\n", d.Remaining, d.Limit)
	} else {
		fmt.Printf("拒绝，%d 秒后重试\n", d.RetryAfterSeconds())
	}
	// Output: 放行，剩余配额 4/5
}

func Example_redisBacked() {
	// 生产部署使用 Redis，多实例共享计数（示例使用 miniredis）
	mr, err := miniredis.Run()
	if err != nil {
		log.Fatal(err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	g, err := xguard.New(client)
	if err != nil {
		fmt.Println("创建失败:", err)
		return
	}
	defer func() { _ = g.Close() }()

	d, err := g.Check(context.Background(), xguard.Request{
		SourceIP:       "198.51.100.8",
		Method:         "GET",
		Path:           "/api/accounts",
		ClientIdentity: "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
	})
	if err != nil {
		fmt.Println("检查失败:", err)
		return
	}
	fmt.Println("放行:", d.Allowed)
	// Output: 放行: true
}

func Example_httpMiddleware() {
	g, err := xguard.NewLocal(xguard.WithConfig(xguard.Config{
		Policies: []xguard.Policy{
			{Class: "default", Limit: 2, Window: time.Minute},
		},
	}))
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = g.Close() }()

	handler := xguard.Middleware(g)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.RemoteAddr = "198.51.100.9:40000"
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		fmt.Println(w.Code)
	}
	// Output:
	// 200
	// 200
	// 429
}
