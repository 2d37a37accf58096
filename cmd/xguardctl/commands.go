package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/gatekit/pkg/guard/xguard"
)

// usageError 表示参数错误，退出码 2
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func createCommands() []*cli.Command {
	return []*cli.Command{
		createValidateCommand(),
		createInspectCommand(),
		createResetCommand(),
		createUnlockCommand(),
	}
}

func createValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "校验配置文件",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if path == "" {
				return &usageError{msg: "validate 需要 --config 指定配置文件"}
			}

			cfg, err := xguard.NewFileProvider(path).Load(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("配置有效: %d 条策略, %d 条路由规则\n", len(cfg.Policies), len(cfg.Routes))
			return nil
		},
	}
}

func createInspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Aliases:   []string{"i"},
		Usage:     "查看追踪键现状",
		ArgsUsage: "<scope> <identity> <class>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key, err := parseKeyArgs(cmd)
			if err != nil {
				return err
			}

			return withGuard(ctx, cmd, func(ctx context.Context, g *xguard.Guard) error {
				snap, err := g.Inspect(ctx, key)
				if err != nil {
					return err
				}

				fmt.Printf("键:       %s\n", snap.Key)
				fmt.Printf("配额:     %d/%d (窗口剩余 %s)\n", snap.Count, snap.Limit, snap.WindowRemaining.Round(time.Second))
				if snap.Locked {
					fmt.Printf("锁定:     是 (剩余 %s)\n", snap.LockRemaining.Round(time.Second))
				} else {
					fmt.Println("锁定:     否")
				}
				return nil
			})
		},
	}
}

func createResetCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "清除追踪键的计数器",
		ArgsUsage: "<scope> <identity> <class>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key, err := parseKeyArgs(cmd)
			if err != nil {
				return err
			}

			return withGuard(ctx, cmd, func(ctx context.Context, g *xguard.Guard) error {
				if err := g.Reset(ctx, key); err != nil {
					return err
				}
				fmt.Printf("已清除计数器: %s\n", key)
				return nil
			})
		},
	}
}

func createUnlockCommand() *cli.Command {
	return &cli.Command{
		Name:      "unlock",
		Usage:     "解除追踪键的锁定并清空连击记录",
		ArgsUsage: "<scope> <identity> <class>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key, err := parseKeyArgs(cmd)
			if err != nil {
				return err
			}

			return withGuard(ctx, cmd, func(ctx context.Context, g *xguard.Guard) error {
				if err := g.Unlock(ctx, key); err != nil {
					return err
				}
				fmt.Printf("已解锁: %s\n", key)
				return nil
			})
		},
	}
}

// parseKeyArgs 从命令参数解析追踪键
func parseKeyArgs(cmd *cli.Command) (xguard.TrackingKey, error) {
	args := cmd.Args().Slice()
	if len(args) != 3 {
		return xguard.TrackingKey{}, &usageError{msg: "需要 <scope> <identity> <class> 三个参数"}
	}

	scope := xguard.Scope(args[0])
	if scope != xguard.ScopeIP && scope != xguard.ScopeUser {
		return xguard.TrackingKey{}, &usageError{msg: fmt.Sprintf("scope 必须是 %q 或 %q", xguard.ScopeIP, xguard.ScopeUser)}
	}

	return xguard.TrackingKey{
		Scope:    scope,
		Identity: args[1],
		Class:    args[2],
	}, nil
}

// withGuard 连接 Redis、构建守卫并在超时上下文中执行操作
func withGuard(ctx context.Context, cmd *cli.Command, fn func(context.Context, *xguard.Guard) error) error {
	logger := newLogger(cmd.String("log-file"))

	rdb := redis.NewClient(&redis.Options{Addr: cmd.String("redis-addr")})
	defer func() {
		if err := rdb.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "关闭 Redis 连接失败: %v\n", err)
		}
	}()

	opts := []xguard.Option{xguard.WithLogger(logger)}
	if path := cmd.String("config"); path != "" {
		cfg, err := xguard.NewFileProvider(path).Load(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, xguard.WithConfig(cfg))
	}

	g, err := xguard.New(rdb, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "关闭守卫失败: %v\n", err)
		}
	}()

	opCtx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	return fn(opCtx, g)
}
