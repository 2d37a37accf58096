// xguardctl 是 xguard 限流引擎的运维命令行工具。
//
// 用法:
//
//	xguardctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-r, --redis-addr  Redis 地址 (默认: 127.0.0.1:6379)
//	-c, --config      配置文件路径（YAML/JSON）
//	-t, --timeout     命令超时时间 (默认: 10s)
//	    --log-file    日志输出文件（默认输出到 stderr）
//
// 命令:
//
//	validate                        校验配置文件
//	inspect <scope> <id> <class>    查看追踪键现状（计数、窗口、锁定）
//	reset <scope> <id> <class>      清除追踪键的计数器
//	unlock <scope> <id> <class>     解除追踪键的锁定并清空连击
//
// 退出码:
//
//	0: 命令执行成功
//	1: 命令执行失败
//	2: 参数错误（缺少参数、未知命令等）
//
// 示例:
//
//	xguardctl validate -c guard.yaml              # 校验配置
//	xguardctl inspect ip 203.0.113.7 auth:signin  # 查看 IP 维度现状
//	xguardctl unlock user u_1042 auth:signin      # 解锁用户
//	xguardctl -r redis:6379 reset ip 203.0.113.7 api:post
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultTimeout = 10 * time.Second

// 版本信息（可通过 -ldflags 注入）
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xguardctl",
		Usage:   "xguard 限流引擎运维工具",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "redis-addr",
				Aliases: []string{"r"},
				Usage:   "Redis 地址",
				Value:   "127.0.0.1:6379",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（YAML/JSON）",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "命令超时时间",
				Value:   defaultTimeout,
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "日志输出文件（带轮转），默认 stderr",
			},
		},
		Commands:       createCommands(),
		DefaultCommand: "help",
		// 退出码由 run() 统一映射，禁止框架直接 os.Exit
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

// newLogger 构建结构化日志器。
// 指定 --log-file 时输出到带轮转的文件，否则输出 stderr。
func newLogger(logFile string) *slog.Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     7, // 天
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(out, nil))
}

func run() int {
	app := createApp()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, os.Args); err != nil {
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "参数错误: %v\n", usageErr)
			return 2
		}
		if _, ok := err.(cli.ExitCoder); ok {
			return 2
		}
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}

	return 0
}
