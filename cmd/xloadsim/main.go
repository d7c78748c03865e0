// xloadsim 在并发压力下驱动一个 LoadingCache，用于观察击穿保护的效果。
//
// 用法:
//
//	xloadsim [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-v, --verbose  输出调试日志
//
// 命令:
//
//	run            启动 M 个并发调用方对 N 个 key 执行 GetWithLoader，输出统计
//	config FILE    校验并打印配置文件（YAML/JSON）
//	help           显示帮助信息
//
// 退出码:
//
//	0: 命令执行成功
//	1: 运行失败（存储不可用、配置文件无法读取等）
//	2: 参数错误
//
// 示例:
//
//	xloadsim run --keys 10 --callers 200 --load-delay 50ms
//	xloadsim run --store redis --redis-addr 127.0.0.1:6379
//	xloadsim run --store redis                       # 使用进程内 miniredis
//	xloadsim run --config cache.yaml --permits 4
//	xloadsim config cache.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
)

// 版本信息（可通过 -ldflags 注入）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	os.Exit(run(ctx, os.Args, os.Stdout, os.Stderr))
}

// createApp 创建 CLI 应用。
func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "xloadsim",
		Usage:     "LoadingCache 并发压测模拟器",
		Version:   fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "输出调试日志",
			},
		},
		Commands: []*cli.Command{
			createRunCommand(),
			createConfigCommand(),
		},
		OnUsageError: onUsageError,
		// 由 run() 统一处理退出码，禁止 urfave/cli 直接调用 os.Exit
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(stderr, err)
			}
		},
	}
}

// run 执行命令并返回退出码。
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := createApp(stdout, stderr)
	if err := app.Run(ctx, args); err != nil {
		return exitCode(err, stderr)
	}
	return 0
}

// exitCode 把命令错误映射为退出码并输出错误信息。
func exitCode(err error, stderr io.Writer) int {
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(stderr, "参数错误: %v\n", usageErr)
		return 2
	}
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	fmt.Fprintf(stderr, "错误: %v\n", err)
	return 1
}

// newLogger 根据 verbose 选项创建日志器，日志写入 stderr。
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
