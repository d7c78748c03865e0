package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/xcacheloader/pkg/storage/xcache"
)

const (
	storeMemory = "memory"
	storeRedis  = "redis"

	// redisKeyPrefix 模拟数据在 Redis 中的 key 前缀。
	redisKeyPrefix = "xloadsim:"
)

// usageError 表示参数错误，对应退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func newUsageError(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// onUsageError 把 urfave/cli 的参数解析错误转换为 usageError。
func onUsageError(_ context.Context, _ *cli.Command, err error, _ bool) error {
	return &usageError{msg: err.Error()}
}

// setupSignalHandler 第一次信号取消 ctx，第二次信号强制退出（130 = 128 + SIGINT）。
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		<-sigCh
		signal.Stop(sigCh)
		os.Exit(130)
	}()
}

// =============================================================================
// run 命令
// =============================================================================

// simOptions 描述一次模拟。
type simOptions struct {
	keys         int
	callers      int
	rounds       int
	loadDelay    time.Duration
	absentEvery  int
	emptyElement bool
	store        string
	redisAddr    string
	cfg          xcache.Config
}

// simReport 汇总模拟结果。
type simReport struct {
	Requests     int64
	Values       int64
	Absent       int64
	Loads        int64
	LockTimeouts int64
	Errors       int64
	PutErrors    int64
	Elapsed      time.Duration
}

func createRunCommand() *cli.Command {
	return &cli.Command{
		Name:         "run",
		Usage:        "并发执行 GetWithLoader 并统计回源次数",
		OnUsageError: onUsageError,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "keys", Aliases: []string{"k"}, Usage: "不同 key 的数量", Value: 10},
			&cli.IntFlag{Name: "callers", Aliases: []string{"c"}, Usage: "并发调用方数量", Value: 100},
			&cli.IntFlag{Name: "rounds", Usage: "每个调用方遍历全部 key 的轮数", Value: 1},
			&cli.DurationFlag{Name: "load-delay", Usage: "每次回源的模拟耗时", Value: 20 * time.Millisecond},
			&cli.IntFlag{Name: "absent-every", Usage: "每隔 N 个 key 模拟一个数据源中不存在的 key，0 表示不模拟"},
			&cli.BoolFlag{Name: "empty-element", Usage: "为不存在的 key 缓存空值占位"},
			&cli.StringFlag{Name: "store", Usage: "存储类型: memory | redis", Value: storeMemory},
			&cli.StringFlag{Name: "redis-addr", Usage: "Redis 地址，为空时使用进程内 miniredis"},
			&cli.StringFlag{Name: "config", Usage: "缓存配置文件（YAML/JSON）"},
			&cli.Int64Flag{Name: "permits", Usage: "覆盖配置中的全局加载许可数，-1 表示不覆盖", Value: -1},
			&cli.DurationFlag{Name: "expire", Usage: "未指定配置文件时的默认过期时间", Value: time.Minute},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts, err := parseSimOptions(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.Root().ErrWriter, cmd.Root().Bool("verbose"))
			report, err := simulate(ctx, opts, logger)
			if err != nil {
				return err
			}
			printReport(cmd.Root().Writer, opts, report)
			return nil
		},
	}
}

// parseSimOptions 读取并校验 run 命令的参数。
func parseSimOptions(cmd *cli.Command) (simOptions, error) {
	opts := simOptions{
		keys:         int(cmd.Int("keys")),
		callers:      int(cmd.Int("callers")),
		rounds:       int(cmd.Int("rounds")),
		loadDelay:    cmd.Duration("load-delay"),
		absentEvery:  int(cmd.Int("absent-every")),
		emptyElement: cmd.Bool("empty-element"),
		store:        cmd.String("store"),
		redisAddr:    cmd.String("redis-addr"),
	}
	switch {
	case opts.keys <= 0:
		return opts, newUsageError("--keys 必须大于 0，当前为 %d", opts.keys)
	case opts.callers <= 0:
		return opts, newUsageError("--callers 必须大于 0，当前为 %d", opts.callers)
	case opts.rounds <= 0:
		return opts, newUsageError("--rounds 必须大于 0，当前为 %d", opts.rounds)
	case opts.loadDelay < 0:
		return opts, newUsageError("--load-delay 不能为负数")
	case opts.absentEvery < 0:
		return opts, newUsageError("--absent-every 不能为负数")
	case opts.store != storeMemory && opts.store != storeRedis:
		return opts, newUsageError("未知的存储类型 %q（可选 memory、redis）", opts.store)
	}

	cfg, err := simConfig(cmd.String("config"), cmd.Duration("expire"))
	if err != nil {
		return opts, err
	}
	if permits := cmd.Int64("permits"); permits >= 0 {
		cfg.LoaderPermits = permits
	}
	if err := cfg.Validate(); err != nil {
		return opts, newUsageError("%v", err)
	}
	opts.cfg = cfg
	return opts, nil
}

// simConfig 从文件加载配置；未指定文件时使用默认配置。
func simConfig(path string, expire time.Duration) (xcache.Config, error) {
	if path != "" {
		cfg, err := xcache.LoadConfigFile(path)
		if errors.Is(err, xcache.ErrInvalidConfig) {
			return cfg, newUsageError("%v", err)
		}
		return cfg, err
	}
	cfg := xcache.DefaultConfig()
	cfg.Name = "xloadsim"
	cfg.ExpireTime = expire
	return cfg, nil
}

// simulate 按 opts 构造存储与 LoadingCache，运行并发调用方并返回统计。
func simulate(ctx context.Context, opts simOptions, logger *slog.Logger) (simReport, error) {
	var report simReport

	store, closeStore, err := openStore(opts)
	if err != nil {
		return report, err
	}
	defer closeStore()

	absent := func(key string) bool {
		if opts.absentEvery == 0 {
			return false
		}
		var idx int
		_, _ = fmt.Sscanf(key, "key-%d", &idx)
		return idx%opts.absentEvery == 0
	}

	var loads, putErrors atomic.Int64
	loader := func(ctx context.Context, req *xcache.Request[string, string]) (string, error) {
		loads.Add(1)
		select {
		case <-time.After(opts.loadDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if absent(req.Key()) {
			return "", xcache.ErrNotFound
		}
		return "value-of-" + req.Key(), nil
	}

	cacheOpts := []xcache.Option[string, string]{
		xcache.WithLogger[string, string](logger),
		xcache.WithOnPutError[string, string](func(_ context.Context, key string, err error) {
			putErrors.Add(1)
			logger.Debug("put failed", "key", key, "error", err)
		}),
	}
	if opts.emptyElement {
		cacheOpts = append(cacheOpts, xcache.WithEmptyElement[string, string](""))
	}

	cache, err := xcache.NewFromStore(opts.cfg, store, loader, cacheOpts...)
	if err != nil {
		return report, err
	}
	defer cache.Close()

	var (
		wg                                         sync.WaitGroup
		requests, values, missing, timeouts, fails atomic.Int64
	)
	start := time.Now()
	for c := range opts.callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range opts.rounds {
				for i := range opts.keys {
					if ctx.Err() != nil {
						return
					}
					// 调用方错开起始 key，让不同 key 同时被争用
					key := fmt.Sprintf("key-%d", (i+c+r)%opts.keys)
					requests.Add(1)
					resp, err := cache.GetWithLoaderRequest(ctx, cache.NewRequest(key))
					switch {
					case errors.Is(err, xcache.ErrLockTimeout):
						timeouts.Add(1)
					case err != nil:
						fails.Add(1)
						logger.Debug("request failed", "key", key, "error", err)
					default:
						if _, ok := resp.Value(); ok {
							values.Add(1)
						} else {
							missing.Add(1)
						}
					}
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	report = simReport{
		Requests:     requests.Load(),
		Values:       values.Load(),
		Absent:       missing.Load(),
		Loads:        loads.Load(),
		LockTimeouts: timeouts.Load(),
		Errors:       fails.Load(),
		PutErrors:    putErrors.Load(),
		Elapsed:      time.Since(start),
	}
	return report, nil
}

// openStore 按 opts 打开存储，返回的 closer 负责释放全部资源。
func openStore(opts simOptions) (xcache.Store[string, string], func(), error) {
	if opts.store == storeMemory {
		store, err := xcache.NewMemoryStore[string, string]()
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	addr := opts.redisAddr
	var mr *miniredis.Miniredis
	if addr == "" {
		mr = miniredis.NewMiniRedis()
		if err := mr.Start(); err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		addr = mr.Addr()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	closer := func() {
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		closer()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}

	store, err := xcache.NewRedisStore[string, string](client,
		xcache.WithKeyPrefix[string, string](redisKeyPrefix))
	if err != nil {
		closer()
		return nil, nil, err
	}
	return store, closer, nil
}

// printReport 输出模拟统计。
func printReport(w io.Writer, opts simOptions, r simReport) {
	fmt.Fprintf(w, "store:         %s\n", opts.store)
	fmt.Fprintf(w, "keys:          %d\n", opts.keys)
	fmt.Fprintf(w, "callers:       %d\n", opts.callers)
	fmt.Fprintf(w, "requests:      %d\n", r.Requests)
	fmt.Fprintf(w, "values:        %d\n", r.Values)
	fmt.Fprintf(w, "absent:        %d\n", r.Absent)
	fmt.Fprintf(w, "loads:         %d\n", r.Loads)
	fmt.Fprintf(w, "lock timeouts: %d\n", r.LockTimeouts)
	fmt.Fprintf(w, "errors:        %d\n", r.Errors)
	fmt.Fprintf(w, "put errors:    %d\n", r.PutErrors)
	fmt.Fprintf(w, "elapsed:       %s\n", r.Elapsed.Round(time.Millisecond))
}

// =============================================================================
// config 命令
// =============================================================================

func createConfigCommand() *cli.Command {
	return &cli.Command{
		Name:         "config",
		Usage:        "校验并打印缓存配置文件",
		ArgsUsage:    "FILE",
		OnUsageError: onUsageError,
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return newUsageError("config 命令需要且只需要一个配置文件路径")
			}
			cfg, err := xcache.LoadConfigFile(cmd.Args().First())
			if err != nil {
				return err
			}
			printConfig(cmd.Root().Writer, cfg)
			return nil
		},
	}
}

// printConfig 输出生效的配置。
func printConfig(w io.Writer, cfg xcache.Config) {
	fmt.Fprintf(w, "name:                      %s\n", cfg.Name)
	fmt.Fprintf(w, "expire_time:               %s\n", cfg.ExpireTime)
	fmt.Fprintf(w, "random_expire_time:        %s\n", cfg.RandomExpireTime)
	fmt.Fprintf(w, "empty_element_expire_time: %s\n", cfg.EmptyElementExpireTime)
	fmt.Fprintf(w, "loader_permits:            %d\n", cfg.LoaderPermits)
	fmt.Fprintf(w, "loader_timeout:            %s\n", cfg.LoaderTimeout)
	fmt.Fprintf(w, "single_flight:             %t\n", cfg.SingleFlight)
	fmt.Fprintf(w, "key_lock_timeout:          %s\n", cfg.KeyLockTimeout)
	fmt.Fprintf(w, "key_lock_capacity:         %d\n", cfg.KeyLockCapacity)
	fmt.Fprintf(w, "key_lock_idle_ttl:         %s\n", cfg.KeyLockIdleTTL)
	fmt.Fprintf(w, "put_retry_attempts:        %d\n", cfg.PutRetryAttempts)
	fmt.Fprintf(w, "put_retry_delay:           %s\n", cfg.PutRetryDelay)
	fmt.Fprintf(w, "breaker.enabled:           %t\n", cfg.Breaker.Enabled)
	if cfg.Breaker.Enabled {
		fmt.Fprintf(w, "breaker.failures:          %d\n", cfg.Breaker.ConsecutiveFailures)
		fmt.Fprintf(w, "breaker.timeout:           %s\n", cfg.Breaker.Timeout)
	}
}
