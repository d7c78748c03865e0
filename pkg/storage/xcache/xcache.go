package xcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/omeyang/xcacheloader/internal/slowload"
	"github.com/omeyang/xcacheloader/pkg/util/xkeylock"
)

// LoadingCache 是带加载能力的缓存编排器。
//
// 它本身不存储数据：查询、加载、写入分别委托给 GetFunc、LoadFunc、PutFunc，
// LoadingCache 只负责协调并发（全局加载许可 + 单 key 读写锁）、空值缓存与过期时间抖动。
// 必须通过 New 或 NewFromStore 创建，所有方法并发安全。
type LoadingCache[K comparable, V any] struct {
	cfg    Config
	opts   *options[K, V]
	getter GetFunc[K, V]
	loader LoadFunc[K, V]
	putter PutFunc[K, V]

	// loaderSem 为 nil 表示不限制全局加载并发。
	loaderSem *semaphore.Weighted
	keyLocks  *xkeylock.Pool[K]
	breaker   *gobreaker.CircuitBreaker[V]
	slowLoads *slowload.Detector[SlowLoad[K]]
	metrics   *Metrics
	tracer    trace.Tracer
	closed    atomic.Bool
}

// =============================================================================
// 工厂函数
// =============================================================================

// New 创建 LoadingCache。
//
// 构造期校验（fail-fast）：
//   - getter、loader、putter 任一为 nil → 返回 ErrNilFunc
//   - cfg 校验失败 → 返回 ErrInvalidConfig
//
// 使用完毕后应调用 Close 释放 key 锁池的后台清理 goroutine。
func New[K comparable, V any](
	cfg Config,
	getter GetFunc[K, V],
	loader LoadFunc[K, V],
	putter PutFunc[K, V],
	opts ...Option[K, V],
) (*LoadingCache[K, V], error) {
	switch {
	case getter == nil:
		return nil, fmt.Errorf("%w: getter", ErrNilFunc)
	case loader == nil:
		return nil, fmt.Errorf("%w: loader", ErrNilFunc)
	case putter == nil:
		return nil, fmt.Errorf("%w: putter", ErrNilFunc)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions[K, V]()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	metrics, err := NewMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("xcache: create metrics: %w", err)
	}

	keyLocks, err := xkeylock.New[K](
		xkeylock.WithCapacity(cfg.KeyLockCapacity),
		xkeylock.WithIdleTTL(cfg.keyLockIdleTTL()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	slowLoads, err := slowload.New(slowload.Options[SlowLoad[K]]{
		Threshold: cfg.SlowLoadThreshold,
		Hook:      slowLoadHook(o),
		AsyncHook: slowload.AsyncHook[SlowLoad[K]](o.asyncSlowLoad),
	})
	if err != nil {
		_ = keyLocks.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	c := &LoadingCache[K, V]{
		cfg:       cfg,
		opts:      o,
		getter:    getter,
		loader:    loader,
		putter:    putter,
		keyLocks:  keyLocks,
		slowLoads: slowLoads,
		metrics:   metrics,
		tracer:    getTracer(o.tracerProvider),
	}
	if cfg.LoaderPermits > 0 {
		c.loaderSem = semaphore.NewWeighted(cfg.LoaderPermits)
	}
	if cfg.Breaker.Enabled {
		c.breaker = gobreaker.NewCircuitBreaker[V](c.breakerSettings())
	}
	return c, nil
}

// NewFromStore 使用 Store 的 Get/Put 作为 getter/putter 创建 LoadingCache。
// 存储使用的 key 是 Request.GenKey()。
func NewFromStore[K comparable, V any](
	cfg Config,
	store Store[K, V],
	loader LoadFunc[K, V],
	opts ...Option[K, V],
) (*LoadingCache[K, V], error) {
	if store == nil {
		return nil, ErrNilClient
	}
	getter := func(ctx context.Context, req *Request[K, V]) (V, error) {
		return store.Get(ctx, req.GenKey())
	}
	putter := func(ctx context.Context, req *Request[K, V]) error {
		v, _ := req.Value()
		return store.Put(ctx, req.GenKey(), v, req.ExpireTime())
	}
	return New(cfg, getter, loader, putter, opts...)
}

// Name 返回缓存名称。
func (c *LoadingCache[K, V]) Name() string {
	return c.cfg.Name
}

// Config 返回构造时使用的配置。
func (c *LoadingCache[K, V]) Config() Config {
	return c.cfg
}

// NewRequest 创建只包含 key 的 Request，类型参数由 LoadingCache 推导。
func (c *LoadingCache[K, V]) NewRequest(key K) *Request[K, V] {
	return NewRequest[K, V](key)
}

// Close 关闭 LoadingCache，释放 key 锁池。
// 正在等待 key 锁的调用被唤醒并返回 ErrClosed，之后的调用都返回 ErrClosed。
// 重复调用返回 ErrClosed。
func (c *LoadingCache[K, V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.slowLoads.Close()
	if err := c.keyLocks.Close(); err != nil && !errors.Is(err, xkeylock.ErrClosed) {
		return err
	}
	return nil
}

// =============================================================================
// 查询
// =============================================================================

// GetOnlyRequest 在 key 读锁保护下查询缓存，不触发加载。
//
// 返回值：
//   - 命中 → (值, nil)
//   - 未命中 → ErrNotFound
//   - 读锁等待超时 → ErrLockTimeout（包装 ErrKeyLock）
//   - getter 返回其他错误 → ErrGetFailed
func (c *LoadingCache[K, V]) GetOnlyRequest(ctx context.Context, req *Request[K, V]) (V, error) {
	var zero V
	req, err := c.prepare(req)
	if err != nil {
		return zero, err
	}
	return c.getOnly(ctx, req)
}

// GetOnly 是 GetOnlyRequest 的简化形式，任何失败都返回 (零值, false)。
func (c *LoadingCache[K, V]) GetOnly(ctx context.Context, key K) (V, bool) {
	v, err := c.GetOnlyRequest(ctx, c.NewRequest(key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logWarn("xcache: get only failed", "cache", c.cfg.Name, "key", key, "error", err)
		}
		var zero V
		return zero, false
	}
	return v, true
}

// GetWithLoaderRequest 查询缓存，未命中时加载并写入。
//
// getter 返回 ErrNotFound 以外的错误时记录日志并回源兜底；
// 读锁超时不会被当作未命中，直接返回 ErrLockTimeout。
// 加载流程见 RefreshRequest。
func (c *LoadingCache[K, V]) GetWithLoaderRequest(ctx context.Context, req *Request[K, V]) (*Response[K, V], error) {
	req, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, c.tracer, spanNameGetWithLoader, c.cfg.Name)
	resp, err := c.getWithLoader(ctx, req)
	endSpan(span, resp, err)
	return resp, err
}

// GetWithLoader 是 GetWithLoaderRequest 的简化形式。
// params 透传给 loader，可以为 nil。任何失败都记录日志并返回 (零值, false)。
func (c *LoadingCache[K, V]) GetWithLoader(ctx context.Context, key K, params map[string]any) (V, bool) {
	req := c.NewRequest(key)
	if params != nil {
		req = req.WithLoaderParams(params)
	}
	resp, err := c.GetWithLoaderRequest(ctx, req)
	return c.valueOf(key, resp, err)
}

// GetWithLoaderAsync 在新 goroutine 中执行 GetWithLoaderRequest，结果投递到返回的通道。
// 通道带 1 个缓冲并在投递后关闭，调用方不读取也不会泄漏 goroutine。
func (c *LoadingCache[K, V]) GetWithLoaderAsync(ctx context.Context, req *Request[K, V]) <-chan Result[K, V] {
	ch := make(chan Result[K, V], 1)
	go func() {
		defer close(ch)
		resp, err := c.GetWithLoaderRequest(ctx, req)
		ch <- Result[K, V]{Response: resp, Err: err}
	}()
	return ch
}

// GetManyWithLoader 并发对多个 key 执行 GetWithLoader，parallelism <= 0 表示不限制并发。
//
// 返回的 map 只包含有值的 key。锁等待超时的 key 记录日志后跳过；
// 其他错误（如加载失败）取消剩余请求并返回第一个错误，此时 map 包含已完成的结果。
func (c *LoadingCache[K, V]) GetManyWithLoader(ctx context.Context, keys []K, parallelism int) (map[K]V, error) {
	var (
		mu      sync.Mutex
		results = make(map[K]V, len(keys))
	)

	g, gctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for _, key := range keys {
		g.Go(func() error {
			resp, err := c.GetWithLoaderRequest(gctx, c.NewRequest(key))
			if err != nil {
				if errors.Is(err, ErrLockTimeout) {
					c.logWarn("xcache: skip key on lock timeout", "cache", c.cfg.Name, "key", key, "error", err)
					return nil
				}
				return err
			}
			if v, ok := resp.Value(); ok {
				mu.Lock()
				results[key] = v
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return results, err
}

// =============================================================================
// 刷新
// =============================================================================

// RefreshRequest 无条件加载并写入缓存。
//
// 流程：全局加载许可 → 单 key 写锁（SingleFlight 开启时）→ 加载 → 写入。
//   - 许可或写锁等待超时 → ErrLockTimeout（分别包装 ErrCacheLock / ErrKeyLock）
//   - 排队等待写锁期间其他调用方已完成加载 → 直接复用其结果（IsCoalesced 为 true）；
//     req 覆盖了 loader 或 TTL 时不复用，持写锁用自己的 loader 与 TTL 加载
//   - loader 返回错误 → ErrLoadFailed；loader panic → ErrLoadPanic；熔断打开 → ErrLoaderUnavailable
//   - 写入失败不影响返回值，按配置重试后记录日志并调用 OnPutError 钩子
func (c *LoadingCache[K, V]) RefreshRequest(ctx context.Context, req *Request[K, V]) (*Response[K, V], error) {
	req, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, c.tracer, spanNameRefresh, c.cfg.Name)
	resp, err := c.refreshWithCacheLock(ctx, req, false)
	endSpan(span, resp, err)
	return resp, err
}

// Refresh 是 RefreshRequest 的简化形式。
// params 透传给 loader，可以为 nil。任何失败都记录日志并返回 (零值, false)。
func (c *LoadingCache[K, V]) Refresh(ctx context.Context, key K, params map[string]any) (V, bool) {
	req := c.NewRequest(key)
	if params != nil {
		req = req.WithLoaderParams(params)
	}
	resp, err := c.RefreshRequest(ctx, req)
	return c.valueOf(key, resp, err)
}

// =============================================================================
// 辅助方法
// =============================================================================

// prepare 校验请求并应用缓存级 key 生成器。
func (c *LoadingCache[K, V]) prepare(req *Request[K, V]) (*Request[K, V], error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return req.withDefaultKeyGenerator(c.opts.keyGenerator), nil
}

func (c *LoadingCache[K, V]) valueOf(key K, resp *Response[K, V], err error) (V, bool) {
	if err != nil {
		c.logWarn("xcache: load failed", "cache", c.cfg.Name, "key", key, "error", err)
		var zero V
		return zero, false
	}
	return resp.Value()
}

// slowLoadHook 返回慢加载同步钩子。两个钩子都未设置时记录 Warn 日志。
func slowLoadHook[K comparable, V any](o *options[K, V]) slowload.Hook[SlowLoad[K]] {
	if o.slowLoadHook != nil {
		return slowload.Hook[SlowLoad[K]](o.slowLoadHook)
	}
	if o.asyncSlowLoad != nil {
		return nil
	}
	if o.logger == nil {
		return func(context.Context, SlowLoad[K]) {}
	}
	logger := o.logger
	return func(ctx context.Context, info SlowLoad[K]) {
		logger.WarnContext(ctx, "xcache: slow load",
			"cache", info.Cache, "key", info.Key, "elapsed", info.Elapsed, "error", info.Err)
	}
}

func (c *LoadingCache[K, V]) breakerSettings() gobreaker.Settings {
	bc := c.cfg.Breaker
	return gobreaker.Settings{
		Name:        c.cfg.Name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		// 数据源中不存在不是故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logWarn("xcache: loader breaker state changed", "cache", name, "from", from.String(), "to", to.String())
		},
	}
}

// logWarn 记录警告日志（如果配置了 Logger）。
func (c *LoadingCache[K, V]) logWarn(msg string, args ...any) {
	if c.opts.logger != nil {
		c.opts.logger.Warn(msg, args...)
	}
}

// logDebug 记录调试日志（如果配置了 Logger）。
func (c *LoadingCache[K, V]) logDebug(msg string, args ...any) {
	if c.opts.logger != nil {
		c.opts.logger.Debug(msg, args...)
	}
}
