package xcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xcacheloader/pkg/util/xkeylock"
)

// =============================================================================
// 查询
// =============================================================================

// getOnly 在 key 读锁保护下执行 getter。
// 同一 key 正在加载时（写锁被持有），读取会等待加载完成。
func (c *LoadingCache[K, V]) getOnly(ctx context.Context, req *Request[K, V]) (V, error) {
	var zero V
	guard, err := c.keyLocks.AcquireRead(ctx, req.GenKey(), c.cfg.KeyLockTimeout)
	if err != nil {
		err = c.keyLockError(ctx, err)
		if errors.Is(err, ErrLockTimeout) {
			c.metrics.RecordGet(ctx, c.cfg.Name, getResultTimeout)
		}
		return zero, err
	}
	defer c.unlock(guard)

	v, err := c.getter(ctx, req)
	switch {
	case err == nil:
		c.metrics.RecordGet(ctx, c.cfg.Name, getResultHit)
		return v, nil
	case errors.Is(err, ErrNotFound):
		c.metrics.RecordGet(ctx, c.cfg.Name, getResultMiss)
		return zero, err
	default:
		c.metrics.RecordGet(ctx, c.cfg.Name, getResultError)
		return zero, fmt.Errorf("%w: %w", ErrGetFailed, err)
	}
}

func (c *LoadingCache[K, V]) getWithLoader(ctx context.Context, req *Request[K, V]) (*Response[K, V], error) {
	v, err := c.getOnly(ctx, req)
	switch {
	case err == nil:
		return &Response[K, V]{value: v, hasValue: true, request: req}, nil
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrGetFailed):
		// 查询失败时回源兜底
		c.logWarn("xcache: get failed, falling back to loader", "cache", c.cfg.Name, "key", req.GenKey(), "error", err)
	default:
		return nil, err
	}
	return c.refreshWithCacheLock(ctx, req, true)
}

// =============================================================================
// 刷新流水线
// =============================================================================

// refreshWithCacheLock 控制整个缓存层面的加载并发。
// recheck 为 true 时，在获得 key 写锁后再查询一次缓存（GetWithLoader 路径）。
func (c *LoadingCache[K, V]) refreshWithCacheLock(ctx context.Context, req *Request[K, V], recheck bool) (*Response[K, V], error) {
	if c.loaderSem == nil {
		return c.refreshWithKeyLock(ctx, req, recheck)
	}
	if err := c.acquirePermit(ctx); err != nil {
		return nil, err
	}
	defer c.loaderSem.Release(1)
	return c.refreshWithKeyLock(ctx, req, recheck)
}

// acquirePermit 按 LoaderTimeout 语义获取一个全局加载许可。
func (c *LoadingCache[K, V]) acquirePermit(ctx context.Context) error {
	timeout := c.cfg.LoaderTimeout
	if timeout == 0 {
		if c.loaderSem.TryAcquire(1) {
			return nil
		}
		c.metrics.RecordLockTimeout(ctx, c.cfg.Name, layerCache)
		return fmt.Errorf("%w: %w: permits exhausted", ErrLockTimeout, ErrCacheLock)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrCacheLock)
		defer cancel()
	}
	if err := c.loaderSem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.metrics.RecordLockTimeout(ctx, c.cfg.Name, layerCache)
		return fmt.Errorf("%w: %w: waited %s", ErrLockTimeout, ErrCacheLock, timeout)
	}
	return nil
}

// refreshWithKeyLock 控制单 key 层面的加载并发。
//
// 持有写锁的调用方加载成功后把 Response 发布到锁单元；
// 排队期间有结果发布的调用方直接复用，不再调用 loader。
// 携带 loader 或 TTL 覆盖的请求不复用，持写锁自行加载。
func (c *LoadingCache[K, V]) refreshWithKeyLock(ctx context.Context, req *Request[K, V], recheck bool) (*Response[K, V], error) {
	if !c.cfg.SingleFlight {
		return c.refreshRaw(ctx, req)
	}

	guard, err := c.keyLocks.AcquireWrite(ctx, req.GenKey(), c.cfg.KeyLockTimeout)
	if err != nil {
		return nil, c.keyLockError(ctx, err)
	}
	defer c.unlock(guard)

	if shared, ok := guard.Coalesced(); ok && !req.hasOverrides() {
		if prev, ok := shared.(*Response[K, V]); ok {
			c.metrics.RecordLoad(ctx, c.cfg.Name, loadResultCoalesced, 0)
			c.logDebug("xcache: reuse concurrent load", "cache", c.cfg.Name, "key", req.GenKey())
			return prev.coalescedFor(req), nil
		}
	}

	if recheck {
		// 等待全局许可期间可能已有其他调用方写入
		if v, err := c.getter(ctx, req); err == nil {
			c.metrics.RecordGet(ctx, c.cfg.Name, getResultHit)
			return &Response[K, V]{value: v, hasValue: true, request: req}, nil
		}
	}

	resp, err := c.refreshRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	guard.Publish(resp)
	return resp, nil
}

// refreshRaw 执行加载与写入。
func (c *LoadingCache[K, V]) refreshRaw(ctx context.Context, req *Request[K, V]) (*Response[K, V], error) {
	loader := req.Loader()
	if loader == nil {
		loader = c.loader
	}

	start := time.Now()
	c.metrics.AddInflight(ctx, c.cfg.Name, 1)
	value, err := c.invokeLoader(ctx, loader, req)
	c.metrics.AddInflight(ctx, c.cfg.Name, -1)
	elapsed := time.Since(start)
	c.slowLoads.Observe(ctx, SlowLoad[K]{Cache: c.cfg.Name, Key: req.GenKey(), Elapsed: elapsed, Err: err}, elapsed)

	if err != nil && !errors.Is(err, ErrNotFound) {
		c.metrics.RecordLoad(ctx, c.cfg.Name, loadResultOf(err), elapsed)
		return nil, err
	}

	ttl := c.expireTime(req)

	// 加载不到数据
	if err != nil {
		if !c.opts.hasEmptyElement {
			c.metrics.RecordLoad(ctx, c.cfg.Name, loadResultAbsent, elapsed)
			return &Response[K, V]{request: req}, nil
		}
		emptyTTL := c.cfg.EmptyElementExpireTime
		if emptyTTL <= 0 {
			emptyTTL = ttl
		}
		resolved := req.resolved(c.opts.emptyElement, emptyTTL)
		c.put(ctx, resolved)
		c.metrics.RecordLoad(ctx, c.cfg.Name, loadResultEmpty, elapsed)
		return &Response[K, V]{
			value:    c.opts.emptyElement,
			hasValue: true,
			refresh:  true,
			empty:    true,
			request:  req,
		}, nil
	}

	resolved := req.resolved(value, ttl)
	c.put(ctx, resolved)
	c.metrics.RecordLoad(ctx, c.cfg.Name, loadResultValue, elapsed)
	return &Response[K, V]{value: value, hasValue: true, refresh: true, request: req}, nil
}

// invokeLoader 调用 loader，配置了熔断器时经过熔断器。
func (c *LoadingCache[K, V]) invokeLoader(ctx context.Context, loader LoadFunc[K, V], req *Request[K, V]) (V, error) {
	if c.breaker == nil {
		return safeLoad(ctx, loader, req)
	}
	v, err := c.breaker.Execute(func() (V, error) {
		return safeLoad(ctx, loader, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero V
		return zero, fmt.Errorf("%w: %w", ErrLoaderUnavailable, err)
	}
	return v, err
}

// safeLoad 调用 loader 并把 panic 转为 ErrLoadPanic，
// ErrNotFound 以外的错误包装为 ErrLoadFailed。
func safeLoad[K comparable, V any](ctx context.Context, loader LoadFunc[K, V], req *Request[K, V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			v, err = zero, fmt.Errorf("%w: %v", ErrLoadPanic, r)
		}
	}()

	v, err = loader(ctx, req)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return v, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	return v, err
}

func loadResultOf(err error) string {
	switch {
	case errors.Is(err, ErrLoadPanic):
		return loadResultPanic
	case errors.Is(err, ErrLoaderUnavailable):
		return loadResultUnavailable
	default:
		return loadResultError
	}
}

// =============================================================================
// 过期时间与写入
// =============================================================================

// expireTime 返回本次写入的过期时间：请求覆盖值优先，然后叠加随机抖动。
func (c *LoadingCache[K, V]) expireTime(req *Request[K, V]) time.Duration {
	base := req.ExpireTime()
	if base <= 0 {
		base = c.cfg.ExpireTime
	}
	return jitter(base, c.cfg.RandomExpireTime)
}

// jitter 返回 [base-j, base+j] 内均匀分布的随机时长。
// j <= 0 或结果不为正时返回 base。
func jitter(base, j time.Duration) time.Duration {
	if j <= 0 {
		return base
	}
	d := base - j + rand.N(2*j+1)
	if d <= 0 {
		return base
	}
	return d
}

// put 写入缓存。失败时按配置重试，仍失败则记录日志并调用钩子，不影响加载结果。
func (c *LoadingCache[K, V]) put(ctx context.Context, req *Request[K, V]) {
	err := c.putWithRetry(ctx, req)
	if err == nil {
		return
	}
	err = fmt.Errorf("%w: %w", ErrPutFailed, err)
	c.logWarn("xcache: cache put failed", "cache", c.cfg.Name, "key", req.GenKey(), "error", err)
	if c.opts.onPutError != nil {
		c.opts.onPutError(ctx, req.GenKey(), err)
	}
}

func (c *LoadingCache[K, V]) putWithRetry(ctx context.Context, req *Request[K, V]) error {
	if c.cfg.PutRetryAttempts <= 1 {
		return c.putter(ctx, req)
	}
	return retry.New(
		retry.Attempts(c.cfg.PutRetryAttempts),
		retry.Delay(c.cfg.PutRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return c.putter(ctx, req)
	})
}

// =============================================================================
// 锁辅助
// =============================================================================

// keyLockError 把 xkeylock 的错误转换为 xcache 的错误。
func (c *LoadingCache[K, V]) keyLockError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, xkeylock.ErrTimeout):
		c.metrics.RecordLockTimeout(ctx, c.cfg.Name, layerKey)
		return fmt.Errorf("%w: %w: %w", ErrLockTimeout, ErrKeyLock, err)
	case errors.Is(err, xkeylock.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

func (c *LoadingCache[K, V]) unlock(g *xkeylock.Guard[K]) {
	if err := g.Unlock(); err != nil {
		c.logWarn("xcache: unlock failed", "cache", c.cfg.Name, "key", g.Key(), "error", err)
	}
}
