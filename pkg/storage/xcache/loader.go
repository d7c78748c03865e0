package xcache

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// 函数类型定义
// =============================================================================

// GetFunc 从缓存存储中查询 req.GenKey() 对应的值。
// 未命中时返回 ErrNotFound（可包装）。
type GetFunc[K comparable, V any] func(ctx context.Context, req *Request[K, V]) (V, error)

// LoadFunc 从数据源加载 req.GenKey() 对应的值。
// 数据源中不存在时返回 ErrNotFound（可包装），其余错误会传播给调用方。
type LoadFunc[K comparable, V any] func(ctx context.Context, req *Request[K, V]) (V, error)

// PutFunc 把 req.Value() 写入缓存存储，过期时间为 req.ExpireTime()。
type PutFunc[K comparable, V any] func(ctx context.Context, req *Request[K, V]) error

// Store 是同时提供查询与写入的缓存存储，MemoryStore 与 RedisStore 都实现了它。
// 配合 NewFromStore 使用。
type Store[K comparable, V any] interface {
	// Get 查询 key，未命中返回 ErrNotFound。
	Get(ctx context.Context, key K) (V, error)

	// Put 写入 key，ttl 为过期时间。
	Put(ctx context.Context, key K, value V, ttl time.Duration) error
}

// PutErrorHook 缓存写入失败回调钩子。
// 在请求路径上同步执行，应避免耗时操作。
type PutErrorHook[K comparable] func(ctx context.Context, key K, err error)

// SlowLoad 描述一次慢加载。
type SlowLoad[K comparable] struct {
	// Cache 缓存名称。
	Cache string
	// Key 有效 key（GenKey）。
	Key K
	// Elapsed 加载耗时。
	Elapsed time.Duration
	// Err 加载错误，数据源中不存在时为 ErrNotFound。
	Err error
}

// SlowLoadHook 慢加载同步钩子，在加载路径上执行。
type SlowLoadHook[K comparable] func(ctx context.Context, info SlowLoad[K])

// AsyncSlowLoadHook 慢加载异步钩子，由后台 worker 执行，队列满时通知被丢弃。
type AsyncSlowLoadHook[K comparable] func(info SlowLoad[K])

// =============================================================================
// 配置选项
// =============================================================================

// Option 定义 LoadingCache 的类型化配置。标量配置见 Config。
type Option[K comparable, V any] func(*options[K, V])

type options[K comparable, V any] struct {
	emptyElement    V
	hasEmptyElement bool
	keyGenerator    KeyGenerator[K, V]
	onPutError      PutErrorHook[K]
	slowLoadHook    SlowLoadHook[K]
	asyncSlowLoad   AsyncSlowLoadHook[K]
	logger          *slog.Logger
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
}

func defaultOptions[K comparable, V any]() *options[K, V] {
	return &options[K, V]{
		logger: slog.Default(),
	}
}

// WithEmptyElement 开启空值缓存：loader 加载不到数据时写入 v 作为占位，
// 过期时间为 Config.EmptyElementExpireTime。
func WithEmptyElement[K comparable, V any](v V) Option[K, V] {
	return func(o *options[K, V]) {
		o.emptyElement = v
		o.hasEmptyElement = true
	}
}

// WithKeyGenerator 设置缓存级 key 生成器。请求上的生成器优先。
func WithKeyGenerator[K comparable, V any](fn KeyGenerator[K, V]) Option[K, V] {
	return func(o *options[K, V]) {
		o.keyGenerator = fn
	}
}

// WithOnPutError 设置缓存写入失败回调钩子。
// 默认为 nil，仅记录日志。
func WithOnPutError[K comparable, V any](hook PutErrorHook[K]) Option[K, V] {
	return func(o *options[K, V]) {
		o.onPutError = hook
	}
}

// WithSlowLoadHook 设置慢加载同步钩子，阈值为 Config.SlowLoadThreshold。
func WithSlowLoadHook[K comparable, V any](hook SlowLoadHook[K]) Option[K, V] {
	return func(o *options[K, V]) {
		o.slowLoadHook = hook
	}
}

// WithAsyncSlowLoadHook 设置慢加载异步钩子，阈值为 Config.SlowLoadThreshold。
func WithAsyncSlowLoadHook[K comparable, V any](hook AsyncSlowLoadHook[K]) Option[K, V] {
	return func(o *options[K, V]) {
		o.asyncSlowLoad = hook
	}
}

// WithLogger 设置自定义 Logger。
// 传入 nil 将禁用日志输出。
func WithLogger[K comparable, V any](logger *slog.Logger) Option[K, V] {
	return func(o *options[K, V]) {
		o.logger = logger
	}
}

// WithMeterProvider 设置 MeterProvider。nil 表示不收集指标（默认）。
func WithMeterProvider[K comparable, V any](mp metric.MeterProvider) Option[K, V] {
	return func(o *options[K, V]) {
		o.meterProvider = mp
	}
}

// WithTracerProvider 设置 TracerProvider。nil 表示使用全局 TracerProvider（默认）。
func WithTracerProvider[K comparable, V any](tp trace.TracerProvider) Option[K, V] {
	return func(o *options[K, V]) {
		o.tracerProvider = tp
	}
}
