package slowload

import (
	"context"
	"errors"
	"sync"
	"time"
)

// 默认值常量。
const (
	DefaultAsyncWorkers   = 4
	DefaultAsyncQueueSize = 1000
)

// ErrNoHook 表示设置了阈值但没有任何钩子。
var ErrNoHook = errors.New("slowload: threshold set without hook")

// Hook 同步回调钩子，在加载路径上执行。
type Hook[T any] func(ctx context.Context, info T)

// AsyncHook 异步回调钩子，由内部 worker 执行。
// 不接收 context，异步执行时原请求的 context 可能已结束。
type AsyncHook[T any] func(info T)

// Options 慢加载检测配置。
type Options[T any] struct {
	// Threshold 慢加载阈值，0 表示禁用检测。
	Threshold time.Duration

	// Hook 同步钩子。
	Hook Hook[T]

	// AsyncHook 异步钩子。与 Hook 同时设置时两者都会被调用。
	AsyncHook AsyncHook[T]

	// AsyncWorkers 异步 worker 数量，默认 4。
	AsyncWorkers int

	// AsyncQueueSize 异步队列长度，默认 1000。
	AsyncQueueSize int
}

// Detector 慢加载检测器。nil *Detector 的方法都是空操作。
type Detector[T any] struct {
	opts Options[T]
	pool *workerPool[T]
	mu   sync.RWMutex
}

// New 创建检测器。Threshold 为 0 时返回 nil 检测器。
// Threshold > 0 但两个钩子都为 nil 时返回 ErrNoHook。
func New[T any](opts Options[T]) (*Detector[T], error) {
	if opts.Threshold <= 0 {
		return nil, nil
	}
	if opts.Hook == nil && opts.AsyncHook == nil {
		return nil, ErrNoHook
	}
	if opts.AsyncWorkers <= 0 {
		opts.AsyncWorkers = DefaultAsyncWorkers
	}
	if opts.AsyncQueueSize <= 0 {
		opts.AsyncQueueSize = DefaultAsyncQueueSize
	}

	d := &Detector[T]{opts: opts}
	if opts.AsyncHook != nil {
		d.pool = newWorkerPool(opts.AsyncWorkers, opts.AsyncQueueSize, opts.AsyncHook)
	}
	return d, nil
}

// Observe 在 elapsed >= Threshold 时触发钩子，返回是否触发。
func (d *Detector[T]) Observe(ctx context.Context, info T, elapsed time.Duration) bool {
	if d == nil || elapsed < d.opts.Threshold {
		return false
	}
	if d.opts.Hook != nil {
		d.opts.Hook(ctx, info)
	}

	d.mu.RLock()
	if d.pool != nil {
		d.pool.submit(info)
	}
	d.mu.RUnlock()
	return true
}

// Threshold 返回阈值。
func (d *Detector[T]) Threshold() time.Duration {
	if d == nil {
		return 0
	}
	return d.opts.Threshold
}

// Close 关闭检测器，等待已入队的异步通知处理完毕。可重复调用。
func (d *Detector[T]) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	pool := d.pool
	d.pool = nil
	d.mu.Unlock()

	// 锁外排空，避免阻塞并发的 Observe
	if pool != nil {
		pool.stop()
	}
}
