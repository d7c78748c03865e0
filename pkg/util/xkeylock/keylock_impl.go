package xkeylock

import (
	"context"
	"fmt"
	"hash/maphash"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"
)

// maxReaders 是单元的总权重：读锁占 1，写锁占全部。
const maxReaders = 1 << 30

type shard[K comparable] struct {
	mu sync.Mutex
	// active 保存被持有或被等待的单元（引用计数 > 0）。
	active map[K]*lockEntry
}

// lockEntry 表示一个 key 的读写锁单元。
type lockEntry struct {
	sem *semaphore.Weighted
	// refs 跟踪引用此单元的 goroutine 数量（持有者 + 等待者），受分片锁保护。
	refs int

	// epoch 与 result 由写锁持有者更新：先写 result，再递增 epoch。
	// 后继写锁持有者在获取写锁后读取，happens-before 由 semaphore 内部互斥量保证。
	epoch  atomic.Uint64
	result any
}

func newPool[K comparable](o options) *Pool[K] {
	shards := make([]shard[K], o.shardCount)
	for i := range shards {
		shards[i].active = make(map[K]*lockEntry)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[K]{
		shards:      shards,
		mask:        uint64(o.shardCount - 1),
		seed:        maphash.MakeSeed(),
		opts:        o,
		idle:        expirable.NewLRU[K, *lockEntry](o.capacity, nil, o.idleTTL),
		closeCtx:    ctx,
		closeCancel: cancel,
	}
}

// hashKey 计算 key 的分片哈希。字符串 key 走 xxhash 快速路径。
func (p *Pool[K]) hashKey(key K) uint64 {
	if s, ok := any(key).(string); ok {
		return xxhash.Sum64String(s)
	}
	return maphash.Comparable(p.seed, key)
}

func (p *Pool[K]) getShard(key K) *shard[K] {
	return &p.shards[p.hashKey(key)&p.mask]
}

// getOrCreate 获取或创建单元并增加引用计数，返回到达时的 epoch。
func (p *Pool[K]) getOrCreate(key K) (*lockEntry, uint64, error) {
	s := p.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.closed.Load() {
		return nil, 0, ErrClosed
	}

	e, ok := s.active[key]
	if !ok {
		// 优先复用空闲单元，避免同一 key 反复分配。
		if idle, found := p.idle.Peek(key); found {
			p.idle.Remove(key)
			e = idle
		} else {
			e = &lockEntry{sem: semaphore.NewWeighted(maxReaders)}
		}
		s.active[key] = e
		p.active.Add(1)
	}
	e.refs++
	return e, e.epoch.Load(), nil
}

// releaseRef 减少引用计数，归零时把单元转入空闲 LRU。
func (p *Pool[K]) releaseRef(key K, e *lockEntry) {
	s := p.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return
	}
	delete(s.active, key)
	p.active.Add(-1)
	// 空闲单元不再需要保留上一轮结果，释放引用以免拖住大对象。
	e.result = nil
	if !p.closed.Load() {
		p.idle.Add(key, e)
	}
}

func (p *Pool[K]) acquire(ctx context.Context, key K, timeout time.Duration, mode Mode) (*Guard[K], error) {
	if ctx == nil {
		panic("xkeylock: nil Context")
	}
	// 快速检查：ctx 已取消时避免进入 getOrCreate 造成不必要的锁竞争。
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}

	entry, epoch, err := p.getOrCreate(key)
	if err != nil {
		return nil, err
	}
	if err := p.acquireUnit(ctx, entry.sem, weightOf(mode), timeout); err != nil {
		p.releaseRef(key, entry)
		return nil, err
	}
	return &Guard[K]{pool: p, key: key, entry: entry, mode: mode, epoch: epoch}, nil
}

// acquireUnit 按 timeout 语义获取单元权重。
func (p *Pool[K]) acquireUnit(ctx context.Context, sem *semaphore.Weighted, n int64, timeout time.Duration) error {
	if timeout == 0 {
		if sem.TryAcquire(n) {
			return nil
		}
		return fmt.Errorf("%w: lock busy", ErrTimeout)
	}

	// Close 需要唤醒所有等待者，把关闭信号合并进等待用的 ctx。
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(p.closeCtx, func() { cancel(ErrClosed) })
	defer stop()

	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		waitCtx, cancelTimeout = context.WithTimeoutCause(waitCtx, timeout, ErrTimeout)
		defer cancelTimeout()
	}

	if err := sem.Acquire(waitCtx, n); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		switch context.Cause(waitCtx) {
		case ErrClosed:
			return ErrClosed
		case ErrTimeout:
			return fmt.Errorf("%w: waited %s", ErrTimeout, timeout)
		default:
			return err
		}
	}
	return nil
}

func weightOf(mode Mode) int64 {
	if mode == ModeWrite {
		return maxReaders
	}
	return 1
}

// Len 返回当前单元数量：被持有/等待的单元加上空闲单元（瞬时快照）。
func (p *Pool[K]) Len() int {
	return int(max(p.active.Load(), 0)) + p.idle.Len()
}

// Close 关闭 Pool：拒绝新的获取，唤醒等待中的获取，清空空闲单元。
// 已持有的锁不受影响，仍可正常 Unlock。重复调用返回 [ErrClosed]。
func (p *Pool[K]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	p.closeOnce.Do(func() {
		p.closeCancel()
		p.idle.Purge()
		stopCleanupGoroutine(p.idle)
	})
	return nil
}

// Unlock 释放锁。
func (g *Guard[K]) Unlock() error {
	if !g.done.CompareAndSwap(false, true) {
		return ErrLockNotHeld
	}
	g.entry.sem.Release(weightOf(g.mode))
	g.pool.releaseRef(g.key, g.entry)
	return nil
}

// stopCleanupGoroutine 停止 expirable.LRU 内部的过期清理 goroutine。
//
// 设计决策: hashicorp/golang-lru/v2@v2.0.7 在 TTL > 0 时启动后台 goroutine，
// 但未提供公开的 Close。这里通过 reflect + unsafe 关闭其内部 done 通道。
// 上游结构变化时返回 false（降级为 goroutine 泄漏，由 goleak 测试发现）。
func stopCleanupGoroutine(lru any) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			stopped = false
		}
	}()

	v := reflect.ValueOf(lru)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return false
	}
	doneField := v.Elem().FieldByName("done")
	if !doneField.IsValid() || doneField.IsNil() {
		return false
	}
	if doneField.Type() != reflect.TypeOf(make(chan struct{})) {
		return false
	}
	doneCh := *(*chan struct{})(unsafe.Pointer(doneField.UnsafeAddr())) //nolint:gosec // 有意访问上游未导出字段
	close(doneCh)
	return true
}
