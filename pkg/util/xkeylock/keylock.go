package xkeylock

import (
	"context"
	"hash/maphash"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Mode 表示锁的获取模式。
type Mode int

const (
	// ModeRead 读锁，同一 key 的多个读锁可以并存。
	ModeRead Mode = iota
	// ModeWrite 写锁，与同一 key 的其他读锁、写锁互斥。
	ModeWrite
)

// String 返回 Mode 的可读表示。
func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Pool 是按 key 分配读写锁单元的锁池。
// 必须通过 [New] 创建，所有方法并发安全。
type Pool[K comparable] struct {
	shards []shard[K]
	mask   uint64
	seed   maphash.Seed
	opts   options

	// idle 保存引用计数归零的单元，整个 Pool 共用一个 LRU，
	// 同一 key 的所有读写都经过其分片锁，保证 get-or-create 的原子性。
	idle *expirable.LRU[K, *lockEntry]

	active atomic.Int64
	closed atomic.Bool

	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeOnce   sync.Once
}

// Guard 表示一次成功的锁获取。
// Unlock 是幂等的：第一次调用释放锁并返回 nil，后续调用返回 [ErrLockNotHeld]。
type Guard[K comparable] struct {
	pool  *Pool[K]
	key   K
	entry *lockEntry
	mode  Mode
	// epoch 是到达时单元已发布结果的轮次，用于判断排队期间是否有写锁持有者完成了计算。
	epoch uint64
	done  atomic.Bool
}

// New 创建一个新的 Pool。
// 配置无效时返回错误（如分片数不是 2 的幂、容量不在合法范围内）。
// 使用完毕后应调用 Close 释放后台清理 goroutine。
func New[K comparable](opts ...Option) (*Pool[K], error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return newPool[K](o), nil
}

// AcquireRead 获取 key 的读锁。
// timeout 语义见包文档：0 为非阻塞探测，负数为无限等待，正数为最长等待时间。
// ctx 不得为 nil，否则 panic。
func (p *Pool[K]) AcquireRead(ctx context.Context, key K, timeout time.Duration) (*Guard[K], error) {
	return p.acquire(ctx, key, timeout, ModeRead)
}

// AcquireWrite 获取 key 的写锁。
// timeout 语义与 AcquireRead 相同。
func (p *Pool[K]) AcquireWrite(ctx context.Context, key K, timeout time.Duration) (*Guard[K], error) {
	return p.acquire(ctx, key, timeout, ModeWrite)
}

// Key 返回锁的 key。Unlock 之后仍返回原始 key。
func (g *Guard[K]) Key() K {
	return g.key
}

// Mode 返回锁的获取模式。
func (g *Guard[K]) Mode() Mode {
	return g.mode
}

// Publish 在写锁释放前发布本轮计算结果，供排队中的写锁调用方复用。
// 读锁或已释放的 Guard 调用无效果。
func (g *Guard[K]) Publish(v any) {
	if g.mode != ModeWrite || g.done.Load() {
		return
	}
	g.entry.result = v
	g.entry.epoch.Add(1)
}

// Coalesced 返回本调用方排队等待期间，前一个写锁持有者发布的结果。
// 如果排队期间没有结果发布（或当前是读锁），返回 (nil, false)。
func (g *Guard[K]) Coalesced() (any, bool) {
	if g.mode != ModeWrite || g.done.Load() {
		return nil, false
	}
	if g.entry.epoch.Load() == g.epoch {
		return nil, false
	}
	return g.entry.result, true
}
