package xcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ErrStoreRejected 表示内存存储拒绝了写入（ristretto 在争用或准入策略下会丢弃写入）。
var ErrStoreRejected = errors.New("xcache: store rejected write")

// MemoryKey 是 MemoryStore 支持的 key 类型，即 ristretto.Key 中可比较的部分。
type MemoryKey interface {
	uint64 | string | byte | int | int32 | uint32 | int64
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore 是基于 ristretto 的进程内 Store，支持按条目设置 TTL。
//
// 每个条目的 cost 为 1 且忽略 ristretto 的内部开销，因此 MaxCost 即最多保留的条目数。
// ristretto 使用异步写入机制，Put 内部会调用 Wait，并确认条目确实被保留。
type MemoryStore[K MemoryKey, V any] struct {
	cache  *ristretto.Cache[K, V]
	owned  bool // 标记是否由本实例创建（需要负责关闭）
	closed atomic.Bool
}

// =============================================================================
// 统计信息
// =============================================================================

// MemoryStats 定义内存存储的统计信息。
type MemoryStats struct {
	// Hits 命中次数。
	Hits uint64

	// Misses 未命中次数。
	Misses uint64

	// HitRatio 命中率 (0.0 - 1.0)。
	HitRatio float64

	// KeysAdded 已添加的 key 数量。
	KeysAdded uint64

	// KeysEvicted 已淘汰的 key 数量。
	KeysEvicted uint64

	// SetsDropped 被丢弃的写入次数。
	SetsDropped uint64
}

// =============================================================================
// 配置选项
// =============================================================================

// MemoryOptions 定义内存存储的配置选项。
type MemoryOptions struct {
	// NumCounters 用于跟踪频率的计数器数量。
	// 建议设置为预期 key 数量的 10 倍。默认为 1e6。
	NumCounters int64

	// MaxCost 最多保留的条目数。默认为 1e5。
	MaxCost int64

	// BufferItems 写入缓冲区的大小。默认为 64。
	BufferItems int64
}

// MemoryOption 定义配置内存存储的函数类型。
type MemoryOption func(*MemoryOptions)

func defaultMemoryOptions() *MemoryOptions {
	return &MemoryOptions{
		NumCounters: 1e6,
		MaxCost:     1e5,
		BufferItems: 64,
	}
}

// WithMemoryNumCounters 设置计数器数量。
// 如果 n <= 0，将忽略此设置并使用默认值。
func WithMemoryNumCounters(n int64) MemoryOption {
	return func(o *MemoryOptions) {
		if n > 0 {
			o.NumCounters = n
		}
	}
}

// WithMemoryMaxCost 设置最多保留的条目数。
// 如果 n <= 0，将忽略此设置并使用默认值。
func WithMemoryMaxCost(n int64) MemoryOption {
	return func(o *MemoryOptions) {
		if n > 0 {
			o.MaxCost = n
		}
	}
}

// WithMemoryBufferItems 设置写入缓冲区大小。
// 如果 n <= 0，将忽略此设置并使用默认值。
func WithMemoryBufferItems(n int64) MemoryOption {
	return func(o *MemoryOptions) {
		if n > 0 {
			o.BufferItems = n
		}
	}
}

// =============================================================================
// 工厂函数
// =============================================================================

// NewMemoryStore 创建内存存储。使用完毕后应调用 Close。
func NewMemoryStore[K MemoryKey, V any](opts ...MemoryOption) (*MemoryStore[K, V], error) {
	options := defaultMemoryOptions()
	for _, opt := range opts {
		opt(options)
	}

	// 忽略内部开销，否则 cost=1 的条目会被按字节级开销淘汰
	cache, err := ristretto.NewCache(&ristretto.Config[K, V]{
		NumCounters:        options.NumCounters,
		MaxCost:            options.MaxCost,
		BufferItems:        options.BufferItems,
		Metrics:            true, // 启用 Metrics 以支持 Stats() 方法
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("xcache: create memory store: %w", err)
	}
	return &MemoryStore[K, V]{cache: cache, owned: true}, nil
}

// NewMemoryStoreFromClient 从已有的 ristretto.Cache 创建内存存储。
// Close 不会关闭传入的 client，其生命周期由调用方管理。
//
// client 必须以 Metrics=true 创建；MemoryStore 按 cost=1 写入，
// 因此 client 应设置 IgnoreInternalCost=true，否则 MaxCost 会被内部开销耗尽，
// 写入将以 ErrStoreRejected 失败。
func NewMemoryStoreFromClient[K MemoryKey, V any](client *ristretto.Cache[K, V]) (*MemoryStore[K, V], error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if client.Metrics == nil {
		return nil, ErrMetricsDisabled
	}
	return &MemoryStore[K, V]{cache: client}, nil
}

// =============================================================================
// Store 实现
// =============================================================================

// Get 查询 key，未命中返回 ErrNotFound。
func (s *MemoryStore[K, V]) Get(_ context.Context, key K) (V, error) {
	var zero V
	if s.closed.Load() {
		return zero, ErrClosed
	}
	v, ok := s.cache.Get(key)
	if !ok {
		return zero, ErrNotFound
	}
	return v, nil
}

// Put 写入 key，ttl <= 0 表示不过期。
// 写入被丢弃（缓冲区争用、准入策略拒绝或立即被淘汰）时返回 ErrStoreRejected。
func (s *MemoryStore[K, V]) Put(_ context.Context, key K, value V, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.cache.SetWithTTL(key, value, 1, max(ttl, 0)) {
		return ErrStoreRejected
	}
	s.cache.Wait()
	// GetTTL 不计入命中统计
	if _, ok := s.cache.GetTTL(key); !ok {
		return ErrStoreRejected
	}
	return nil
}

// Delete 删除 key。
func (s *MemoryStore[K, V]) Delete(_ context.Context, key K) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.cache.Del(key)
	return nil
}

// Stats 返回统计信息。关闭后返回零值。
func (s *MemoryStore[K, V]) Stats() MemoryStats {
	if s.closed.Load() {
		return MemoryStats{}
	}
	metrics := s.cache.Metrics
	if metrics == nil {
		return MemoryStats{}
	}

	hits := metrics.Hits()
	misses := metrics.Misses()
	total := hits + misses

	var hitRatio float64
	if total > 0 {
		hitRatio = float64(hits) / float64(total)
	}

	return MemoryStats{
		Hits:        hits,
		Misses:      misses,
		HitRatio:    hitRatio,
		KeysAdded:   metrics.KeysAdded(),
		KeysEvicted: metrics.KeysEvicted(),
		SetsDropped: metrics.SetsDropped(),
	}
}

// Client 返回底层的 ristretto.Cache。
func (s *MemoryStore[K, V]) Client() *ristretto.Cache[K, V] {
	return s.cache
}

// Close 关闭存储。重复调用返回 ErrClosed。
func (s *MemoryStore[K, V]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if s.owned {
		s.cache.Close()
	}
	return nil
}
