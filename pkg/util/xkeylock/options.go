package xkeylock

import (
	"fmt"
	"time"
)

const (
	defaultShardCount = 32
	maxShardCount     = 1 << 16 // 65536

	// defaultCapacity 空闲单元默认上限。
	defaultCapacity = 10000
	// maxCapacity 与 expirable LRU 的合理上限保持一致。
	maxCapacity = 1 << 24

	// defaultIdleTTL 空闲单元默认保留时间。
	defaultIdleTTL = 5 * time.Minute
)

// Option 定义 Pool 可选配置。
type Option func(*options)

type options struct {
	shardCount int
	capacity   int
	idleTTL    time.Duration
}

func defaultOptions() options {
	return options{
		shardCount: defaultShardCount,
		capacity:   defaultCapacity,
		idleTTL:    defaultIdleTTL,
	}
}

// WithShardCount 设置分片数量。
// n 必须为正整数且为 2 的幂，上限 65536，否则 New 返回错误。默认 32。
func WithShardCount(n int) Option {
	return func(o *options) {
		o.shardCount = n
	}
}

// WithCapacity 设置空闲单元的最大数量。
// 超出后按 LRU 淘汰最久未使用的空闲单元；被持有或等待中的单元不计入、不淘汰。
// 默认 10000。
func WithCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithIdleTTL 设置空闲单元的保留时间，超时后被清理。
// 必须大于 0。默认 5 分钟。
func WithIdleTTL(d time.Duration) Option {
	return func(o *options) {
		o.idleTTL = d
	}
}

func (o *options) validate() error {
	sc := o.shardCount
	if sc <= 0 || sc > maxShardCount || sc&(sc-1) != 0 {
		return fmt.Errorf("%w: must be a positive power of 2 (max %d), got %d",
			ErrInvalidShardCount, maxShardCount, sc)
	}
	if o.capacity <= 0 || o.capacity > maxCapacity {
		return fmt.Errorf("%w: must be in (0, %d], got %d", ErrInvalidCapacity, maxCapacity, o.capacity)
	}
	if o.idleTTL <= 0 {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidIdleTTL, o.idleTTL)
	}
	return nil
}
