package xkeylock

import "errors"

var (
	// ErrLockNotHeld 表示锁已被释放。
	// Unlock 第二次及后续调用时返回此错误。
	ErrLockNotHeld = errors.New("xkeylock: lock not held")

	// ErrClosed 表示 Pool 已关闭。
	// Close 后调用 AcquireRead/AcquireWrite 返回此错误，等待中的获取也会被唤醒并返回此错误。
	ErrClosed = errors.New("xkeylock: closed")

	// ErrTimeout 表示在给定时间内未能获取锁，或非阻塞探测时锁被占用。
	ErrTimeout = errors.New("xkeylock: acquire timeout")

	// ErrInvalidShardCount 表示分片数配置无效。
	ErrInvalidShardCount = errors.New("xkeylock: invalid shard count")

	// ErrInvalidCapacity 表示空闲单元容量配置无效。
	ErrInvalidCapacity = errors.New("xkeylock: invalid capacity")

	// ErrInvalidIdleTTL 表示空闲单元过期时间配置无效。
	ErrInvalidIdleTTL = errors.New("xkeylock: invalid idle ttl")
)
