package xcache

import "errors"

// =============================================================================
// 通用错误
// =============================================================================

var (
	// ErrNilClient 表示传入的客户端为 nil。
	ErrNilClient = errors.New("xcache: nil client")

	// ErrNilFunc 表示 getter、loader 或 putter 为 nil。
	ErrNilFunc = errors.New("xcache: nil function")

	// ErrNilRequest 表示传入的 Request 为 nil。
	ErrNilRequest = errors.New("xcache: nil request")

	// ErrInvalidConfig 表示配置参数无效。
	// 这是一个配置错误，应该在开发阶段修复，不应被静默忽略。
	ErrInvalidConfig = errors.New("xcache: invalid configuration")

	// ErrClosed 表示 LoadingCache 或 Store 已关闭。
	ErrClosed = errors.New("xcache: closed")
)

// =============================================================================
// 查询与写入错误
// =============================================================================

var (
	// ErrNotFound 表示 key 不存在。
	// GetFunc 未命中、LoadFunc 加载不到数据时都应返回此错误（可包装）。
	ErrNotFound = errors.New("xcache: not found")

	// ErrGetFailed 表示 GetFunc 返回了 ErrNotFound 以外的错误。
	ErrGetFailed = errors.New("xcache: get failed")

	// ErrPutFailed 表示 PutFunc 在重试后仍然失败。
	// 写入失败不会中断加载流程，只会传给 OnPutError 钩子并记录日志。
	ErrPutFailed = errors.New("xcache: put failed")

	// ErrMetricsDisabled 表示未启用缓存统计信息。
	ErrMetricsDisabled = errors.New("xcache: metrics disabled")
)

// =============================================================================
// 加载相关错误
// =============================================================================

var (
	// ErrLockTimeout 表示在配置的等待时间内未获得准入许可。
	// 具体是哪一层超时，可以再用 ErrCacheLock / ErrKeyLock 区分。
	ErrLockTimeout = errors.New("xcache: lock timeout")

	// ErrCacheLock 标识全局加载并发许可超时。
	ErrCacheLock = errors.New("xcache: cache lock")

	// ErrKeyLock 标识单 key 读写锁超时。
	ErrKeyLock = errors.New("xcache: key lock")

	// ErrLoadFailed 表示 LoadFunc 返回了 ErrNotFound 以外的错误。
	// 此时不会写入任何值，锁与许可均已释放。
	ErrLoadFailed = errors.New("xcache: load failed")

	// ErrLoadPanic 表示 LoadFunc（用户提供的回源函数）发生了 panic。
	// panic 在调用方 goroutine 内被 recover 并转为此错误，锁与许可照常释放。
	ErrLoadPanic = errors.New("xcache: load function panicked")

	// ErrLoaderUnavailable 表示熔断器处于打开状态，本次加载被拒绝。
	ErrLoaderUnavailable = errors.New("xcache: loader unavailable")
)
