// Package xcache 提供带加载能力的缓存编排器 LoadingCache，以及可直接使用的内存与 Redis 存储。
//
// # 设计理念
//
// LoadingCache 不存储数据，也不包装底层客户端：调用方提供三个函数
//   - GetFunc：从缓存查询
//   - LoadFunc：从数据源加载
//   - PutFunc：写入缓存
//
// LoadingCache 负责在它们之间协调并发，防止缓存击穿：
//   - 单 key 读写锁：查询持有读锁，加载持有写锁，同一 key 同一时刻至多一次加载
//   - 结果复用：排队等待写锁的调用方直接复用前一次加载的结果，N 个并发请求只回源一次
//   - 全局加载许可：限制整个缓存同时进行的加载数
//   - 空值缓存：数据源中不存在时可写入占位值，避免反复回源
//   - 过期时间抖动：TTL 在 [base-j, base+j] 内随机，避免集中过期
//
// # 核心组件
//
//   - LoadingCache：编排器，入口为 GetOnly / GetWithLoader / Refresh 及其 *Request 形式
//   - Request / Response：单次访问的参数与结果
//   - MemoryStore：基于 ristretto 的进程内 Store
//   - RedisStore：基于 go-redis 的 Store
//   - Config：标量配置，可通过 LoadConfig 从 YAML/JSON 加载
//
// # 快速开始
//
//	store, _ := xcache.NewMemoryStore[string, User]()
//	defer store.Close()
//
//	cfg := xcache.DefaultConfig()
//	cfg.Name = "user"
//	cfg.ExpireTime = 10 * time.Minute
//	cfg.RandomExpireTime = time.Minute
//
//	cache, _ := xcache.NewFromStore(cfg, store, loadUser)
//	defer cache.Close()
//
//	user, ok := cache.GetWithLoader(ctx, "42", nil)
//
// 详细使用示例参考 example_test.go。
//
// # 错误处理
//
// 所有错误都是包级哨兵错误，使用 errors.Is 判断：
//   - ErrNotFound：未命中 / 数据源中不存在
//   - ErrLockTimeout：准入等待超时，可再用 ErrCacheLock / ErrKeyLock 区分层级
//   - ErrLoadFailed / ErrLoadPanic / ErrLoaderUnavailable：加载失败
//
// 调用方 ctx 取消时返回 ctx.Err()，不会被转换为 ErrLockTimeout。
//
// 简化形式（GetOnly、GetWithLoader、Refresh）把所有失败折叠为 (零值, false) 并记录日志。
package xcache
