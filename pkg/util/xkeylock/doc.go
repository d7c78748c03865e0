// Package xkeylock 提供基于 key 的进程内读写锁池。
//
// 每个 key 对应一个读写锁单元，首次使用时创建，由当前争用该 key 的所有
// 调用方共享。不同 key 之间互不阻塞，仅在创建/释放单元时短暂持有分片锁。
//
// # 获取语义
//
//	timeout      行为
//	──────────────────────────────────────────
//	== 0         单次探测，锁被占用立即返回 ErrTimeout
//	 < 0         无限等待，直到获取成功或 ctx 结束
//	 > 0         最多等待 timeout，超时返回 ErrTimeout
//
// ctx 取消时返回 ctx.Err()（不包装），Pool 关闭时返回 [ErrClosed]。
// 超时错误可通过 errors.Is(err, ErrTimeout) 判断，与调用方取消严格区分。
//
// # 读写单元
//
// 单元基于 golang.org/x/sync/semaphore.Weighted 实现：读锁占用 1 个权重，
// 写锁占用全部权重。Weighted 按 FIFO 放行，排队中的写锁会阻塞后到的读锁，
// 写锁不会饥饿。
//
// # 容量与淘汰
//
//   - 被持有或被等待的单元处于 pinned 状态（引用计数 > 0），永不淘汰，
//     同一轮争用始终落在同一个单元上
//   - 引用计数归零的单元转入空闲 LRU（hashicorp/golang-lru expirable），
//     受 WithCapacity 与 WithIdleTTL 约束
//   - 空闲单元被淘汰后，下一次获取会新建单元，相当于开启新的 epoch
//
// # 写锁合并
//
// 写锁持有者可在释放前通过 Guard.Publish 发布本轮结果。排队等待同一 key
// 写锁的调用方获取锁后，可通过 Guard.Coalesced 取得其排队期间完成的结果，
// 从而跳过重复计算。这是上层单飞（single-flight）加载的基础。
package xkeylock
