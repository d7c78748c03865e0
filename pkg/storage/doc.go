// Package storage 提供数据存储相关的子包。
//
// 子包列表：
//   - xcache: 带击穿保护的加载缓存（LoadingCache），内置内存（ristretto）和 Redis 存储
//
// 设计原则：
//   - 存储后端通过 getter/putter 或 Store 接口注入，与加载流程解耦
//   - 内置可观测性（指标、追踪）
package storage
