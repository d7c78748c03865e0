// Package util 提供通用工具相关的子包。
//
// 子包列表：
//   - xkeylock: 基于 key 的进程内读写锁，支持 context 超时、非阻塞获取和写者合并
package util
