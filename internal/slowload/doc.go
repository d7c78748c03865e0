// Package slowload 检测耗时超过阈值的加载，并通过同步或异步钩子通知调用方。
//
// 本包是 internal 包，仅供 pkg/storage/xcache 使用。
//
// 同步钩子在加载路径上执行，会增加请求延迟；异步钩子投递到内部的有界
// worker 队列，队列满时通知被丢弃，Close 会等待已入队的通知处理完毕。
package slowload
