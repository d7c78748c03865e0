package slowload

import (
	"log/slog"
	"sync"
)

// workerPool 是执行异步钩子的有界 worker 池。
type workerPool[T any] struct {
	handler  func(T)
	queue    chan T
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

func newWorkerPool[T any](workers, queueSize int, handler func(T)) *workerPool[T] {
	p := &workerPool[T]{
		handler: handler,
		queue:   make(chan T, queueSize),
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

// worker 读到 queue 关闭为止，保证 stop 时排空剩余任务。
func (p *workerPool[T]) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *workerPool[T]) run(task T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("slowload: hook panic recovered", "panic", r)
		}
	}()
	p.handler(task)
}

// submit 非阻塞投递，队列满或已停止时丢弃并返回 false。
func (p *workerPool[T]) submit(task T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		slog.Warn("slowload: async queue full, notification dropped")
		return false
	}
}

// stop 拒绝新任务并等待剩余任务处理完毕。
func (p *workerPool[T]) stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
	})
}
