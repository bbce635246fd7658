package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 用于限制并发协程数量，清除批次的条目处理通过协程池分发
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		logger:     logger,
	}
}

// Start 启动工作协程
func (p *WorkerPool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit 提交任务，队列已满时阻塞；ctx 取消时放弃提交
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 尝试提交任务，队列已满立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止协程池，等待已提交任务执行完毕
func (p *WorkerPool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}

// worker 工作协程。只在队列关闭后退出，已入队的任务一定会被执行，
// 等待结果的提交方不会被关停卡死。
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(task)
	}
}

// run 执行任务并捕获 panic，避免单个任务拖垮整个池
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
