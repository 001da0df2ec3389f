package pool

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"tempmail/client/internal/logger"
)

// ErrPoolClosed 协程池已停止
var ErrPoolClosed = errors.New("worker pool closed")

// Task 带名称的任务
type Task struct {
	Name string
	Run  func()
}

// WorkerPool 协程池
//
// 用于运行与请求生命周期解耦的任务（如支付确认），
// Stop 会等待已提交的任务全部完成。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan Task
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	log        *zap.Logger
	onPanic    func()
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
//   - log: 日志记录器
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan Task, queueSize),
		log:        logger.Named(log, "pool"),
	}
}

// OnPanic 设置任务 panic 时的回调（如记录指标）
func (p *WorkerPool) OnPanic(fn func()) {
	p.onPanic = fn
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.taskQueue <- task
	return nil
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或已停止，立即返回 false
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止接收任务并等待已提交的任务完成
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(task)
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked",
				zap.String("task", task.Name),
				zap.Any("panic", r))
			if p.onPanic != nil {
				p.onPanic()
			}
		}
	}()
	task.Run()
}
