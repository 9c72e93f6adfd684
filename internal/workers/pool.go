// Package workers provides a bounded goroutine pool for solver fan-out.
// The engine itself never spawns internal threads; parallelism lives here,
// at the caller boundary.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig returns defaults sized for CPU-bound solves.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       256,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	TasksSubmitted  int64 `json:"tasks_submitted"`
	TasksCompleted  int64 `json:"tasks_completed"`
	TasksFailed     int64 `json:"tasks_failed"`
	PanicsRecovered int64 `json:"panics_recovered"`
	QueueLength     int   `json:"queue_length"`
}

// Pool runs submitted tasks on a fixed set of worker goroutines. Workers
// recover panics so one bad solve cannot take the process down.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	tasks  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// Pool errors.
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError is a pool lifecycle error.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// NewPool creates a stopped pool.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger,
		config: config,
		tasks:  make(chan Task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Starting a running pool is a no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", id), zap.String("pool", p.config.Name))

	for {
		select {
		case <-p.ctx.Done():
			p.drain(logger)
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(logger, task)
		}
	}
}

// drain runs tasks still queued at shutdown so blocked submitters always
// observe completion. Tasks see the canceled pool context.
func (p *Pool) drain(logger *zap.Logger) {
	for {
		select {
		case task := <-p.tasks:
			p.execute(logger, task)
		default:
			return
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			logger.Error("worker recovered from panic", zap.Any("panic", r))
		}
	}()

	if err := task.Execute(p.ctx); err != nil {
		p.failed.Add(1)
		logger.Debug("task failed", zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc enqueues a function as a task.
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// Map runs fn over every index in [0, n) on the pool and blocks until all
// complete or ctx is canceled. The first error wins; remaining items still
// run so partial results stay usable.
func (p *Pool) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	record := func(err error) {
		mu.Lock()
		if firstErr == nil && err != nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		err := p.SubmitFunc(func(taskCtx context.Context) error {
			defer wg.Done()
			select {
			case <-ctx.Done():
				record(ctx.Err())
				return ctx.Err()
			default:
			}
			err := fn(ctx, i)
			record(err)
			return err
		})
		if err != nil {
			// Queue back-pressure: run inline rather than dropping the item.
			func() {
				defer wg.Done()
				record(fn(ctx, i))
			}()
		}
	}

	wg.Wait()
	return firstErr
}

// Stop drains workers and waits up to ShutdownTimeout.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether workers are active.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Stats returns a counter snapshot.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted:  p.submitted.Load(),
		TasksCompleted:  p.completed.Load(),
		TasksFailed:     p.failed.Load(),
		PanicsRecovered: p.panics.Load(),
		QueueLength:     len(p.tasks),
	}
}
