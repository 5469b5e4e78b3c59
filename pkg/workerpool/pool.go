// Package workerpool runs consumed events on a bounded set of goroutines with
// linear backoff retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the queue has no room
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("pool is shutting down")

// Task is a unit of work
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	done chan Result
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) error

// Result is reported once per task after its final attempt
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// Config holds worker pool configuration
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay is multiplied by the attempt number
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
	// Retryable reports whether a failed task should be tried again.
	// Nil retries every error.
	Retryable func(error) bool
	// OnResult, if set, receives every final result.
	OnResult func(Result)
}

// DefaultConfig returns defaults sized for a clinic event stream
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages the workers
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	active    int64
}

// New creates a worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without blocking
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Do queues task, waiting for room, and blocks until its final result. The
// task runs detached from ctx cancellation so a caller that gives up does not
// abort work already handed over; ctx values such as trace spans are kept.
// The error is non-nil only when the task could not be handed over or ctx
// ended before the result was ready.
func (p *Pool) Do(ctx context.Context, task *Task) (Result, error) {
	task.Context = context.WithoutCancel(ctx)
	task.done = make(chan Result, 1)

	if err := p.enqueue(ctx, task); err != nil {
		return Result{TaskID: task.ID}, err
	}
	select {
	case res := <-task.done:
		return res, nil
	case <-ctx.Done():
		return Result{TaskID: task.ID}, ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains queued tasks and waits for the workers up to the shutdown timeout
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	for task := range p.tasks {
		res := p.run(task)
		if res.Err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
		if p.config.OnResult != nil {
			p.config.OnResult(res)
		}
		if task.done != nil {
			task.done <- res
		}
	}
}

func (p *Pool) run(task *Task) Result {
	ctx := p.ctx
	if task.Context != nil {
		// a shutdown timeout still aborts tasks with their own context
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(task.Context)
		defer cancel()
		defer context.AfterFunc(p.ctx, cancel)()
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{TaskID: task.ID, Attempts: attempt - 1, Err: ctxErr}
		}

		err = p.fn(ctx, task)
		if err == nil {
			return Result{TaskID: task.ID, Attempts: attempt}
		}
		if attempt > p.config.MaxRetries || (p.config.Retryable != nil && !p.config.Retryable(err)) {
			return Result{TaskID: task.ID, Attempts: attempt, Err: err}
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return Result{TaskID: task.ID, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
		}
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	ActiveWorkers int64
	QueueDepth    int
	QueueCapacity int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Retried:       atomic.LoadInt64(&p.retried),
		ActiveWorkers: atomic.LoadInt64(&p.active),
		QueueDepth:    len(p.tasks),
		QueueCapacity: p.config.QueueSize,
	}
}

// IsHealthy reports whether the queue is below 90% capacity
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
