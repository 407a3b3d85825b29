// Package worker runs tasks on a fixed number of goroutines, in submission order.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrStopped   = errors.New("pool is stopped")
)

// Config represents pool configuration
type Config struct {
	MaxWorkers int // concurrently running tasks
	QueueSize  int // tasks waiting for a free worker
}

func (cfg Config) Validate() error {
	if cfg.MaxWorkers < 1 {
		return errors.New("max workers must be greater than 0")
	}
	if cfg.QueueSize < 0 {
		return errors.New("queue size must not be negative")
	}
	return nil
}

// Task receives the pool's context, which is cancelled by Stop.
type Task func(ctx context.Context)

// Metrics tracks pool's operational metrics
type Metrics struct {
	ActiveWorkers  atomic.Int64
	PendingTasks   atomic.Int64
	CompletedTasks atomic.Int64
	PanickedTasks  atomic.Int64
}

// Pool is a FIFO worker pool. Submit never blocks: once MaxWorkers+QueueSize
// tasks are outstanding it answers ErrQueueFull.
type Pool struct {
	maxWorkers int
	tasks      chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	metrics Metrics
	onPanic func(any)
}

func NewPool(cfg Config, onPanic func(any)) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxWorkers: cfg.MaxWorkers,
		tasks:      make(chan Task, cfg.MaxWorkers+cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		onPanic:    onPanic,
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

// Submit enqueues task behind everything already submitted.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.metrics.PendingTasks.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new tasks, cancels the pool context and waits for running and
// queued tasks to drain until ctx expires.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.metrics.PendingTasks.Add(-1)
	p.metrics.ActiveWorkers.Add(1)
	defer func() {
		p.metrics.ActiveWorkers.Add(-1)
		if r := recover(); r != nil {
			p.metrics.PanickedTasks.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
			return
		}
		p.metrics.CompletedTasks.Add(1)
	}()

	task(p.ctx)
}

// GetMetrics returns the current metrics
func (p *Pool) GetMetrics() map[string]int64 {
	return map[string]int64{
		"active_workers":  p.metrics.ActiveWorkers.Load(),
		"pending_tasks":   p.metrics.PendingTasks.Load(),
		"completed_tasks": p.metrics.CompletedTasks.Load(),
		"panicked_tasks":  p.metrics.PanickedTasks.Load(),
	}
}
