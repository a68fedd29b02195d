// Package workerpool runs fire-and-forget background work, such as address
// cache repair, on a bounded set of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TaskFunc is a unit of background work. The context is canceled when the
// pool stops or the task exceeds its timeout.
type TaskFunc func(ctx context.Context) error

type task struct {
	name string
	fn   TaskFunc
}

// Config holds worker pool configuration
type Config struct {
	Name        string
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	// OnDone is invoked after each task with its outcome.
	OnDone func(name string, err error)
	Logger *zap.Logger
}

// Pool executes submitted tasks on a fixed number of workers. Submissions
// never block: when the queue is full the task is dropped.
type Pool struct {
	cfg    Config
	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopped  atomic.Bool

	active    atomic.Int32
	accepted  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		queue:  make(chan task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	cfg.Logger.Info("Worker pool started",
		zap.String("name", cfg.Name),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			p.run(id, t)
		}
	}
}

func (p *Pool) run(workerID int, t task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := p.safeRun(ctx, t)
	if err != nil {
		p.failed.Add(1)
		p.cfg.Logger.Warn("Background task failed",
			zap.String("pool", p.cfg.Name),
			zap.Int("worker_id", workerID),
			zap.String("task", t.name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		p.completed.Add(1)
	}
	if p.cfg.OnDone != nil {
		p.cfg.OnDone(t.name, err)
	}
}

// safeRun executes a task with panic recovery
func (p *Pool) safeRun(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.fn(ctx)
}

// TrySubmit queues fn without blocking. It returns false when the pool is
// stopped or its queue is full.
func (p *Pool) TrySubmit(name string, fn TaskFunc) bool {
	if p.stopped.Load() {
		p.rejected.Add(1)
		return false
	}
	select {
	case p.queue <- task{name: name, fn: fn}:
		p.accepted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		p.cfg.Logger.Debug("Background task dropped, queue full",
			zap.String("pool", p.cfg.Name),
			zap.String("task", name))
		return false
	}
}

// Stop cancels running tasks and waits up to timeout for workers to exit.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.cfg.Logger.Info("Worker pool stopped", zap.String("name", p.cfg.Name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.cfg.Name, timeout)
		}
	})
	return err
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Accepted  uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.cfg.Name,
		Workers:   p.cfg.Workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Accepted:  p.accepted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Finished returns the number of tasks that ran to completion or failure.
func (s Stats) Finished() uint64 {
	return s.Completed + s.Failed
}
