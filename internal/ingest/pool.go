package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by TrySubmit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// ErrQueueFull is returned by TrySubmit when every queue slot is taken.
var ErrQueueFull = errors.New("processing queue is full")

// Job is one unit of background work.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
// Jobs run on a context that is only cancelled when a shutdown deadline
// passes, so a disconnected client never stops a run midway.
type Pool struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan Job
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	onDepth func(int)
	logger  *slog.Logger
}

// NewPool starts workers goroutines reading from a queue of queueSize.
// onDepth, if set, is called with the queue length after every change.
func NewPool(workers, queueSize int, onDepth func(int), logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if onDepth == nil {
		onDepth = func(int) {}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan Job, queueSize),
		group:   &errgroup.Group{},
		ctx:     ctx,
		cancel:  cancel,
		onDepth: onDepth,
		logger:  logger.With("component", "pool"),
	}
	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			for job := range p.jobs {
				p.onDepth(len(p.jobs))
				p.run(job)
			}
			return nil
		})
	}
	return p
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "panic", r)
		}
	}()
	job(p.ctx)
}

// TrySubmit queues job without blocking.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		p.onDepth(len(p.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

// Shutdown stops accepting jobs and waits for queued and running jobs.
// When ctx ends first, running jobs see their context cancelled and
// Shutdown still waits for them to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("shutdown deadline passed, runs were cancelled: %w", ctx.Err())
	}
}
