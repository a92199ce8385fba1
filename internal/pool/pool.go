// Package pool provides named, bounded execution pools. Each pool runs at
// most Size tasks at once; further submissions queue until a slot frees up.
// Pools are constructed explicitly and owned by the process that creates
// them, so a slow class of work cannot starve goroutines serving requests.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Well-known pool names.
const (
	ForceMerge = "force_merge"
)

var (
	// ErrPoolClosed is delivered for tasks submitted after Close.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrTaskPanicked wraps a recovered panic from a task.
	ErrTaskPanicked = errors.New("task panicked")
)

// Task is a unit of work run on a pool.
type Task func(ctx context.Context) error

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name   string `json:"name"`
	Size   int    `json:"size"`
	Queued int64  `json:"queued"`
	Active int64  `json:"active"`
}

// Observer receives pool occupancy after every change.
type Observer interface {
	ObservePool(stats Stats)
}

type Pool struct {
	sem      *semaphore.Weighted
	logger   *zap.Logger
	observer Observer
	name     string
	size     int
	wg       sync.WaitGroup
	mu       sync.Mutex
	queued   atomic.Int64
	active   atomic.Int64
	closed   bool
}

type Option func(*Pool)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// New creates a pool running at most size tasks concurrently. A size below
// one is treated as one.
func New(name string, size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		name:   name,
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("pool", name))
	return p
}

func (p *Pool) Name() string { return p.name }

// Submit queues task and returns a channel that receives exactly one value:
// the task's error, nil on success. Waiting for a slot honours ctx; a task
// that has started is never interrupted by the pool.
func (p *Pool) Submit(ctx context.Context, task Task) <-chan error {
	done := make(chan error, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		done <- fmt.Errorf("%w: %s", ErrPoolClosed, p.name)
		return done
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.queued.Add(1)
	p.observe()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.queued.Add(-1)
			p.observe()
			done <- err
			return
		}
		p.queued.Add(-1)
		p.active.Add(1)
		p.observe()

		err := p.run(ctx, task)

		p.active.Add(-1)
		p.sem.Release(1)
		p.observe()
		done <- err
	}()

	return done
}

func (p *Pool) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r))
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(ctx)
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:   p.name,
		Size:   p.size,
		Queued: p.queued.Load(),
		Active: p.active.Load(),
	}
}

func (p *Pool) observe() {
	if p.observer != nil {
		p.observer.ObservePool(p.Stats())
	}
}

// Close rejects new submissions and waits for queued and running tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Debug("pool closed")
}
