// Package workerpool runs blocking tasks on a fixed number of goroutines fed
// by a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	ErrQueueFull  = errors.New("worker pool queue full")
)

type Task func(ctx context.Context)

type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	tasks  chan Task

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New starts size workers sharing a queue of queueSize tasks.
func New(size, queueSize int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{ctx: gctx, cancel: cancel, group: g, tasks: make(chan Task, queueSize), done: make(chan struct{})}
	for i := 0; i < size; i++ {
		g.Go(p.work)
	}
	go func() {
		_ = g.Wait()
		close(p.done)
	}()
	return p
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case t, ok := <-p.tasks:
			if !ok {
				return nil
			}
			if p.ctx.Err() != nil {
				// forced shutdown discards what is still queued
				continue
			}
			t(p.ctx)
		}
	}
}

// Submit queues t without blocking.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits up to timeout for queued and running tasks
// to finish. On timeout the task context is cancelled and remaining queued
// tasks are dropped; Shutdown then reports false. Later calls wait on the
// first shutdown.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		p.cancel()
		return true
	case <-timer.C:
		p.cancel()
		<-p.done
		return false
	}
}
