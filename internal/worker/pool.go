// Package worker provides the bounded execution pool shared by all active
// download jobs. Each chunk fetch+decrypt+write is one task; submission
// order is FIFO and no fairness beyond that is guaranteed.
package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned when submitting to a stopped pool.
var ErrPoolClosed = errors.New("worker: pool is closed")

// Task is one unit of work dispatched to a pool worker.
type Task func()

// Pool runs tasks on a fixed set of goroutines.
type Pool struct {
	tasks  chan Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	// mu is held shared for the whole of a Submit, so Stop cannot flip
	// stopped while a send is in flight. The tasks channel is never
	// closed; workers exit through stopCh after draining the queue, and
	// every accepted task is therefore executed.
	mu      sync.RWMutex
	stopped bool
}

// NewPool starts a pool with the given number of workers. The task queue is
// buffered to the worker count so bursts of submissions do not block.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}

	p := &Pool{
		tasks:  make(chan Task, workers),
		stopCh: make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.stopCh:
			for {
				select {
				case task := <-p.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues a task. It blocks while the queue is full and returns
// early if ctx is cancelled before the task is accepted, so a job that was
// aborted stops feeding the pool.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolClosed
	}

	// Workers keep consuming until Stop wins the write lock, so a send
	// blocked on a full queue always makes progress.
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects further submissions and waits for queued and in-flight tasks
// to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}
