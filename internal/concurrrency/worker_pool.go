package concurrency

import (
	"context"
	"sync"
)

type WorkerFn func(ctx context.Context, index int)

// SimpleWorkerPool fans out fn across a fixed number of goroutines and waits
// for all of them.
func SimpleWorkerPool(ctx context.Context, concurrency int, fn WorkerFn) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			fn(ctx, idx)
		}(i)
	}
	wg.Wait()
}

// Job is a unit of background work.
type Job func(ctx context.Context)

// Pool is a bounded job queue drained by a fixed set of workers. The broker
// feeds it artifact-cleanup jobs so gateway calls never run on a request
// path.
type Pool struct {
	jobs chan Job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(queueSize int) *Pool {
	return &Pool{jobs: make(chan Job, queueSize)}
}

// Start launches the workers; they exit when ctx is cancelled or the pool is
// stopped.
func (p *Pool) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					job(ctx)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Submit enqueues a job without blocking. Returns false when the queue is
// full or the pool already stopped; callers treat that as "retry on the next
// sweep".
func (p *Pool) Submit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
