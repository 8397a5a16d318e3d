package internal

import "sync"

// WorkerPool bounds how much work can be in flight at once. Batch sync
// uses one to stop a single request fanning out to an unbounded number of
// concurrent entity reconciliations against the database.
type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// N should be derived from whatever shared resource the work contends on;
// for sync reconciliation that is database connections, so N is set to a
// fraction of the pool's connection limit. If more than N work is queued,
// Queue blocks until a worker frees up, applying backpressure to the
// producer rather than growing memory.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests; a pool should be
// started once and persist for the lifetime of the process. Only call
// this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May block until a worker is free.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// Run queues all jobs and blocks until every one has completed.
func (wp *WorkerPool) Run(jobs []func()) {
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for _, fn := range jobs {
		fn := fn
		wp.Queue(func() {
			defer wg.Done()
			fn()
		})
	}
	wg.Wait()
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
