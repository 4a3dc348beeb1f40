package worker

import (
	"errors"
	"sync"
)

var (
	ErrPoolStarted    = errors.New("worker pool already started")
	ErrPoolNotStarted = errors.New("worker pool is not started")
)

// WorkerPool contains a fixed set of workers. The size of
// the pool is the upper bound on how many tasks may execute
// concurrently; the workers themselves claim work from
// whatever queue their task function consults.
type WorkerPool struct {
	mu      sync.Mutex
	workers []Worker
	wg      sync.WaitGroup
	started bool
}

// NewWorkerPool creates a new WorkerPool struct
// and initialises the 'workers' slice.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start cycles through all the workers
// currently inside the WorkerPool and creates
// a goroutine for each. The 'Start' method of
// each worker is executed concurrently.
//
// Start does NOT block; use Close to stop the
// workers and wait for them to exit.
func (pool *WorkerPool) Start() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.started {
		return ErrPoolStarted
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.wg.Add(1)
		go func(wg *sync.WaitGroup, w Worker) {
			defer wg.Done()
			w.Start()
		}(&pool.wg, worker)
	}

	return nil
}

// PushWorker inserts the workers provided in to the worker pool. Workers
// cannot be added once the pool has been started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.started {
		return ErrPoolStarted
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// Size returns the number of workers in the pool
func (pool *WorkerPool) Size() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	return len(pool.workers)
}

// WakeupWorkers signals every worker in the pool. The signal is
// non-blocking: a worker which already has a wakeup pending is skipped.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if !pool.started {
		return ErrPoolNotStarted
	}

	for _, w := range pool.workers {
		select {
		case w.WakeupChan() <- 1:
		default:
		}
	}

	return nil
}

// Close will cycle through all the workers inside this
// worker pool and close their wakeup channels, waiting
// for each worker to finish its current task.
func (pool *WorkerPool) Close() {
	pool.mu.Lock()
	if !pool.started {
		pool.mu.Unlock()
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.started = false
	pool.mu.Unlock()

	pool.wg.Wait()
}
