package pools

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned for work submitted after Close.
var ErrPoolClosed = errors.New("pools: worker pool closed")

// Task represents a unit of work
type Task func()

// WorkerPool runs tasks on a fixed set of goroutines. Each worker owns a
// small queue and steals from the others when its own runs dry, so a worker
// stuck on a long task (a keep-alive connection) does not strand the work
// queued behind it.
type WorkerPool struct {
	numWorkers int
	queues     []*workerQueue
	next       atomic.Uint64
	done       chan struct{}
	closed     atomic.Bool
	wg         sync.WaitGroup

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksRejected  atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
		busy           atomic.Int64
	}
}

// workerQueue is the buffered queue of a single worker
type workerQueue struct {
	tasks chan Task
	id    int
}

// worker represents a goroutine that processes tasks
type worker struct {
	id    int
	pool  *WorkerPool
	queue *workerQueue
}

// NewWorkerPool creates a pool of numWorkers goroutines, each with room for
// queueSize waiting tasks.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 4
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]*workerQueue, numWorkers),
		done:       make(chan struct{}),
	}

	for i := 0; i < numWorkers; i++ {
		pool.queues[i] = &workerQueue{
			tasks: make(chan Task, queueSize),
			id:    i,
		}
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:    i,
			pool:  pool,
			queue: pool.queues[i],
		}
		go w.run()
	}

	return pool
}

// Submit queues task without blocking. It returns false when every queue is
// full or the pool is closed; the caller decides how to shed the load.
func (p *WorkerPool) Submit(task Task) bool {
	if p.closed.Load() || !p.trySubmit(task) {
		p.stats.tasksRejected.Add(1)
		return false
	}
	return true
}

func (p *WorkerPool) trySubmit(task Task) bool {
	start := int(p.next.Add(1) % uint64(p.numWorkers))
	for i := 0; i < p.numWorkers; i++ {
		select {
		case p.queues[(start+i)%p.numWorkers].tasks <- task:
			p.stats.tasksSubmitted.Add(1)
			return true
		default:
		}
	}
	return false
}

// SubmitWait queues task, waiting for room until ctx is done.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	if p.closed.Load() {
		p.stats.tasksRejected.Add(1)
		return ErrPoolClosed
	}
	if p.trySubmit(task) {
		return nil
	}

	q := p.queues[int(p.next.Add(1)%uint64(p.numWorkers))]
	select {
	case q.tasks <- task:
		p.stats.tasksSubmitted.Add(1)
		return nil
	case <-p.done:
		p.stats.tasksRejected.Add(1)
		return ErrPoolClosed
	case <-ctx.Done():
		p.stats.tasksRejected.Add(1)
		return ctx.Err()
	}
}

func (w *worker) exec(task Task) {
	w.pool.stats.busy.Add(1)
	defer func() {
		w.pool.stats.busy.Add(-1)
		w.pool.stats.tasksCompleted.Add(1)
	}()
	task()
}

// worker.run is the main loop for a worker goroutine
func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		// Try to get task from own queue first
		select {
		case task := <-w.queue.tasks:
			w.exec(task)
			continue
		default:
		}

		// Own queue is empty, try to steal from other workers
		if w.trySteal() {
			continue
		}

		// No work available, block on own queue
		select {
		case task := <-w.queue.tasks:
			w.exec(task)
		case <-w.pool.done:
			return
		}
	}
}

// trySteal attempts to steal work from another worker
func (w *worker) trySteal() bool {
	numWorkers := w.pool.numWorkers
	start := (w.id + 1) % numWorkers

	for i := 0; i < numWorkers-1; i++ {
		victim := w.pool.queues[(start+i)%numWorkers]

		select {
		case task := <-victim.tasks:
			w.pool.stats.stealsSuccess.Add(1)
			w.exec(task)
			return true
		default:
		}
	}

	w.pool.stats.stealsFailed.Add(1)
	return false
}

// Close stops accepting work and waits for the running tasks to return.
// Tasks still queued at that point run on the calling goroutine, so nothing
// submitted successfully is dropped.
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	p.wg.Wait()

	for _, q := range p.queues {
		for {
			select {
			case task := <-q.tasks:
				task()
				p.stats.tasksCompleted.Add(1)
				continue
			default:
			}
			break
		}
	}
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		Busy:           p.stats.busy.Load(),
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   submitted - min(completed, submitted),
		TasksRejected:  p.stats.tasksRejected.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	Busy           int64  `json:"busy"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksPending   uint64 `json:"tasks_pending"`
	TasksRejected  uint64 `json:"tasks_rejected"`
	StealsSuccess  uint64 `json:"steals_success"`
	StealsFailed   uint64 `json:"steals_failed"`
}
