package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/metrics"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Shutdown has been called
var ErrPoolClosed = errors.New("worker pool is shut down")

// Result is the outcome of a persistence task
type Result struct {
	Saved bool
	Err   error
}

// Task is a unit of work executed by a worker
type Task func(ctx context.Context) Result

// Future signals the completion of a submitted task
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that is already complete
func Resolved(r Result) *Future {
	f := newFuture()
	f.resolve(r)
	return f
}

// RunInline executes the task on the caller's goroutine
func RunInline(ctx context.Context, task Task) *Future {
	return Resolved(safeRun(ctx, task))
}

func (f *Future) resolve(r Result) {
	f.result = r
	close(f.done)
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task completes or ctx is cancelled
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type job struct {
	task   Task
	future *Future
}

// WorkerPool runs submitted tasks on a fixed set of goroutines fed by a
// bounded queue
type WorkerPool struct {
	logger     *logger.Logger
	numWorkers int
	inputChan  chan job
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a new WorkerPool instance
func NewWorkerPool(l *logger.Logger, numWorkers, queueSize int) *WorkerPool {
	if queueSize < 1 {
		queueSize = numWorkers * 2
	}
	return &WorkerPool{
		logger:     l,
		numWorkers: numWorkers,
		inputChan:  make(chan job, queueSize),
	}
}

// Start launches the workers. Tasks run with a context detached from ctx's
// cancellation so queued writes still complete during shutdown.
func (p *WorkerPool) Start(ctx context.Context) {
	workerCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(workerCtx, i)
	}
}

// Submit queues a task, blocking while the queue is full
func (p *WorkerPool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	j := job{task: task, future: newFuture()}
	metrics.PendingSaves.Inc()
	select {
	case p.inputChan <- j:
		return j.future, nil
	case <-ctx.Done():
		metrics.PendingSaves.Dec()
		return nil, ctx.Err()
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))

	for j := range p.inputChan {
		metrics.PendingSaves.Dec()
		j.future.resolve(safeRun(ctx, j.task))
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

func safeRun(ctx context.Context, task Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	return task(ctx)
}

// Shutdown stops accepting tasks and waits for queued ones to finish
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.inputChan)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
