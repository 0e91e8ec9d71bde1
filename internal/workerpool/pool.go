// Package workerpool bounds the number of goroutines handling control
// socket requests. Every authenticated request is dispatched through a
// Pool so a burst of clients cannot fan out into unbounded work.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/sysupdate-agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool runs queued tasks on a fixed set of worker goroutines.
type Pool struct {
	queue chan Task

	// inflight counts tasks that have been admitted but not yet finished.
	// Submit increments before the enqueue attempt so a drain that starts
	// concurrently still waits for the racing submission to settle.
	inflight sync.WaitGroup

	open      atomic.Bool
	closeOnce sync.Once

	// ctx is cancelled once the pool has drained. Handlers that outlive
	// the drain deadline can watch it to abandon their work.
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a pool of workers goroutines with a queue holding up to
// depth pending tasks. Sizes below 1 are raised to 1.
func New(workers, depth int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, depth),
		ctx:    ctx,
		cancel: cancel,
	}
	p.open.Store(true)

	for i := 0; i < workers; i++ {
		go p.serve()
	}

	log.Info("worker pool started", "workers", workers, "queueDepth", depth)
	return p
}

// Submit enqueues a task. It returns false when the pool has stopped
// accepting work or the queue is full; the caller decides whether that
// means "busy" or "shutting down".
func (p *Pool) Submit(task Task) bool {
	if !p.open.Load() {
		return false
	}

	p.inflight.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.inflight.Done()
		log.Warn("task queue full, rejecting")
		return false
	}
}

// StopAccepting makes all further Submit calls return false. Tasks
// already queued still run.
func (p *Pool) StopAccepting() {
	p.open.Store(false)
}

// Context is cancelled once the pool has drained.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Shutdown stops intake and waits for queued and running tasks to
// finish, giving up when ctx expires.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
}

// Drain stops intake, then waits up to the ctx deadline for the pool to
// empty. Afterwards the queue is closed so the workers exit; a task
// still running past the deadline finishes on its own time.
func (p *Pool) Drain(ctx context.Context) {
	p.open.Store(false)

	settled := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(settled)
	}()

	select {
	case <-settled:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out with tasks still running")
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
	p.cancel()
}

func (p *Pool) serve() {
	for task := range p.queue {
		p.invoke(task)
	}
}

func (p *Pool) invoke(task Task) {
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
