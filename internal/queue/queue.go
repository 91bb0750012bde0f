// Package queue runs message-handling tasks with bounded concurrency in FIFO
// start order.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is one unit of work, typically "handle one inbound message".
type Task func(ctx context.Context) error

// Queue is a FIFO executor. With concurrency 1 (the default) tasks run
// strictly one after another; with more workers they still start in enqueue
// order but may finish in any order.
type Queue struct {
	concurrency int
	logger      *slog.Logger
	ctx         context.Context

	mu      sync.Mutex
	pending []Task
	running int
	idle    chan struct{} // closed while nothing is pending or running
}

// New creates a queue. Tasks run on ctx detached from its cancellation, so
// shutting down never interrupts an in-flight task.
func New(ctx context.Context, concurrency int, logger *slog.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		concurrency: concurrency,
		logger:      logger,
		ctx:         context.WithoutCancel(ctx),
		idle:        idle,
	}
}

// Add appends a task and starts it if a worker slot is free.
func (q *Queue) Add(task Task) {
	q.mu.Lock()
	if len(q.pending) == 0 && q.running == 0 {
		q.idle = make(chan struct{})
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	q.process()
}

// process starts pending tasks until the worker limit is reached. Each task
// must have begun before the next one is launched, so start order is FIFO
// whatever the worker count.
func (q *Queue) process() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.running < q.concurrency && len(q.pending) > 0 {
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running++
		started := make(chan struct{})
		go q.run(task, started)
		<-started
	}
}

func (q *Queue) run(task Task, started chan<- struct{}) {
	if err := q.safeCall(task, started); err != nil {
		q.logger.Error("queue task failed", "err", err)
	}

	q.mu.Lock()
	q.running--
	if q.running == 0 && len(q.pending) == 0 {
		close(q.idle)
	}
	q.mu.Unlock()

	q.process()
}

func (q *Queue) safeCall(task Task, started chan<- struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	close(started)
	return task(q.ctx)
}

// Len returns the number of tasks waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the number of tasks currently executing.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Wait blocks until the queue is idle or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue drain: %w", ctx.Err())
	}
}
