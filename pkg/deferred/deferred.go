// Package deferred provides a task queue for work that must not run inside
// the mutating operation that scheduled it. The session registry uses it to
// close superseded sessions outside of register/unregister calls, avoiding
// reentrant teardown of the transport they are still attached to. Tasks are
// drained at defined checkpoints, typically the end of a reconciliation sweep.
package deferred

import (
	"log/slog"
	"sync"
)

// Queue is a thread-safe FIFO of deferred tasks.
// The zero value is not usable; create one with NewQueue.
type Queue struct {
	mu    sync.Mutex
	tasks []func()
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Defer appends a task for execution at the next Drain checkpoint.
// Nil tasks are ignored.
func (q *Queue) Defer(task func()) {
	if task == nil {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain runs every pending task in FIFO order and returns how many ran.
// Tasks deferred while draining are picked up in the same call. A panicking
// task is logged and does not prevent the remaining tasks from running.
func (q *Queue) Drain(logger *slog.Logger) int {
	ran := 0
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return ran
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		runTask(task, logger)
		ran++
	}
}

func runTask(task func(), logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("deferred task panicked", "panic", r)
		}
	}()
	task()
}
