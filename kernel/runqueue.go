package kernel

import (
	"sync"

	"github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/pkg/waiter"
)

// RunQueue is the single FIFO of tasks waiting for a core, shared by every
// core.
type RunQueue struct {
	mu    sync.Mutex
	queue []TaskRef

	tasks  *TaskTable
	events waiter.Waiter
}

func NewRunQueue(tasks *TaskTable) *RunQueue {
	return &RunQueue{tasks: tasks}
}

// Add queues a task whose strong reference the caller hands over.
func (rq *RunQueue) Add(ref TaskRef) {
	rq.mu.Lock()
	rq.queue = append(rq.queue, ref)
	rq.mu.Unlock()

	rq.events.Notify(waiter.EventRunnable)
}

// Fetch pops the front task if it is runnable and hands its reference to
// the caller. A task in any other state goes to the back and this pass
// yields nothing.
func (rq *RunQueue) Fetch() (*Task, TaskRef, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	for len(rq.queue) > 0 {
		ref := rq.queue[0]
		rq.queue[0] = TaskRef{}
		rq.queue = rq.queue[1:]

		t, ok := rq.tasks.Get(ref)
		if !ok {
			log.L.Error("dropping stale task from run queue", "ref", ref)
			continue
		}

		if t.State() != Runnable {
			rq.queue = append(rq.queue, ref)
			return nil, TaskRef{}, false
		}

		return t, ref, true
	}

	return nil, TaskRef{}, false
}

func (rq *RunQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	return len(rq.queue)
}

// Snapshot returns the queued refs front to back.
func (rq *RunQueue) Snapshot() []TaskRef {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	return append([]TaskRef(nil), rq.queue...)
}
