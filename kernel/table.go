package kernel

import (
	"fmt"
	"sync"

	"github.com/evanphx/rafos/log"
)

// TaskRef names a task by slot and generation. A ref outlives its task
// safely: once the slot is reused the generation no longer matches and
// lookups fail.
type TaskRef struct {
	Tid int
	Gen uint32
}

func (r TaskRef) Valid() bool {
	return r.Gen != 0
}

func (r TaskRef) String() string {
	return fmt.Sprintf("%d.%d", r.Tid, r.Gen)
}

type taskSlot struct {
	gen  uint32
	task *Task

	// refs counts strong holders: run queue entries, a core running the
	// task, and the parent's children list.
	refs int
}

// TaskTable is the arena every task lives in, indexed by tid.
type TaskTable struct {
	mu    sync.RWMutex
	slots []taskSlot

	destroy func(t *Task)
}

func NewTaskTable(destroy func(t *Task)) *TaskTable {
	return &TaskTable{destroy: destroy}
}

// Insert places t in the slot for its tid with no strong holders.
func (tt *TaskTable) Insert(t *Task) TaskRef {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	for len(tt.slots) <= t.tid {
		tt.slots = append(tt.slots, taskSlot{})
	}

	slot := &tt.slots[t.tid]
	if slot.task != nil {
		panic(fmt.Sprintf("tid %d inserted twice", t.tid))
	}

	slot.gen++
	if slot.gen == 0 {
		slot.gen++
	}

	slot.task = t
	slot.refs = 0

	t.ref = TaskRef{Tid: t.tid, Gen: slot.gen}

	return t.ref
}

func (tt *TaskTable) slot(ref TaskRef) *taskSlot {
	if ref.Tid < 0 || ref.Tid >= len(tt.slots) {
		return nil
	}

	slot := &tt.slots[ref.Tid]
	if slot.task == nil || slot.gen != ref.Gen {
		return nil
	}

	return slot
}

func (tt *TaskTable) Get(ref TaskRef) (*Task, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	slot := tt.slot(ref)
	if slot == nil {
		return nil, false
	}

	return slot.task, true
}

// Lookup finds the live task with the given tid.
func (tt *TaskTable) Lookup(tid int) (*Task, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	if tid < 0 || tid >= len(tt.slots) || tt.slots[tid].task == nil {
		return nil, false
	}

	return tt.slots[tid].task, true
}

// Acquire adds a strong holder. It fails if the task is already gone.
func (tt *TaskTable) Acquire(ref TaskRef) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	slot := tt.slot(ref)
	if slot == nil {
		return false
	}

	slot.refs++

	return true
}

// Release drops a strong holder. The last one empties the slot and
// destroys the task.
func (tt *TaskTable) Release(ref TaskRef) {
	tt.mu.Lock()

	slot := tt.slot(ref)
	if slot == nil {
		tt.mu.Unlock()
		log.L.Error("release of stale task ref", "ref", ref)
		return
	}

	slot.refs--

	switch {
	case slot.refs > 0:
		tt.mu.Unlock()
		return
	case slot.refs < 0:
		tt.mu.Unlock()
		panic(fmt.Sprintf("task %s released too many times", ref))
	}

	t := slot.task
	slot.task = nil

	tt.mu.Unlock()

	if tt.destroy != nil {
		tt.destroy(t)
	}
}

func (tt *TaskTable) Refs(ref TaskRef) int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	slot := tt.slot(ref)
	if slot == nil {
		return 0
	}

	return slot.refs
}

// Len is the number of live tasks.
func (tt *TaskTable) Len() int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	n := 0
	for _, slot := range tt.slots {
		if slot.task != nil {
			n++
		}
	}

	return n
}

// Each calls fn on a snapshot of the live tasks.
func (tt *TaskTable) Each(fn func(t *Task)) {
	tt.mu.RLock()

	var tasks []*Task
	for _, slot := range tt.slots {
		if slot.task != nil {
			tasks = append(tasks, slot.task)
		}
	}

	tt.mu.RUnlock()

	for _, t := range tasks {
		fn(t)
	}
}
