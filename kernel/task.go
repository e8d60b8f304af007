package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/memory"
	"github.com/evanphx/rafos/mm"
	"github.com/evanphx/rafos/riscv"
)

type taskkey struct{}

func GetTask(ctx context.Context) (*Task, bool) {
	if v := ctx.Value(taskkey{}); v != nil {
		return v.(*Task), true
	}

	return nil, false
}

func SetTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskkey{}, t)
}

// taskInner is only touched by the core currently running the task, or by
// the idle loop of that core once the task has switched away for good.
type taskInner struct {
	exitCode int32
	context  *riscv.TaskContext
	cpu      int

	kstack *memory.FrameRange
	mm     *mm.MM
	files  *FDTable

	setChildTid   uint64
	clearChildTid uint64

	sigBlocked linux.SigSet
}

type Task struct {
	kernel *Kernel

	// Fixed at creation.
	tid        int
	pid        int
	exitSignal linux.Signal
	ref        TaskRef

	// trapFrame backs the page at riscv.TrapFrameBase(tid). Kernel tasks
	// have none.
	trapFrame *memory.Frame

	nameMu sync.Mutex
	name   string

	stateMu sync.Mutex
	state   TaskState

	parentMu sync.Mutex
	parent   TaskRef

	childrenMu sync.Mutex
	children   []TaskRef

	fsInfo     *FSInfo
	sigActions *SigActions
	sigPending atomic.Uint64

	inner taskInner
}

func (t *Task) String() string {
	return fmt.Sprintf("Task [%s] pid=%d tid=%d", t.Name(), t.pid, t.tid)
}

func (t *Task) Kernel() *Kernel { return t.kernel }
func (t *Task) Tid() int        { return t.tid }
func (t *Task) Pid() int        { return t.pid }
func (t *Task) Ref() TaskRef    { return t.ref }

func (t *Task) ExitSignal() linux.Signal {
	return t.exitSignal
}

func (t *Task) Name() string {
	t.nameMu.Lock()
	defer t.nameMu.Unlock()

	return t.name
}

func (t *Task) SetName(name string) {
	t.nameMu.Lock()
	defer t.nameMu.Unlock()

	t.name = name
}

func (t *Task) State() TaskState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	return t.state
}

func (t *Task) setState(s TaskState) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	t.state = s
}

func (t *Task) Parent() TaskRef {
	t.parentMu.Lock()
	defer t.parentMu.Unlock()

	return t.parent
}

// Ppid is the process id of the parent, 0 when the parent is gone.
func (t *Task) Ppid() int {
	p, ok := t.kernel.tasks.Get(t.Parent())
	if !ok {
		return 0
	}

	return p.pid
}

func (t *Task) Children() []TaskRef {
	t.childrenMu.Lock()
	defer t.childrenMu.Unlock()

	return append([]TaskRef(nil), t.children...)
}

// addChild links ref, whose strong reference the caller hands over.
func (t *Task) addChild(ref TaskRef) {
	t.childrenMu.Lock()
	defer t.childrenMu.Unlock()

	t.children = append(t.children, ref)
}

func (t *Task) removeChild(ref TaskRef) bool {
	t.childrenMu.Lock()
	defer t.childrenMu.Unlock()

	for i, c := range t.children {
		if c == ref {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return true
		}
	}

	return false
}

func (t *Task) MM() *mm.MM {
	return t.inner.mm
}

func (t *Task) Files() *FDTable {
	return t.inner.files
}

func (t *Task) ExitCode() int32 {
	return t.inner.exitCode
}

// CPU is the core the task is running on, or last ran on.
func (t *Task) CPU() int {
	return t.inner.cpu
}

func (t *Task) KernelStack() *memory.FrameRange {
	return t.inner.kstack
}

func (t *Task) TrapFrameVA() uint64 {
	return riscv.TrapFrameBase(t.tid)
}

// TrapFrame decodes the task's saved user state.
func (t *Task) TrapFrame() (*riscv.TrapFrame, error) {
	return riscv.Load(t.trapFrame.Bytes())
}

func (t *Task) SetTrapFrame(tf *riscv.TrapFrame) error {
	return tf.Store(t.trapFrame.Bytes())
}

// SetClearChildTid records the address zeroed when t exits.
func (t *Task) SetClearChildTid(addr uint64) {
	t.inner.clearChildTid = addr
}
