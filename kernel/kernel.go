package kernel

import (
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/exec"
	"github.com/evanphx/rafos/fs"
	"github.com/evanphx/rafos/loader"
	"github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/memory"
	"github.com/evanphx/rafos/mm"
	"github.com/evanphx/rafos/pkg/waiter"
	"github.com/evanphx/rafos/riscv"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// UserTrapHandler is the kernel entry recorded in every trap frame. The
// trampoline hands it back on each trap and the trap loop checks it.
const UserTrapHandler = config.RAMBase + 0x200

// DefaultLoaderCacheSize is how many parsed images are kept between execs.
const DefaultLoaderCacheSize = 32

var (
	ErrAlreadyRunning = errors.New("kernel already running")
	ErrNoMount        = errors.New("no filesystem mounted")
	ErrNotWatched     = errors.New("task not spawned by the host")
)

// SyscallHandler services an ecall from t. tf is the saved user state
// with epc already past the ecall; the result goes into a0.
type SyscallHandler interface {
	InvokeSyscall(ctx context.Context, t *Task, tf *riscv.TrapFrame) int64
}

// CPU is the per-core scheduling state, indexed by core id.
type CPU struct {
	ID   int
	Hart *exec.Hart

	// idle is the context of this core's idle loop, set once Run starts.
	idle *riscv.TaskContext

	mu   sync.Mutex
	curr TaskRef
}

// Current is the task this core is running, if any.
func (c *CPU) Current() (TaskRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.curr, c.curr.Valid()
}

func (c *CPU) setCurrent(ref TaskRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.curr = ref
}

func (c *CPU) takeCurrent() TaskRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := c.curr
	c.curr = TaskRef{}
	return ref
}

// shootdown drops translations from every core's TLB.
type shootdown struct {
	harts []*exec.Hart
}

func (s *shootdown) Flush(start, end uint64) {
	for _, h := range s.harts {
		h.Flush(start, end)
	}
}

type Options struct {
	Config   *config.Config
	Syscalls SyscallHandler
	Mount    *fs.MountNamespace

	Stdin  io.Reader
	Stdout io.Writer
}

type exitRecord struct {
	code int32
	done bool
}

// Kernel owns the machine: physical memory, the cores, and every task.
type Kernel struct {
	cfg *config.Config

	phys     *memory.PhysicalMemory
	frames   *memory.FrameAllocator
	platform *mm.Platform
	kspace   *mm.MM
	tlb      *shootdown

	tasks *TaskTable
	tids  *TidAllocator
	runq  *RunQueue
	cpus  []*CPU

	// init is the idle task, tid 0. It is never scheduled and adopts
	// every orphan.
	init *Task

	Mount   *fs.MountNamespace
	loader  *loader.Loader
	sys     SyscallHandler
	console *Console

	faults *log.Limited

	running atomic.Bool

	exitsMu sync.Mutex
	exits   map[TaskRef]*exitRecord
	events  waiter.Waiter
}

// NewKernel boots the machine in a fixed order: physical memory and the
// frame allocator, the trampoline page, the shared platform, the kernel
// identity space, one hart per core on that space, the task arena and tid
// allocator with the init task pinned at tid 0, and finally the run
// queue. Nothing runs until Run.
func NewKernel(opts Options) (*Kernel, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		Mount:   opts.Mount,
		sys:     opts.Syscalls,
		console: &Console{In: opts.Stdin, Out: opts.Stdout},
		faults:  log.NewLimited(log.L, time.Second),
		exits:   make(map[TaskRef]*exitRecord),
		tlb:     &shootdown{},
	}

	k.phys = memory.NewPhysicalMemory(config.RAMBase, cfg.MemoryFrames)
	k.frames = memory.NewFrameAllocator(k.phys)

	tramp, err := k.frames.Alloc()
	if err != nil {
		return nil, errors.Wrapf(err, "allocating trampoline")
	}

	k.platform = mm.NewPlatform(k.frames)
	k.platform.TLB = k.tlb
	k.platform.Trampoline = tramp
	k.platform.MaxMapCount = cfg.MaxMapCount
	k.platform.HeapSize = uint64(cfg.UserHeapSize)

	k.kspace, err = mm.New(k.platform, true)
	if err != nil {
		return nil, errors.Wrapf(err, "building kernel address space")
	}

	for i := 0; i < cfg.CPUs; i++ {
		h := exec.NewHart(i, k.phys)
		h.SetSatp(k.kspace.Token())

		k.tlb.harts = append(k.tlb.harts, h)
		k.cpus = append(k.cpus, &CPU{ID: i, Hart: h})
	}

	k.tids = NewTidAllocator()
	k.tasks = NewTaskTable(k.destroyTask)
	k.runq = NewRunQueue(k.tasks)
	k.loader = loader.NewLoader(loader.NewCache(DefaultLoaderCacheSize), uint64(cfg.UserStackSize))

	k.init = &Task{
		kernel:     k,
		tid:        IdleTid,
		name:       "init",
		state:      Runnable,
		fsInfo:     NewFSInfo(),
		sigActions: NewSigActions(),
	}

	k.tasks.Insert(k.init)
	k.tasks.Acquire(k.init.ref)

	log.L.Debug("kernel booted", "cpus", cfg.CPUs, "frames", cfg.MemoryFrames, "free", k.frames.Free())

	return k, nil
}

func (k *Kernel) Config() *config.Config         { return k.cfg }
func (k *Kernel) Frames() *memory.FrameAllocator { return k.frames }
func (k *Kernel) KernelSpace() *mm.MM            { return k.kspace }
func (k *Kernel) Init() *Task                    { return k.init }
func (k *Kernel) RunQueue() *RunQueue            { return k.runq }
func (k *Kernel) Tasks() *TaskTable              { return k.tasks }
func (k *Kernel) CPUs() []*CPU                   { return k.cpus }

// Lookup finds a live task by tid.
func (k *Kernel) Lookup(tid int) (*Task, bool) {
	return k.tasks.Lookup(tid)
}

// Run drives every core's idle loop until ctx is canceled.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	defer k.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)

	for _, c := range k.cpus {
		c := c
		g.Go(func() error {
			return k.idleLoop(ctx, c)
		})
	}

	return g.Wait()
}

func (k *Kernel) idleLoop(ctx context.Context, c *CPU) error {
	c.idle = riscv.CurrentContext()

	wake := make(chan struct{}, 1)
	ev := k.runq.events.RegisterChannel(waiter.EventRunnable, wake)
	defer k.runq.events.Unregister(ev)

	log.L.Trace("idle-start", "cpu", c.ID)

	for {
		k.initReclaim()

		select {
		case <-ctx.Done():
			log.L.Trace("idle-stop", "cpu", c.ID)
			return nil
		default:
		}

		t, ref, ok := k.runq.Fetch()
		if !ok {
			if k.runq.Len() > 0 {
				runtime.Gosched()
				continue
			}

			select {
			case <-ctx.Done():
			case <-wake:
			}

			continue
		}

		k.runTask(c, t, ref)
	}
}

// runTask hands the core to t until it yields or exits. ref is the run
// queue's reference, now held as the core's current task.
func (k *Kernel) runTask(c *CPU, t *Task, ref TaskRef) {
	t.setState(Running)
	c.setCurrent(ref)
	t.inner.cpu = c.ID

	riscv.Switch(c.idle, t.inner.context, c.ID)

	ref = c.takeCurrent()

	switch st := t.State(); st {
	case Runnable:
		k.runq.Add(ref)
	case Zombie:
		k.handleZombie(t)
		k.tasks.Release(ref)
	default:
		log.L.Error("task returned to idle in unexpected state", "tid", t.tid, "state", st)
		panic("task left core in state " + st.String())
	}
}

// handleZombie runs on the idle loop after t switched away for the last
// time. t's children go to init, the parent is told, and everything but
// the exit code is released.
func (k *Kernel) handleZombie(t *Task) {
	t.childrenMu.Lock()
	children := t.children
	t.children = nil
	t.childrenMu.Unlock()

	for _, ref := range children {
		child, ok := k.tasks.Get(ref)
		if !ok {
			continue
		}

		k.reparent(child, k.init)
	}

	if parent, ok := k.tasks.Get(t.Parent()); ok {
		if t.exitSignal != linux.SIGNONE {
			parent.SendSignal(t.exitSignal)
		}
	} else if k.tasks.Acquire(t.ref) {
		log.L.Trace("orphan-adopted", "tid", t.tid)
		k.reparent(t, k.init)
	}

	k.releaseResources(t)

	log.L.Trace("zombie", "tid", t.tid, "code", t.inner.exitCode, "children", len(children))

	k.events.Notify(waiter.EventChildExit)
}

// reparent moves child, and the strong reference its old parent's list
// held, under newParent. Locks are always taken child first, then the new
// parent.
func (k *Kernel) reparent(child, newParent *Task) {
	child.parentMu.Lock()
	defer child.parentMu.Unlock()

	newParent.childrenMu.Lock()
	defer newParent.childrenMu.Unlock()

	child.parent = newParent.ref
	newParent.children = append(newParent.children, child.ref)

	log.L.Trace("reparent", "tid", child.tid, "parent", newParent.tid)
}

// releaseResources drops t's address space and file table. The trap frame
// page stays allocated until the task is destroyed.
func (k *Kernel) releaseResources(t *Task) {
	if space := t.inner.mm; space != nil {
		if t.trapFrame != nil {
			space.UnmapTrapFrame(t.TrapFrameVA())
		}

		space.Put()
		t.inner.mm = nil
	}

	if files := t.inner.files; files != nil {
		files.Put()
		t.inner.files = nil
	}
}

// destroyTask runs when the last strong reference to t goes away.
func (k *Kernel) destroyTask(t *Task) {
	t.setState(Dead)

	t.childrenMu.Lock()
	children := t.children
	t.children = nil
	t.childrenMu.Unlock()

	for _, ref := range children {
		if child, ok := k.tasks.Get(ref); ok {
			k.reparent(child, k.init)
		}
	}

	k.releaseResources(t)

	if t.trapFrame != nil {
		t.trapFrame.DecRef()
		t.trapFrame = nil
	}

	if t.inner.kstack != nil {
		t.inner.kstack.Release()
		t.inner.kstack = nil
	}

	if t.inner.context != nil {
		t.inner.context.Release()
	}

	k.tids.Free(t.tid)

	log.L.Trace("task-destroyed", "tid", t.tid, "name", t.Name())
}

// initReclaim reaps init's zombie children. Init never calls wait, so the
// idle loop does it on its behalf.
func (k *Kernel) initReclaim() {
	for _, ref := range k.init.Children() {
		child, ok := k.tasks.Get(ref)
		if !ok || child.State() != Zombie {
			continue
		}

		if !k.init.removeChild(ref) {
			continue
		}

		code := child.inner.exitCode

		k.exitsMu.Lock()
		if rec, ok := k.exits[ref]; ok {
			rec.code = code
			rec.done = true
		}
		k.exitsMu.Unlock()

		log.L.Trace("init-reaped", "tid", ref.Tid, "code", code)

		k.tasks.Release(ref)
		k.events.Notify(waiter.EventChildExit)
	}
}

// WaitReaped blocks until the task spawned as ref has been reaped by init
// and returns its exit code.
func (k *Kernel) WaitReaped(ctx context.Context, ref TaskRef) (int32, error) {
	c := make(chan struct{}, 1)
	ev := k.events.RegisterChannel(waiter.EventChildExit, c)
	defer k.events.Unregister(ev)

	for {
		k.exitsMu.Lock()
		rec, ok := k.exits[ref]
		var (
			done bool
			code int32
		)
		if ok {
			done, code = rec.done, rec.code
			if done {
				delete(k.exits, ref)
			}
		}
		k.exitsMu.Unlock()

		if !ok {
			return 0, errors.Wrapf(ErrNotWatched, "task %s", ref)
		}

		if done {
			return code, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c:
		}
	}
}
