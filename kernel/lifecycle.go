package kernel

import (
	"context"
	"io"
	"path"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/exec"
	"github.com/evanphx/rafos/fs"
	"github.com/evanphx/rafos/loader"
	"github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/mm"
	"github.com/evanphx/rafos/riscv"
	"github.com/pkg/errors"
)

// CloneArgs are the clone(2) arguments. Zero Entry and Stack keep the
// caller's pc and sp.
type CloneArgs struct {
	Flags     linux.CloneFlags
	Entry     uint64
	Stack     uint64
	Arg       uint64
	ParentTid uint64
	TLS       uint64
	ChildTid  uint64
}

// ThreadFlags is what thread_create asks clone for.
const ThreadFlags = linux.CLONE_VM | linux.CLONE_FS | linux.CLONE_FILES | linux.CLONE_SIGHAND | linux.CLONE_THREAD

func validateClone(flags linux.CloneFlags) (linux.Signal, error) {
	switch {
	case flags.Has(linux.CLONE_NEWNS | linux.CLONE_FS):
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "clone %s: NEWNS with FS", flags)
	case flags.Has(linux.CLONE_THREAD) && !flags.Has(linux.CLONE_SIGHAND):
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "clone %s: THREAD without SIGHAND", flags)
	case flags.Has(linux.CLONE_SIGHAND) && !flags.Has(linux.CLONE_VM):
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "clone %s: SIGHAND without VM", flags)
	}

	if flags.Has(linux.CLONE_THREAD) {
		return linux.SIGNONE, nil
	}

	sig := flags.Signal()
	if sig != linux.SIGNONE && !sig.Valid() {
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "clone exit signal %d", sig)
	}

	return sig, nil
}

// allocTask reserves a tid, kernel stack and trap frame page for a task
// that is not yet in the arena.
func (k *Kernel) allocTask(name string) (*Task, error) {
	tid := k.tids.Alloc()

	kstack, err := k.frames.AllocContiguous(k.cfg.KernelStackPages)
	if err != nil {
		k.tids.Free(tid)
		return nil, errors.Wrapf(abi.ErrFrameAllocFailed, "kernel stack for tid %d: %s", tid, err)
	}

	frame, err := k.frames.Alloc()
	if err != nil {
		kstack.Release()
		k.tids.Free(tid)
		return nil, errors.Wrapf(abi.ErrFrameAllocFailed, "trap frame for tid %d: %s", tid, err)
	}

	t := &Task{
		kernel:    k,
		tid:       tid,
		pid:       tid,
		name:      name,
		state:     Runnable,
		trapFrame: frame,
	}

	t.inner.kstack = kstack
	t.inner.context = riscv.NewTaskContext(k.taskMain(t))

	return t, nil
}

// userTrapFrame is the frame a task starts user mode with.
func (k *Kernel) userTrapFrame(t *Task, entry, sp uint64) *riscv.TrapFrame {
	tf := &riscv.TrapFrame{
		KernelSatp:  k.kspace.Token(),
		KernelSP:    t.inner.kstack.End(),
		TrapHandler: UserTrapHandler,
		UserEPC:     entry,
		UserStatus:  exec.SstatusSPIE,
	}

	tf.Regs[riscv.RegSP] = sp

	return tf
}

// admit links a fully built task under parent and queues it.
func (k *Kernel) admit(t, parent *Task) {
	t.parent = parent.ref

	ref := k.tasks.Insert(t)

	k.tasks.Acquire(ref)
	parent.addChild(ref)

	k.tasks.Acquire(ref)
	k.runq.Add(ref)
}

// Clone creates a task from t as clone(2) describes and returns its tid.
// Invalid flag combinations are rejected before anything is allocated.
func (k *Kernel) Clone(t *Task, args CloneArgs) (int, error) {
	flags := args.Flags

	exitSignal, err := validateClone(flags)
	if err != nil {
		return 0, err
	}

	ptf, err := t.TrapFrame()
	if err != nil {
		return 0, err
	}

	child, err := k.allocTask(t.Name())
	if err != nil {
		return 0, err
	}

	fail := func(err error) (int, error) {
		log.L.Debug("clone failed", "tid", t.tid, "flags", flags, "error", err)
		k.destroyTask(child)
		return 0, err
	}

	if flags.Has(linux.CLONE_VM) {
		t.inner.mm.Get()
		child.inner.mm = t.inner.mm
	} else {
		space, err := t.inner.mm.Clone()
		if err != nil {
			return fail(err)
		}

		child.inner.mm = space
	}

	if flags.Has(linux.CLONE_FILES) {
		t.inner.files.Get()
		child.inner.files = t.inner.files
	} else {
		child.inner.files = t.inner.files.Clone()
	}

	if flags.Has(linux.CLONE_FS) {
		child.fsInfo = t.fsInfo
	} else {
		child.fsInfo = t.fsInfo.Copy()
	}

	if flags.Any(linux.CLONE_SIGHAND | linux.CLONE_THREAD) {
		child.sigActions = t.sigActions
	} else {
		child.sigActions = t.sigActions.Copy()
	}

	child.inner.sigBlocked = t.inner.sigBlocked
	child.exitSignal = exitSignal

	if flags.Has(linux.CLONE_THREAD) {
		child.pid = t.pid
	}

	if flags.Has(linux.CLONE_CHILD_SETTID) {
		child.inner.setChildTid = args.ChildTid
	}

	if flags.Has(linux.CLONE_CHILD_CLEARTID) {
		child.inner.clearChildTid = args.ChildTid
	}

	ctf := *ptf
	ctf.KernelSP = child.inner.kstack.End()
	ctf.Regs[riscv.RegA0] = 0

	if args.Stack != 0 {
		ctf.Regs[riscv.RegSP] = args.Stack
	}

	if flags.Has(linux.CLONE_SETTLS) {
		ctf.Regs[riscv.RegTP] = args.TLS
	}

	if args.Entry != 0 {
		ctf.UserEPC = args.Entry
	}

	ctf.Regs[riscv.RegA0] = args.Arg

	if err := child.SetTrapFrame(&ctf); err != nil {
		return fail(err)
	}

	if err := child.inner.mm.MapTrapFrame(child.TrapFrameVA(), child.trapFrame); err != nil {
		return fail(err)
	}

	if flags.Has(linux.CLONE_PARENT_SETTID) {
		if err := t.inner.mm.CopyOut(args.ParentTid, int32(child.tid)); err != nil {
			return fail(err)
		}
	}

	if flags.Any(linux.CLONE_CHILD_SETTID | linux.CLONE_CHILD_CLEARTID) {
		val := int32(child.tid)
		if !flags.Has(linux.CLONE_CHILD_SETTID) {
			val = 0
		}

		if err := child.inner.mm.CopyOut(args.ChildTid, val); err != nil {
			return fail(err)
		}
	}

	parent := t
	if flags.Any(linux.CLONE_PARENT | linux.CLONE_THREAD) {
		p, ok := k.tasks.Get(t.Parent())
		if !ok {
			p = k.init
		}

		parent = p
	}

	k.admit(child, parent)

	log.L.Trace("clone", "tid", t.tid, "child", child.tid, "pid", child.pid, "flags", flags, "parent", parent.tid)

	return child.tid, nil
}

// Fork is clone with a copied address space and SIGCHLD on exit.
func (k *Kernel) Fork(t *Task) (int, error) {
	return k.Clone(t, CloneArgs{Flags: linux.CloneFlags(linux.SIGCHLD)})
}

// ThreadCreate starts a thread of t at entry with arg in a0, running on a
// freshly mapped stack.
func (k *Kernel) ThreadCreate(t *Task, entry, arg uint64) (int, error) {
	if entry == 0 {
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "thread entry is null")
	}

	size := uint64(k.cfg.UserStackSize)

	base, err := t.inner.mm.AllocVMA(0, size, mm.VMRead|mm.VMWrite|mm.VMUser, true)
	if err != nil {
		return 0, err
	}

	tid, err := k.Clone(t, CloneArgs{
		Flags: ThreadFlags,
		Entry: entry,
		Stack: base + size,
		Arg:   arg,
	})
	if err != nil {
		t.inner.mm.DoMunmap(base, size)
		return 0, err
	}

	return tid, nil
}

func (k *Kernel) readImage(ctx context.Context, t *Task, p string) (string, []byte, error) {
	if k.Mount == nil {
		return "", nil, ErrNoMount
	}

	cwd := "/"
	if t != nil && t.fsInfo != nil {
		cwd = t.fsInfo.CurrentDir()
	}

	full := fs.Resolve(cwd, p)

	d, err := k.Mount.LookupPath(ctx, full)
	if err != nil {
		return "", nil, err
	}

	r, err := d.Reader()
	if err != nil {
		return "", nil, err
	}

	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", nil, errors.Wrapf(err, "reading %s", full)
	}

	return full, data, nil
}

// Exec replaces t's program with the one at path. It returns argc, which
// lands in a0; a1 holds argv.
func (k *Kernel) Exec(ctx context.Context, t *Task, p string, args []string) (int, error) {
	full, data, err := k.readImage(ctx, t, p)
	if err != nil {
		return 0, err
	}

	return k.ExecImage(t, full, data, args)
}

// ExecImage is Exec with the image already in hand. Until the new space
// is fully built the old one stays installed.
func (k *Kernel) ExecImage(t *Task, name string, data []byte, args []string) (int, error) {
	space, start, err := k.buildSpace(data, args)
	if err != nil {
		log.L.Debug("exec failed", "tid", t.tid, "path", name, "error", err)
		return 0, err
	}

	if err := space.MapTrapFrame(t.TrapFrameVA(), t.trapFrame); err != nil {
		space.Put()
		return 0, err
	}

	tf := k.userTrapFrame(t, start.Entry, start.SP)
	tf.Regs[riscv.RegA0] = uint64(start.Argc)
	tf.Regs[riscv.RegA1] = start.Argv

	if err := t.SetTrapFrame(tf); err != nil {
		space.Put()
		return 0, err
	}

	old := t.inner.mm
	t.inner.mm = space

	if old != nil {
		old.UnmapTrapFrame(t.TrapFrameVA())
		old.Put()
	}

	if t.inner.files != nil {
		t.inner.files.CloseOnExec()
	}

	t.SetName(path.Base(name))

	log.L.Trace("exec", "tid", t.tid, "path", name, "entry", start.Entry, "argc", start.Argc)

	return start.Argc, nil
}

func (k *Kernel) buildSpace(data []byte, args []string) (*mm.MM, *loader.Start, error) {
	space, err := mm.New(k.platform, false)
	if err != nil {
		return nil, nil, err
	}

	start, err := k.loader.Load(space, data, args)
	if err != nil {
		space.Put()
		return nil, nil, err
	}

	return space, start, nil
}

// Exit ends t with code and hands its core back to the idle loop. It
// never returns.
func (k *Kernel) Exit(t *Task, code int32) {
	if addr := t.inner.clearChildTid; addr != 0 && t.inner.mm != nil {
		if err := t.inner.mm.CopyOut(addr, int32(0)); err != nil {
			log.L.Debug("clear child tid failed", "tid", t.tid, "addr", addr, "error", err)
		}
	}

	t.inner.exitCode = code
	t.setState(Zombie)

	log.L.Trace("exit", "tid", t.tid, "code", code)

	cpu := t.inner.cpu
	riscv.MoveToNext(t.inner.context, k.cpus[cpu].idle, cpu)
}

// Yield puts t back on the run queue and returns once a core picks it up
// again.
func (k *Kernel) Yield(t *Task) {
	t.setState(Runnable)

	t.inner.cpu = riscv.Switch(t.inner.context, k.cpus[t.inner.cpu].idle, t.inner.cpu)
}

func waitable(child *Task, pid int, options linux.WaitOptions) bool {
	if pid > 0 && child.pid != pid {
		return false
	}

	if options.Has(linux.WALL) {
		return true
	}

	return (child.exitSignal != linux.SIGCHLD) == options.Has(linux.WCLONE)
}

// Wait reaps a zombie child of t matching pid (any child when pid <= 0)
// and returns its tid, storing the encoded exit status at status when it
// is non-zero. Zombies are only collected with WEXITED set. Without
// WNOHANG it yields until a match exits; with it, 0 means nothing is ready.
func (k *Kernel) Wait(t *Task, pid int, options linux.WaitOptions, status uint64) (int, error) {
	for {
		candidate := false

		for _, ref := range t.Children() {
			child, ok := k.tasks.Get(ref)
			if !ok || !waitable(child, pid, options) {
				continue
			}

			candidate = true

			if child.State() != Zombie || !options.Has(linux.WEXITED) {
				continue
			}

			if !t.removeChild(ref) {
				continue
			}

			code := child.inner.exitCode
			tid := child.tid

			log.L.Trace("reaped", "tid", t.tid, "child", tid, "code", code)

			k.tasks.Release(ref)

			// The child is gone even if the status can't be stored, as on
			// Linux.
			if status != 0 {
				if err := t.inner.mm.CopyOut(status, linux.ExitStatus(code)); err != nil {
					return 0, err
				}
			}

			return tid, nil
		}

		if !candidate {
			return 0, errors.Wrapf(abi.ErrNoChild, "pid %d", pid)
		}

		if options.Has(linux.WNOHANG) {
			return 0, nil
		}

		k.Yield(t)
	}
}

// Spawn starts the program at path as a new process under init.
func (k *Kernel) Spawn(ctx context.Context, p string, args []string) (*Task, error) {
	full, data, err := k.readImage(ctx, nil, p)
	if err != nil {
		return nil, err
	}

	return k.SpawnImage(full, data, args)
}

// SpawnImage starts a process under init from an image in memory. Its
// stdio is the kernel console. The host can collect its exit code with
// WaitReaped.
func (k *Kernel) SpawnImage(name string, data []byte, args []string) (*Task, error) {
	t, err := k.allocTask(path.Base(name))
	if err != nil {
		return nil, err
	}

	space, start, err := k.buildSpace(data, args)
	if err != nil {
		k.destroyTask(t)
		return nil, err
	}

	t.inner.mm = space
	t.exitSignal = linux.SIGCHLD
	t.fsInfo = NewFSInfo()
	t.sigActions = NewSigActions()

	files := NewFDTable(k.cfg.FDLimit)
	t.inner.files = files

	for i := 0; i < 3; i++ {
		if _, err := files.Install(k.console, false); err != nil {
			k.destroyTask(t)
			return nil, err
		}
	}

	tf := k.userTrapFrame(t, start.Entry, start.SP)
	tf.Regs[riscv.RegA0] = uint64(start.Argc)
	tf.Regs[riscv.RegA1] = start.Argv

	if err := t.SetTrapFrame(tf); err != nil {
		k.destroyTask(t)
		return nil, err
	}

	if err := space.MapTrapFrame(t.TrapFrameVA(), t.trapFrame); err != nil {
		k.destroyTask(t)
		return nil, err
	}

	k.exitsMu.Lock()
	k.admit(t, k.init)
	k.exits[t.ref] = &exitRecord{}
	k.exitsMu.Unlock()

	log.L.Debug("spawned", "tid", t.tid, "path", name, "args", args)

	return t, nil
}
