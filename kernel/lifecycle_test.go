package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/exec/asm"
	"github.com/evanphx/rafos/loader"
	"github.com/evanphx/rafos/mm"
	"github.com/evanphx/rafos/riscv"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
	"golang.org/x/sync/errgroup"
)

const (
	codeBase uint64 = 0x11000
	dataBase uint64 = 0x12000
)

// testSyscalls is the handful of calls the lifecycle tests need, numbered
// as on Linux.
type testSyscalls struct{}

func (testSyscalls) InvokeSyscall(ctx context.Context, t *Task, tf *riscv.TrapFrame) int64 {
	k := t.Kernel()

	var (
		ret int
		err error
	)

	switch tf.SyscallNumber() {
	case 93:
		k.Exit(t, int32(tf.Arg(0)))
	case 124:
		k.Yield(t)
	case 214:
		return int64(t.MM().SetBrk(tf.Arg(0)))
	case 220:
		ret, err = k.Clone(t, CloneArgs{Flags: linux.CloneFlags(tf.Arg(0)), Stack: tf.Arg(1)})
	case 260:
		ret, err = k.Wait(t, int(int32(tf.Arg(0))), linux.WaitOptions(tf.Arg(2))|linux.WEXITED, tf.Arg(1))
	default:
		return -abi.ENOSYS
	}

	if err != nil {
		return -abi.ToErrno(err)
	}

	return int64(ret)
}

func newTestKernel(t *testing.T) *Kernel {
	cfg := config.Default()
	cfg.CPUs = 2
	cfg.MemoryFrames = 2048
	cfg.Timeslice = 500

	k, err := NewKernel(Options{Config: cfg, Syscalls: testSyscalls{}})
	require.NoError(t, err)

	return k
}

func userImage(t *testing.T, build func(p *asm.Program)) []byte {
	p := asm.New(codeBase)
	build(p)

	code, err := p.Assemble()
	require.NoError(t, err)

	image, err := loader.BuildELF(loader.Header{Entry: codeBase, Base: 0x10000}, []loader.Segment{
		{Addr: codeBase, MemSize: mm.PageCeil(uint64(len(code))), Flags: mm.VMRead | mm.VMExec, Data: code},
		{Addr: dataBase, MemSize: mm.PageSize, Flags: mm.VMRead | mm.VMWrite, Data: []byte("parent")},
	})
	require.NoError(t, err)

	return image
}

func exitWith(code int64) func(p *asm.Program) {
	return func(p *asm.Program) {
		p.Li(asm.A0, code)
		p.Syscall(93)
	}
}

func runKernel(t *testing.T, k *Kernel) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	done := make(chan error, 1)
	go func() {
		done <- k.Run(ctx)
	}()

	return ctx, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

// child links a bare task under parent the way clone does, without any
// address space behind it.
func child(k *Kernel, parent *Task, st TaskState) *Task {
	c := &Task{
		kernel:     k,
		tid:        k.tids.Alloc(),
		state:      st,
		exitSignal: linux.SIGCHLD,
		parent:     parent.ref,
	}

	c.pid = c.tid

	ref := k.tasks.Insert(c)
	k.tasks.Acquire(ref)
	parent.addChild(ref)

	return c
}

func TestClone(t *testing.T) {
	n := neko.Modern(t)

	n.It("rejects bad flag combinations before allocating", func(t *testing.T) {
		k := newTestKernel(t)

		parent, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		free := k.frames.Free()

		for _, flags := range []linux.CloneFlags{
			linux.CLONE_THREAD | linux.CLONE_VM,
			linux.CLONE_SIGHAND,
			linux.CLONE_NEWNS | linux.CLONE_FS,
			linux.CloneFlags(0x7f),
		} {
			_, err := k.Clone(parent, CloneArgs{Flags: flags})
			require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err), "flags %s", flags)
		}

		require.Equal(t, free, k.frames.Free())
		require.Empty(t, parent.Children())
	})

	n.It("duplicates the address space of a forked child", func(t *testing.T) {
		k := newTestKernel(t)

		parent, err := k.SpawnImage("/init", userImage(t, exitWith(0)), []string{"init"})
		require.NoError(t, err)

		tid, err := k.Fork(parent)
		require.NoError(t, err)

		c, ok := k.Lookup(tid)
		require.True(t, ok)

		require.Equal(t, Runnable, c.State())
		require.Equal(t, tid, c.Pid())
		require.Equal(t, linux.SIGCHLD, c.ExitSignal())
		require.Equal(t, parent.Ref(), c.Parent())
		require.Equal(t, []TaskRef{c.Ref()}, parent.Children())
		require.Contains(t, k.runq.Snapshot(), c.Ref())

		require.NotSame(t, parent.MM(), c.MM())
		require.NotSame(t, parent.Files(), c.Files())
		require.NotSame(t, parent.FSInfo(), c.FSInfo())
		require.Equal(t, 3, c.Files().Len())

		pareas := parent.MM().Areas()
		if diff := cmp.Diff(pareas, c.MM().Areas()); diff != "" {
			t.Fatalf("areas differ: %s", diff)
		}

		for _, a := range pareas {
			for va := a.Start; va < a.End; va += mm.PageSize {
				want, err := parent.MM().ReadBytes(va, mm.PageSize)
				require.NoError(t, err)

				got, err := c.MM().ReadBytes(va, mm.PageSize)
				require.NoError(t, err)

				require.Equal(t, want, got, "page %#x", va)
			}
		}

		ptf, err := parent.TrapFrame()
		require.NoError(t, err)

		ctf, err := c.TrapFrame()
		require.NoError(t, err)

		require.Zero(t, ctf.Regs[riscv.RegA0])
		require.Equal(t, ptf.UserEPC, ctf.UserEPC)
		require.Equal(t, ptf.Regs[riscv.RegSP], ctf.Regs[riscv.RegSP])
		require.Equal(t, c.KernelStack().End(), ctf.KernelSP)
		require.NotEqual(t, ptf.KernelSP, ctf.KernelSP)

		_, ok = c.MM().Translate(c.TrapFrameVA())
		require.True(t, ok)

		_, ok = parent.MM().Translate(c.TrapFrameVA())
		require.False(t, ok)
	})

	n.It("keeps writes private after a fork", func(t *testing.T) {
		k := newTestKernel(t)

		parent, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		tid, err := k.Fork(parent)
		require.NoError(t, err)

		c, _ := k.Lookup(tid)

		require.NoError(t, c.MM().WriteBytes(dataBase, []byte("child!")))
		require.NoError(t, parent.MM().WriteBytes(dataBase+0x10, []byte("mine")))

		got, err := parent.MM().ReadBytes(dataBase, 6)
		require.NoError(t, err)
		require.Equal(t, "parent", string(got))

		got, err = c.MM().ReadBytes(dataBase, 6)
		require.NoError(t, err)
		require.Equal(t, "child!", string(got))

		got, err = c.MM().ReadBytes(dataBase+0x10, 4)
		require.NoError(t, err)
		require.Equal(t, []byte{0, 0, 0, 0}, got)
	})

	n.It("shares everything with a thread", func(t *testing.T) {
		k := newTestKernel(t)

		parent, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		tid, err := k.ThreadCreate(parent, codeBase+8, 0xabc)
		require.NoError(t, err)

		c, _ := k.Lookup(tid)

		require.Same(t, parent.MM(), c.MM())
		require.Same(t, parent.Files(), c.Files())
		require.Same(t, parent.FSInfo(), c.FSInfo())
		require.Same(t, parent.SigActions(), c.SigActions())
		require.Equal(t, 2, parent.MM().Users())

		require.Equal(t, parent.Pid(), c.Pid())
		require.Equal(t, linux.SIGNONE, c.ExitSignal())
		require.Equal(t, k.init.Ref(), c.Parent())

		tf, err := c.TrapFrame()
		require.NoError(t, err)
		require.Equal(t, codeBase+8, tf.UserEPC)
		require.Equal(t, uint64(0xabc), tf.Regs[riscv.RegA0])

		sp := tf.Regs[riscv.RegSP]
		require.NoError(t, c.MM().WriteBytes(sp-8, []byte("stack")))

		_, ok := parent.MM().Translate(c.TrapFrameVA())
		require.True(t, ok)
	})

	n.It("reports the new tid where asked", func(t *testing.T) {
		k := newTestKernel(t)

		parent, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		tid, err := k.Clone(parent, CloneArgs{
			Flags:     linux.CLONE_PARENT_SETTID | linux.CLONE_CHILD_SETTID | linux.CloneFlags(linux.SIGCHLD),
			ParentTid: dataBase + 0x100,
			ChildTid:  dataBase + 0x200,
		})
		require.NoError(t, err)

		var got int32

		require.NoError(t, parent.MM().CopyIn(dataBase+0x100, &got))
		require.Equal(t, int32(tid), got)

		c, _ := k.Lookup(tid)

		require.NoError(t, c.MM().CopyIn(dataBase+0x200, &got))
		require.Equal(t, int32(tid), got)

		require.NoError(t, parent.MM().CopyIn(dataBase+0x200, &got))
		require.Zero(t, got)
	})

	n.It("links the child to the caller's parent with CLONE_PARENT", func(t *testing.T) {
		k := newTestKernel(t)

		parent, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		tid, err := k.Clone(parent, CloneArgs{Flags: linux.CLONE_PARENT | linux.CloneFlags(linux.SIGCHLD)})
		require.NoError(t, err)

		c, _ := k.Lookup(tid)
		require.Equal(t, k.init.Ref(), c.Parent())
		require.Empty(t, parent.Children())
	})

	n.Meow()
}

func TestExec(t *testing.T) {
	n := neko.Modern(t)

	n.It("swaps in a new address space and keeps the task", func(t *testing.T) {
		k := newTestKernel(t)

		task, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		old := task.MM()
		kstack := task.KernelStack()

		_, err = task.Files().Install(&Console{}, true)
		require.NoError(t, err)

		next := userImage(t, exitWith(3))

		argc, err := k.ExecImage(task, "/bin/next", next, []string{"next", "a", "b"})
		require.NoError(t, err)
		require.Equal(t, 3, argc)

		require.NotSame(t, old, task.MM())
		require.Same(t, kstack, task.KernelStack())
		require.Equal(t, "next", task.Name())
		require.Equal(t, 3, task.Files().Len())

		tf, err := task.TrapFrame()
		require.NoError(t, err)
		require.Equal(t, codeBase, tf.UserEPC)
		require.Equal(t, uint64(3), tf.Regs[riscv.RegA0])
		require.Equal(t, tf.Regs[riscv.RegSP]+8, tf.Regs[riscv.RegA1])
		require.Equal(t, task.MM().StartBrk, task.MM().Brk)

		_, ok := task.MM().Translate(task.TrapFrameVA())
		require.True(t, ok)
	})

	n.It("leaves the old program alone when the image is bad", func(t *testing.T) {
		k := newTestKernel(t)

		task, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		old := task.MM()
		before, err := task.TrapFrame()
		require.NoError(t, err)

		_, err = k.ExecImage(task, "/bin/junk", []byte("not an elf"), nil)
		require.Equal(t, abi.ErrELFInvalidHeader, errors.Cause(err))

		require.Same(t, old, task.MM())
		require.Equal(t, "init", task.Name())

		after, err := task.TrapFrame()
		require.NoError(t, err)
		require.Equal(t, before, after)
	})

	n.Meow()
}

func TestWait(t *testing.T) {
	n := neko.Modern(t)

	n.It("fails right away without a matching child", func(t *testing.T) {
		k := newTestKernel(t)

		_, err := k.Wait(k.init, -1, linux.WEXITED, 0)
		require.Equal(t, abi.ErrNoChild, errors.Cause(err))

		child(k, k.init, Runnable)

		_, err = k.Wait(k.init, 999, linux.WEXITED, 0)
		require.Equal(t, abi.ErrNoChild, errors.Cause(err))
	})

	n.It("returns zero with WNOHANG while children run", func(t *testing.T) {
		k := newTestKernel(t)

		child(k, k.init, Running)

		tid, err := k.Wait(k.init, -1, linux.WEXITED|linux.WNOHANG, 0)
		require.NoError(t, err)
		require.Zero(t, tid)
	})

	n.It("reaps a zombie and forgets it", func(t *testing.T) {
		k := newTestKernel(t)

		c := child(k, k.init, Zombie)
		c.inner.exitCode = 7

		tid, err := k.Wait(k.init, c.Tid(), linux.WEXITED, 0)
		require.NoError(t, err)
		require.Equal(t, c.Tid(), tid)

		require.Empty(t, k.init.Children())
		require.Equal(t, Dead, c.State())
		require.False(t, k.tids.InUse(tid))
	})

	n.It("writes the encoded status", func(t *testing.T) {
		k := newTestKernel(t)

		parent, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		c := child(k, parent, Zombie)
		c.inner.exitCode = 7

		tid, err := k.Wait(parent, -1, linux.WEXITED, dataBase)
		require.NoError(t, err)
		require.Equal(t, c.Tid(), tid)

		var status int32
		require.NoError(t, parent.MM().CopyIn(dataBase, &status))
		require.Equal(t, int32(0x700), status)
	})

	n.It("reaps the child before storing its status", func(t *testing.T) {
		k := newTestKernel(t)

		parent, err := k.SpawnImage("/init", userImage(t, exitWith(0)), nil)
		require.NoError(t, err)

		c := child(k, parent, Zombie)
		c.inner.exitCode = 3

		_, err = k.Wait(parent, -1, linux.WEXITED, 0x4000_0000)
		require.Error(t, err)

		require.Empty(t, parent.Children())
		require.Equal(t, Dead, c.State())

		_, err = k.Wait(parent, -1, linux.WEXITED, dataBase)
		require.Equal(t, abi.ErrNoChild, errors.Cause(err))
	})

	n.It("separates clone children from normal ones", func(t *testing.T) {
		k := newTestKernel(t)

		c := child(k, k.init, Zombie)
		c.exitSignal = linux.SIGNONE

		_, err := k.Wait(k.init, -1, linux.WEXITED, 0)
		require.Equal(t, abi.ErrNoChild, errors.Cause(err))

		tid, err := k.Wait(k.init, -1, linux.WEXITED|linux.WCLONE, 0)
		require.NoError(t, err)
		require.Equal(t, c.Tid(), tid)
	})

	n.It("takes any child with __WALL", func(t *testing.T) {
		k := newTestKernel(t)

		c := child(k, k.init, Zombie)
		c.exitSignal = linux.SIGUSR1

		tid, err := k.Wait(k.init, -1, linux.WEXITED|linux.WALL, 0)
		require.NoError(t, err)
		require.Equal(t, c.Tid(), tid)
	})

	n.Meow()
}

func TestZombies(t *testing.T) {
	n := neko.Modern(t)

	n.It("hands the children of a zombie to init", func(t *testing.T) {
		k := newTestKernel(t)

		p := child(k, k.init, Running)
		running := child(k, p, Runnable)
		dead := child(k, p, Zombie)

		// the core's reference
		k.tasks.Acquire(p.Ref())

		p.setState(Zombie)
		k.handleZombie(p)

		require.Empty(t, p.Children())
		require.Equal(t, k.init.Ref(), running.Parent())
		require.Equal(t, k.init.Ref(), dead.Parent())
		require.ElementsMatch(t, []TaskRef{p.Ref(), running.Ref(), dead.Ref()}, k.init.Children())
		require.True(t, k.init.PendingSignals().Has(linux.SIGCHLD))

		k.tasks.Release(p.Ref())

		k.initReclaim()

		require.Equal(t, []TaskRef{running.Ref()}, k.init.Children())
		require.Equal(t, Dead, p.State())
		require.Equal(t, Dead, dead.State())
	})

	n.It("adopts a zombie whose parent is gone", func(t *testing.T) {
		k := newTestKernel(t)

		orphan := &Task{
			kernel:     k,
			tid:        k.tids.Alloc(),
			state:      Zombie,
			exitSignal: linux.SIGCHLD,
			parent:     TaskRef{Tid: 77, Gen: 3},
		}

		ref := k.tasks.Insert(orphan)
		k.tasks.Acquire(ref)

		k.handleZombie(orphan)

		require.Equal(t, k.init.Ref(), orphan.Parent())
		require.Equal(t, []TaskRef{ref}, k.init.Children())

		k.tasks.Release(ref)
		k.initReclaim()

		require.Equal(t, Dead, orphan.State())
		require.Empty(t, k.init.Children())
	})

	n.It("gives init the live children of a reaped parent", func(t *testing.T) {
		k := newTestKernel(t)

		p := child(k, k.init, Zombie)
		live := child(k, p, Running)

		_, err := k.Wait(k.init, p.Tid(), linux.WEXITED, 0)
		require.NoError(t, err)

		require.Equal(t, k.init.Ref(), live.Parent())
		require.Equal(t, []TaskRef{live.Ref()}, k.init.Children())
	})

	n.It("reattaches a stranded child when its parent is destroyed", func(t *testing.T) {
		k := newTestKernel(t)

		p := child(k, k.init, Zombie)
		k.tasks.Acquire(p.Ref())
		k.handleZombie(p)

		late := child(k, p, Runnable)

		k.initReclaim()
		require.Equal(t, Zombie, p.State())

		k.tasks.Release(p.Ref())

		require.Equal(t, Dead, p.State())
		require.Equal(t, k.init.Ref(), late.Parent())
		require.Contains(t, k.init.Children(), late.Ref())
	})

	n.Meow()
}

func TestScheduling(t *testing.T) {
	n := neko.Modern(t)

	n.It("runs a process to its exit", func(t *testing.T) {
		k := newTestKernel(t)

		task, err := k.SpawnImage("/init", userImage(t, exitWith(42)), nil)
		require.NoError(t, err)

		ctx, stop := runKernel(t, k)
		defer stop()

		code, err := k.WaitReaped(ctx, task.Ref())
		require.NoError(t, err)
		require.Equal(t, int32(42), code)

		_, err = k.WaitReaped(ctx, task.Ref())
		require.Equal(t, ErrNotWatched, errors.Cause(err))
	})

	n.It("lets a parent wait for a forked child", func(t *testing.T) {
		k := newTestKernel(t)

		image := userImage(t, func(p *asm.Program) {
			p.Li(asm.A0, int64(linux.SIGCHLD))
			p.Li(asm.A1, 0)
			p.Syscall(220)
			p.Beqz(asm.A0, "child")
			p.Bltz(asm.A0, "fail")

			p.Mv(asm.S1, asm.A0)

			p.Li(asm.A0, -1)
			p.Li(asm.A1, int64(dataBase))
			p.Li(asm.A2, 0)
			p.Syscall(260)
			p.Bne(asm.A0, asm.S1, "fail")

			p.Li(asm.T0, int64(dataBase))
			p.Lw(asm.T1, asm.T0, 0)
			p.Li(asm.T2, 0x700)
			p.Bne(asm.T1, asm.T2, "fail")

			p.Li(asm.A0, -1)
			p.Li(asm.A1, 0)
			p.Li(asm.A2, 0)
			p.Syscall(260)
			p.Li(asm.T0, -abi.ECHILD)
			p.Bne(asm.A0, asm.T0, "fail")

			p.Li(asm.A0, 0)
			p.Syscall(93)

			p.Label("fail")
			p.Li(asm.A0, 1)
			p.Syscall(93)

			p.Label("child")
			p.Syscall(124)
			p.Li(asm.A0, 7)
			p.Syscall(93)
		})

		task, err := k.SpawnImage("/init", image, nil)
		require.NoError(t, err)

		ctx, stop := runKernel(t, k)
		defer stop()

		code, err := k.WaitReaped(ctx, task.Ref())
		require.NoError(t, err)
		require.Equal(t, int32(0), code)
	})

	n.It("exits a task that faults outside its areas", func(t *testing.T) {
		k := newTestKernel(t)

		image := userImage(t, func(p *asm.Program) {
			p.Li(asm.T0, 0x4000_0000)
			p.Sd(asm.Zero, asm.T0, 0)
			p.Li(asm.A0, 0)
			p.Syscall(93)
		})

		task, err := k.SpawnImage("/init", image, nil)
		require.NoError(t, err)

		ctx, stop := runKernel(t, k)
		defer stop()

		code, err := k.WaitReaped(ctx, task.Ref())
		require.NoError(t, err)
		require.Equal(t, int32(-1), code)
	})

	n.It("faults in lazily mapped pages", func(t *testing.T) {
		k := newTestKernel(t)

		image := userImage(t, func(p *asm.Program) {
			p.Li(asm.A0, 0)
			p.Syscall(214)
			p.Mv(asm.S1, asm.A0)

			p.Li(asm.T0, 4096)
			p.Add(asm.A0, asm.S1, asm.T0)
			p.Syscall(214)

			p.Li(asm.T0, 5)
			p.Sd(asm.T0, asm.S1, 0)
			p.Ld(asm.A0, asm.S1, 0)
			p.Syscall(93)
		})

		task, err := k.SpawnImage("/init", image, nil)
		require.NoError(t, err)

		ctx, stop := runKernel(t, k)
		defer stop()

		code, err := k.WaitReaped(ctx, task.Ref())
		require.NoError(t, err)
		require.Equal(t, int32(5), code)
	})

	n.It("forces long running tasks to share the cores", func(t *testing.T) {
		k := newTestKernel(t)

		spin := userImage(t, func(p *asm.Program) {
			p.Li(asm.T0, 20000)
			p.Label("loop")
			p.Addi(asm.T0, asm.T0, -1)
			p.Bnez(asm.T0, "loop")
			p.Li(asm.A0, 9)
			p.Syscall(93)
		})

		var tasks []*Task
		for i := 0; i < 4; i++ {
			task, err := k.SpawnImage("/spin", spin, nil)
			require.NoError(t, err)
			tasks = append(tasks, task)
		}

		ctx, stop := runKernel(t, k)
		defer stop()

		for _, task := range tasks {
			code, err := k.WaitReaped(ctx, task.Ref())
			require.NoError(t, err)
			require.Equal(t, int32(9), code)
		}

		require.Equal(t, 1, k.tasks.Len())
	})

	n.It("reports exit codes to concurrent waiters", func(t *testing.T) {
		k := newTestKernel(t)

		var tasks []*Task
		for i := 0; i < 6; i++ {
			task, err := k.SpawnImage("/quick", userImage(t, exitWith(int64(10+i))), nil)
			require.NoError(t, err)
			tasks = append(tasks, task)
		}

		ctx, stop := runKernel(t, k)
		defer stop()

		codes := make([]int32, len(tasks))

		var g errgroup.Group
		for i, task := range tasks {
			i, ref := i, task.Ref()
			g.Go(func() error {
				code, err := k.WaitReaped(ctx, ref)
				codes[i] = code
				return err
			})
		}

		require.NoError(t, g.Wait())

		for i, code := range codes {
			require.Equal(t, int32(10+i), code)
		}
	})

	n.It("refuses to run twice", func(t *testing.T) {
		k := newTestKernel(t)

		_, stop := runKernel(t, k)
		defer stop()

		require.Eventually(t, func() bool {
			return k.running.Load()
		}, time.Second, time.Millisecond)

		require.Equal(t, ErrAlreadyRunning, k.Run(context.Background()))
	})

	n.Meow()
}
