package kernel

import (
	"context"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/exec"
	"github.com/evanphx/rafos/mm"
	"github.com/evanphx/rafos/riscv"
)

// taskMain is the kernel side of a user task. It bounces between user mode
// and trap handling until the task exits.
func (k *Kernel) taskMain(t *Task) func(cpu int) {
	return func(cpu int) {
		t.inner.cpu = cpu

		ctx := SetTask(context.Background(), t)

		for {
			k.runUser(ctx, t)
		}
	}
}

// runUser returns to user mode once and handles the trap that ends it.
func (k *Kernel) runUser(ctx context.Context, t *Task) {
	h := k.cpus[t.inner.cpu].Hart

	if err := riscv.UserRet(h, t.TrapFrameVA(), t.inner.mm.Token()); err != nil {
		k.faults.Error("return to user failed", "tid", t.tid, "error", err)
		k.Exit(t, -1)
	}

	cause := h.RunUser(uint64(k.cfg.Timeslice))

	handler, err := riscv.UserVec(h)
	if err != nil {
		k.faults.Error("trap entry failed", "tid", t.tid, "cause", cause, "error", err)
		k.Exit(t, -1)
	}

	if handler != UserTrapHandler {
		k.faults.Error("trap frame names unknown handler", "tid", t.tid, "handler", handler)
		k.Exit(t, -1)
	}

	switch cause {
	case exec.CauseUserEcall:
		k.syscall(ctx, t)
	case exec.CauseTimer:
		k.Yield(t)
	case exec.CauseInstPageFault, exec.CauseLoadPageFault, exec.CauseStorePageFault:
		k.pageFault(t, h, cause)
	default:
		k.faults.Warn("unsupported trap", "tid", t.tid, "cause", cause, "epc", h.Sepc, "tval", h.Stval)
		k.Exit(t, -1)
	}
}

func (k *Kernel) pageFault(t *Task, h *exec.Hart, cause uint64) {
	var access mm.VMFlags

	switch cause {
	case exec.CauseInstPageFault:
		access = mm.VMExec | mm.VMUser
	case exec.CauseLoadPageFault:
		access = mm.VMRead | mm.VMUser
	default:
		access = mm.VMWrite | mm.VMUser
	}

	if err := t.inner.mm.HandlePageFault(h.Stval, access); err != nil {
		k.faults.Warn("fatal page fault", "tid", t.tid, "addr", h.Stval, "epc", h.Sepc, "access", access, "error", err)
		k.Exit(t, -1)
	}
}

// syscall steps past the ecall before dispatching, so a frame copied by
// clone resumes after it too. The result is written into whatever frame
// the call left behind, which after exec is the new program's.
func (k *Kernel) syscall(ctx context.Context, t *Task) {
	tf, err := t.TrapFrame()
	if err != nil {
		k.faults.Error("loading trap frame", "tid", t.tid, "error", err)
		k.Exit(t, -1)
	}

	tf.UserEPC += 4

	if err := t.SetTrapFrame(tf); err != nil {
		k.faults.Error("storing trap frame", "tid", t.tid, "error", err)
		k.Exit(t, -1)
	}

	ret := -abi.ENOSYS
	if k.sys != nil {
		ret = k.sys.InvokeSyscall(ctx, t, tf)
	}

	tf, err = t.TrapFrame()
	if err != nil {
		k.faults.Error("loading trap frame", "tid", t.tid, "error", err)
		k.Exit(t, -1)
	}

	tf.SetReturn(uint64(ret))

	if err := t.SetTrapFrame(tf); err != nil {
		k.faults.Error("storing trap frame", "tid", t.tid, "error", err)
		k.Exit(t, -1)
	}
}
