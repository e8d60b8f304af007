package syscalls

import (
	"context"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// sysClone takes the riscv64 argument order: flags, stack, parent tid
// pointer, tls, child tid pointer.
func sysClone(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	ca := kernel.CloneArgs{
		Flags:     linux.CloneFlags(args.Args.R0),
		Stack:     args.Args.R1,
		ParentTid: args.Args.R2,
		TLS:       args.Args.R3,
		ChildTid:  args.Args.R4,
	}

	tid, err := task.Kernel().Clone(task, ca)
	if err != nil {
		l.Debug("error cloning task", "tid", task.Tid(), "flags", ca.Flags, "error", err)
		return errno(err)
	}

	return int64(tid)
}

func sysThreadCreate(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	tid, err := task.Kernel().ThreadCreate(task, args.Args.R0, args.Args.R1)
	if err != nil {
		l.Debug("error creating thread", "tid", task.Tid(), "error", err)
		return errno(err)
	}

	return int64(tid)
}

func sysWait4(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		pid      = int32(args.Args.R0)
		statAddr = args.Args.R1
		options  = linux.WaitOptions(args.Args.R2)
	)

	if uint64(options) != args.Args.R2 || !options.ValidWait4() {
		return -abi.EINVAL
	}

	tid, err := task.Kernel().Wait(task, int(pid), options|linux.WEXITED, statAddr)
	if err != nil {
		return errno(err)
	}

	if tid != 0 {
		l.Trace("wait4-found-child", "tid", task.Tid(), "child", tid)
	}

	return int64(tid)
}

func sysSetTidAddress(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	task.SetClearChildTid(args.Args.R0)
	return int64(task.Tid())
}

func init() {
	Syscalls[SysClone] = sysClone
	Syscalls[SysThreadCreate] = sysThreadCreate
	Syscalls[SysWait4] = sysWait4
	Syscalls[SysSetTidAddress] = sysSetTidAddress
}
