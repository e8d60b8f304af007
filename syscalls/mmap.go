package syscalls

import (
	"context"

	"github.com/evanphx/rafos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// sysBrk never fails; an unsatisfiable request returns the current break.
func sysBrk(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	return int64(task.MM().SetBrk(args.Args.R0))
}

// sysMmap passes the length through as given. An unaligned hint or length
// is rejected with EINVAL, not rounded.
func sysMmap(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		hint   = args.Args.R0
		length = args.Args.R1
		prot   = int(int32(args.Args.R2))
		flags  = int(int32(args.Args.R3))
		fd     = int64(int32(args.Args.R4))
		off    = args.Args.R5
	)

	addr, err := task.MM().DoMmap(hint, length, prot, flags, fd, off)
	if err != nil {
		l.Debug("mmap failed", "tid", task.Tid(), "hint", hint, "len", length, "error", err)
		return errno(err)
	}

	return int64(addr)
}

func sysMunmap(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	if err := task.MM().DoMunmap(args.Args.R0, args.Args.R1); err != nil {
		return errno(err)
	}

	return 0
}

func sysMprotect(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	if err := task.MM().Mprotect(args.Args.R0, args.Args.R1, int(int32(args.Args.R2))); err != nil {
		return errno(err)
	}

	return 0
}

func init() {
	Syscalls[SysBrk] = sysBrk
	Syscalls[SysMmap] = sysMmap
	Syscalls[SysMunmap] = sysMunmap
	Syscalls[SysMprotect] = sysMprotect
}
