package syscalls

import (
	"context"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// sigSetSize is the only sigsetsize rt_sig* calls accept.
const sigSetSize = 8

func sysKill(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		pid = int32(args.Args.R0)
		sig = linux.Signal(int32(args.Args.R1))
	)

	if pid <= 0 {
		// Process groups are not tracked; only direct pids are accepted.
		return -abi.EINVAL
	}

	if err := task.Kernel().Kill(int(pid), sig); err != nil {
		return errno(err)
	}

	return 0
}

func sysRtSigaction(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		sig     = linux.Signal(int32(args.Args.R0))
		actAddr = args.Args.R1
		oldAddr = args.Args.R2
		size    = args.Args.R3
	)

	if size != sigSetSize || !sig.Valid() {
		return -abi.EINVAL
	}

	actions := task.SigActions()
	old := actions.Get(sig)

	if actAddr != 0 {
		var act linux.SigAction

		if err := task.MM().CopyIn(actAddr, &act); err != nil {
			l.Debug("error copying sigaction", "error", err)
			return -abi.EFAULT
		}

		var err error
		old, err = actions.Set(sig, act)
		if err != nil {
			return errno(err)
		}
	}

	if oldAddr != 0 {
		if err := task.MM().CopyOut(oldAddr, old); err != nil {
			return -abi.EFAULT
		}
	}

	return 0
}

func sysRtSigprocmask(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		how     = int(int32(args.Args.R0))
		setAddr = args.Args.R1
		oldAddr = args.Args.R2
		size    = args.Args.R3
	)

	if size != sigSetSize {
		return -abi.EINVAL
	}

	old := task.BlockedSignals()

	if setAddr != 0 {
		var set linux.SigSet

		if err := task.MM().CopyIn(setAddr, &set); err != nil {
			return -abi.EFAULT
		}

		var err error
		old, err = task.SetSignalMask(how, set)
		if err != nil {
			return errno(err)
		}
	}

	if oldAddr != 0 {
		if err := task.MM().CopyOut(oldAddr, old); err != nil {
			return -abi.EFAULT
		}
	}

	return 0
}

func init() {
	Syscalls[SysKill] = sysKill
	Syscalls[SysRtSigaction] = sysRtSigaction
	Syscalls[SysRtSigprocmask] = sysRtSigprocmask
}
