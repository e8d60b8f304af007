package syscalls

import (
	"context"

	"github.com/evanphx/rafos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysGetpid(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	return int64(task.Pid())
}

func sysGetppid(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	return int64(task.Ppid())
}

func sysGettid(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	return int64(task.Tid())
}

func sysSchedYield(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	task.Kernel().Yield(task)
	return 0
}

func init() {
	Syscalls[SysGetpid] = sysGetpid
	Syscalls[SysGetppid] = sysGetppid
	Syscalls[SysGettid] = sysGettid
	Syscalls[SysSchedYield] = sysSchedYield
}
