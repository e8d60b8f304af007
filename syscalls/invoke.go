package syscalls

import (
	"context"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/kernel"
	"github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/riscv"
	hclog "github.com/hashicorp/go-hclog"
)

// Invoker dispatches ecalls through the Syscalls table.
type Invoker struct {
	L hclog.Logger
}

func (i *Invoker) logger() hclog.Logger {
	if i.L != nil {
		return i.L
	}

	return log.L
}

func (i *Invoker) InvokeSyscall(ctx context.Context, t *kernel.Task, tf *riscv.TrapFrame) int64 {
	args := argsFrom(tf)

	if args.Index < uint64(len(Syscalls)) {
		if f := Syscalls[args.Index]; f != nil {
			return f(ctx, i.logger(), t, args)
		}
	}

	i.logger().Debug("unsupported syscall", "tid", t.Tid(), "number", args.Index)

	return -abi.ENOSYS
}
