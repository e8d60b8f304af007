package syscalls

import (
	"context"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/kernel"
	"github.com/evanphx/rafos/riscv"
	hclog "github.com/hashicorp/go-hclog"
)

// Linux riscv64 syscall numbers, plus the kernel's own thread_create.
const (
	SysDup           = 23
	SysOpenat        = 56
	SysClose         = 57
	SysPipe2         = 59
	SysLseek         = 62
	SysRead          = 63
	SysWrite         = 64
	SysExit          = 93
	SysExitGroup     = 94
	SysSetTidAddress = 96
	SysClockGettime  = 113
	SysSchedYield    = 124
	SysKill          = 129
	SysRtSigaction   = 134
	SysRtSigprocmask = 135
	SysGetpid        = 172
	SysGetppid       = 173
	SysGettid        = 178
	SysBrk           = 214
	SysMunmap        = 215
	SysClone         = 220
	SysExecve        = 221
	SysMmap          = 222
	SysMprotect      = 226
	SysWait4         = 260
	SysThreadCreate  = 1001
)

type SysArgs struct {
	Index uint64
	Args  SyscallRequest
}

type SyscallRequest struct {
	R0, R1, R2, R3, R4, R5 uint64
}

func argsFrom(tf *riscv.TrapFrame) SysArgs {
	return SysArgs{
		Index: tf.SyscallNumber(),
		Args: SyscallRequest{
			R0: tf.Arg(0),
			R1: tf.Arg(1),
			R2: tf.Arg(2),
			R3: tf.Arg(3),
			R4: tf.Arg(4),
			R5: tf.Arg(5),
		},
	}
}

type Handler func(context.Context, hclog.Logger, *kernel.Task, SysArgs) int64

var Syscalls [1024]Handler

// errno turns a kernel error into the negative value returned in a0.
func errno(err error) int64 {
	return -abi.ToErrno(err)
}
