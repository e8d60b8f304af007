package syscalls

import (
	"context"
	"time"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

type timespec struct {
	Sec  int64
	NSec int64
}

const (
	clockRealtime  = 0
	clockMonotonic = 1
	clockBoottime  = 7
)

var start = time.Now()

func sysClockGetTime(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		clk = int32(args.Args.R0)
		ptr = args.Args.R1
	)

	var ts timespec

	switch clk {
	case clockRealtime:
		t := time.Now()
		ts = timespec{
			Sec:  t.Unix(),
			NSec: int64(t.Nanosecond()),
		}
	case clockMonotonic, clockBoottime:
		ns := time.Since(start).Nanoseconds()
		ts = timespec{
			Sec:  ns / 1000000000,
			NSec: ns % 1000000000,
		}
	default:
		return -abi.EINVAL
	}

	if err := task.MM().CopyOut(ptr, ts); err != nil {
		return -abi.EFAULT
	}

	return 0
}

func init() {
	Syscalls[SysClockGettime] = sysClockGetTime
}
