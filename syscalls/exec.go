package syscalls

import (
	"context"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// MaxArgs bounds argv arrays handed to execve.
const MaxArgs = 1024

func copyStringArray(task *kernel.Task, addr uint64) ([]string, error) {
	var args []string

	if addr == 0 {
		return nil, nil
	}

	for ptr := addr; ; ptr += 8 {
		var str uint64
		if err := task.MM().CopyIn(ptr, &str); err != nil {
			return nil, err
		}

		if str == 0 {
			break
		}

		if len(args) == MaxArgs {
			return nil, errors.Wrapf(abi.ErrInvalidArgs, "more than %d args", MaxArgs)
		}

		s, err := task.MM().GetStr(str, PathMax)
		if err != nil {
			return nil, err
		}

		args = append(args, s)
	}

	return args, nil
}

func sysExecve(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		pathAddr = args.Args.R0
		argvAddr = args.Args.R1
	)

	path, err := task.MM().GetStr(pathAddr, PathMax)
	if err != nil {
		l.Debug("error reading path addr", "error", err)
		return errno(err)
	}

	execArgs, err := copyStringArray(task, argvAddr)
	if err != nil {
		l.Debug("error copying argv data", "error", err)
		return errno(err)
	}

	argc, err := task.Kernel().Exec(ctx, task, path, execArgs)
	if err != nil {
		if errors.Cause(err) == kernel.ErrNoMount {
			return -abi.ENOENT
		}

		l.Debug("unable to exec", "error", err, "path", path)
		return errno(err)
	}

	return int64(argc)
}

func sysExit(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	task.Kernel().Exit(task, int32(args.Args.R0))
	return 0
}

func init() {
	Syscalls[SysExecve] = sysExecve
	Syscalls[SysExit] = sysExit
	Syscalls[SysExitGroup] = sysExit
}
