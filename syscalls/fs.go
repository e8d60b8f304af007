package syscalls

import (
	"context"
	"path"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/fs"
	"github.com/evanphx/rafos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// PathMax bounds path strings read from user memory.
const PathMax = 4096

func sysOpenat(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		dirfd = int32(args.Args.R0)
		ptr   = args.Args.R1
		flags = args.Args.R2
	)

	p, err := task.MM().GetStr(ptr, PathMax)
	if err != nil {
		l.Debug("error reading cstring", "error", err)
		return errno(err)
	}

	if !path.IsAbs(p) && dirfd != linux.AT_FDCWD {
		return -abi.EBADF
	}

	if flags&linux.O_ACCMODE != linux.O_RDONLY || flags&linux.O_CREAT != 0 {
		return -abi.EPERM
	}

	mount := task.Kernel().Mount
	if mount == nil {
		return -abi.ENOENT
	}

	full := fs.Resolve(task.FSInfo().CurrentDir(), p)

	l.Trace("open file", "path", full, "flags", flags)

	d, err := mount.LookupPath(ctx, full)
	if err != nil {
		return errno(err)
	}

	f, err := kernel.OpenInode(d)
	if err != nil {
		return errno(err)
	}

	fd, err := task.Files().Install(f, flags&linux.O_CLOEXEC != 0)
	if err != nil {
		f.Close()
		return errno(err)
	}

	return int64(fd)
}

func init() {
	Syscalls[SysOpenat] = sysOpenat
}
