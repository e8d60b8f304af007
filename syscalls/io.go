package syscalls

import (
	"context"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// maxIO caps how much a single read or write moves.
const maxIO = 1 << 20

// lookupFD resolves a descriptor argument. Any failure is EBADF.
func lookupFD(task *kernel.Task, raw uint64) (*kernel.Description, bool) {
	d, err := task.Files().Lookup(int(int32(raw)))
	if err != nil {
		return nil, false
	}

	return d, true
}

// retry runs op until it stops asking to wait, yielding the core in
// between.
func retry(task *kernel.Task, op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if errors.Cause(err) != abi.ErrWouldBlock {
			return n, err
		}

		task.Kernel().Yield(task)
	}
}

func sysRead(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fd  = args.Args.R0
		ptr = args.Args.R1
		sz  = args.Args.R2
	)

	d, ok := lookupFD(task, fd)
	if !ok || !d.Readable() {
		return -abi.EBADF
	}

	if sz > maxIO {
		sz = maxIO
	}

	// Nothing is taken from the file unless it has somewhere to go.
	if _, err := task.MM().GetBufMut(ptr, int(sz)); err != nil {
		return -abi.EFAULT
	}

	data := make([]byte, sz)

	n, err := retry(task, func() (int, error) { return d.Read(data) })
	if err != nil {
		l.Debug("read failed", "tid", task.Tid(), "fd", int32(fd), "error", err)
		return errno(err)
	}

	if err := task.MM().WriteBytes(ptr, data[:n]); err != nil {
		return -abi.EFAULT
	}

	return int64(n)
}

func sysWrite(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fd  = args.Args.R0
		ptr = args.Args.R1
		sz  = args.Args.R2
	)

	d, ok := lookupFD(task, fd)
	if !ok || !d.Writable() {
		return -abi.EBADF
	}

	if sz > maxIO {
		sz = maxIO
	}

	data, err := task.MM().ReadBytes(ptr, int(sz))
	if err != nil {
		l.Debug("error reading data from userspace", "tid", task.Tid(), "error", err)
		return -abi.EFAULT
	}

	n, err := retry(task, func() (int, error) { return d.Write(data) })
	if err != nil {
		l.Debug("write failed", "tid", task.Tid(), "fd", int32(fd), "error", err)
		return errno(err)
	}

	return int64(n)
}

func sysClose(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	fd := int(int32(args.Args.R0))

	if err := task.Files().Close(fd); err != nil {
		switch errors.Cause(err) {
		case abi.ErrFDNotFound, abi.ErrFDOutOfBound:
			return -abi.EBADF
		}

		l.Error("error closing fd", "error", err, "fd", fd)
		return errno(err)
	}

	return 0
}

func sysDup(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	fd := int(int32(args.Args.R0))

	if _, ok := lookupFD(task, args.Args.R0); !ok {
		return -abi.EBADF
	}

	nfd, err := task.Files().Dup(fd)
	if err != nil {
		return errno(err)
	}

	return int64(nfd)
}

func sysPipe2(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fdsAddr = args.Args.R0
		flags   = args.Args.R1
	)

	if flags&^linux.O_CLOEXEC != 0 {
		return -abi.EINVAL
	}

	cloexec := flags&linux.O_CLOEXEC != 0

	files := task.Files()
	r, w := kernel.NewPipe()

	rfd, err := files.Install(r, cloexec)
	if err != nil {
		return errno(err)
	}

	wfd, err := files.Install(w, cloexec)
	if err != nil {
		files.Close(rfd)
		return errno(err)
	}

	if err := task.MM().CopyOut(fdsAddr, [2]int32{int32(rfd), int32(wfd)}); err != nil {
		files.Close(rfd)
		files.Close(wfd)
		return -abi.EFAULT
	}

	l.Trace("pipe", "tid", task.Tid(), "read", rfd, "write", wfd)

	return 0
}

func sysLseek(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fd     = args.Args.R0
		offset = int64(args.Args.R1)
		whence = int(int32(args.Args.R2))
	)

	d, ok := lookupFD(task, fd)
	if !ok {
		return -abi.EBADF
	}

	s, ok := d.File.(kernel.Seeker)
	if !ok {
		return -abi.ESPIPE
	}

	pos, err := s.Seek(offset, whence)
	if err != nil {
		return errno(err)
	}

	return pos
}

func init() {
	Syscalls[SysRead] = sysRead
	Syscalls[SysWrite] = sysWrite
	Syscalls[SysClose] = sysClose
	Syscalls[SysDup] = sysDup
	Syscalls[SysPipe2] = sysPipe2
	Syscalls[SysLseek] = sysLseek
}
