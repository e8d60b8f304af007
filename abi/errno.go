package abi

import "golang.org/x/sys/unix"

// Errno values returned (negated) through a0.
const (
	EPERM   = int64(unix.EPERM)
	ENOENT  = int64(unix.ENOENT)
	ESRCH   = int64(unix.ESRCH)
	EINTR   = int64(unix.EINTR)
	EIO     = int64(unix.EIO)
	ENOEXEC = int64(unix.ENOEXEC)
	EBADF   = int64(unix.EBADF)
	ECHILD  = int64(unix.ECHILD)
	EAGAIN  = int64(unix.EAGAIN)
	ENOMEM  = int64(unix.ENOMEM)
	EFAULT  = int64(unix.EFAULT)
	ENOTDIR = int64(unix.ENOTDIR)
	EISDIR  = int64(unix.EISDIR)
	EINVAL  = int64(unix.EINVAL)
	EMFILE  = int64(unix.EMFILE)
	ESPIPE  = int64(unix.ESPIPE)
	EPIPE   = int64(unix.EPIPE)
	ELOOP   = int64(unix.ELOOP)
	ENOSYS  = int64(unix.ENOSYS)
)
