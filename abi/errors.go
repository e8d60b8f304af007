package abi

import "github.com/pkg/errors"

var (
	ErrInvalidArgs        = errors.New("invalid arguments")
	ErrFrameAllocFailed   = errors.New("frame allocation failed")
	ErrVMAAllocFailed     = errors.New("vma allocation failed")
	ErrTooManyMappings    = errors.New("too many mappings")
	ErrPageTableInvalid   = errors.New("page table invalid")
	ErrPageUnmapped       = errors.New("page unmapped")
	ErrVMANotFound        = errors.New("vma not found")
	ErrPageFault          = errors.New("fatal page fault")
	ErrELFInvalidHeader   = errors.New("invalid elf header")
	ErrELFInvalidSegment  = errors.New("invalid elf segment")
	ErrFDNotFound         = errors.New("file descriptor not found")
	ErrFDOutOfBound       = errors.New("file descriptor out of bound")
	ErrNoChild            = errors.New("no such child")
	ErrNoProcess          = errors.New("no such process")
	ErrWouldBlock         = errors.New("operation would block")
	ErrBrokenPipe         = errors.New("broken pipe")
	ErrNotReadable        = errors.New("file not readable")
	ErrNotWritable        = errors.New("file not writable")
	ErrNotSeekable        = errors.New("file not seekable")
	ErrUnsupportedSyscall = errors.New("unsupported syscall")
	ErrNoEntry            = errors.New("no such file or directory")
	ErrNotDirectory       = errors.New("not a directory")
	ErrIsDirectory        = errors.New("is a directory")
	ErrNotSymlink         = errors.New("not a symlink")
	ErrSymlinkLoop        = errors.New("too many levels of symbolic links")
)

var errnos = map[error]int64{
	ErrInvalidArgs:        EINVAL,
	ErrFrameAllocFailed:   ENOMEM,
	ErrVMAAllocFailed:     ENOMEM,
	ErrTooManyMappings:    ENOMEM,
	ErrPageTableInvalid:   EFAULT,
	ErrPageUnmapped:       EFAULT,
	ErrVMANotFound:        EFAULT,
	ErrPageFault:          EFAULT,
	ErrELFInvalidHeader:   ENOEXEC,
	ErrELFInvalidSegment:  ENOEXEC,
	ErrFDNotFound:         EBADF,
	ErrFDOutOfBound:       EMFILE,
	ErrNoChild:            ECHILD,
	ErrNoProcess:          ESRCH,
	ErrWouldBlock:         EAGAIN,
	ErrBrokenPipe:         EPIPE,
	ErrNotReadable:        EBADF,
	ErrNotWritable:        EBADF,
	ErrNotSeekable:        ESPIPE,
	ErrUnsupportedSyscall: ENOSYS,
	ErrNoEntry:            ENOENT,
	ErrNotDirectory:       ENOTDIR,
	ErrIsDirectory:        EISDIR,
	ErrNotSymlink:         EINVAL,
	ErrSymlinkLoop:        ELOOP,
}

// ToErrno maps a kernel error to the errno handed back to user code.
// Errors outside the kernel taxonomy become EIO.
func ToErrno(err error) int64 {
	if err == nil {
		return 0
	}

	if errno, ok := errnos[errors.Cause(err)]; ok {
		return errno
	}

	return EIO
}
