package kernel

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/fs"
	"github.com/pkg/errors"
)

// File is an open file as seen through a descriptor. The implementations
// are Console, InodeFile and the two ends of a Pipe.
type File interface {
	Readable() bool
	Writable() bool
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Seeker is implemented by files with a position.
type Seeker interface {
	Seek(offset int64, whence int) (int64, error)
}

// Description is an open file shared by every descriptor dup'd or
// inherited from the same open. The file is closed with the last one.
type Description struct {
	File

	refs atomic.Int32
}

func NewDescription(f File) *Description {
	d := &Description{File: f}
	d.refs.Store(1)
	return d
}

func (d *Description) incRef() {
	d.refs.Add(1)
}

func (d *Description) decRef() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}

	return d.File.Close()
}

// Console connects a task to the host's stdio. Writes from different
// cores are serialized.
type Console struct {
	In  io.Reader
	Out io.Writer

	mu sync.Mutex
}

func (c *Console) Readable() bool { return c.In != nil }
func (c *Console) Writable() bool { return c.Out != nil }

func (c *Console) Read(p []byte) (int, error) {
	if c.In == nil {
		return 0, abi.ErrNotReadable
	}

	n, err := c.In.Read(p)
	if err == io.EOF {
		return n, nil
	}

	return n, err
}

func (c *Console) Write(p []byte) (int, error) {
	if c.Out == nil {
		return 0, abi.ErrNotWritable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.Out.Write(p)
}

func (c *Console) Close() error {
	return nil
}

// InodeFile reads a file from the mounted filesystem. It is read only.
type InodeFile struct {
	Dirent *fs.Dirent

	mu sync.Mutex
	r  io.ReadSeeker
}

func OpenInode(d *fs.Dirent) (*InodeFile, error) {
	r, err := d.Reader()
	if err != nil {
		return nil, err
	}

	return &InodeFile{Dirent: d, r: r}, nil
}

func (f *InodeFile) Readable() bool { return true }
func (f *InodeFile) Writable() bool { return false }

func (f *InodeFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, nil
	}

	return n, err
}

func (f *InodeFile) Write(p []byte) (int, error) {
	return 0, abi.ErrNotWritable
}

func (f *InodeFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch whence {
	case linux.SEEK_SET, linux.SEEK_CUR, linux.SEEK_END:
	default:
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "whence %d", whence)
	}

	pos, err := f.r.Seek(offset, whence)
	if err != nil {
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "seek: %s", err)
	}

	return pos, nil
}

func (f *InodeFile) Close() error {
	if c, ok := f.r.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// PipeSize is how many bytes a pipe buffers before writers are told to
// wait.
const PipeSize = 16 * 4096

type pipe struct {
	mu      sync.Mutex
	buf     []byte
	readers int
	writers int
}

// PipeReader and PipeWriter are the two ends of a pipe. Operations that
// cannot make progress return abi.ErrWouldBlock; the caller yields and
// retries.
type PipeReader struct{ p *pipe }
type PipeWriter struct{ p *pipe }

func NewPipe() (*PipeReader, *PipeWriter) {
	p := &pipe{readers: 1, writers: 1}
	return &PipeReader{p}, &PipeWriter{p}
}

func (r *PipeReader) Readable() bool { return true }
func (r *PipeReader) Writable() bool { return false }

func (r *PipeReader) Read(b []byte) (int, error) {
	p := r.p

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		if p.writers == 0 {
			return 0, nil
		}

		if len(b) == 0 {
			return 0, nil
		}

		return 0, abi.ErrWouldBlock
	}

	n := copy(b, p.buf)
	p.buf = p.buf[n:]

	return n, nil
}

func (r *PipeReader) Write(b []byte) (int, error) {
	return 0, abi.ErrNotWritable
}

func (r *PipeReader) Close() error {
	p := r.p

	p.mu.Lock()
	p.readers--
	p.mu.Unlock()

	return nil
}

func (w *PipeWriter) Readable() bool { return false }
func (w *PipeWriter) Writable() bool { return true }

func (w *PipeWriter) Read(b []byte) (int, error) {
	return 0, abi.ErrNotReadable
}

func (w *PipeWriter) Write(b []byte) (int, error) {
	p := w.p

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readers == 0 {
		return 0, abi.ErrBrokenPipe
	}

	room := PipeSize - len(p.buf)
	if room == 0 && len(b) > 0 {
		return 0, abi.ErrWouldBlock
	}

	n := min(room, len(b))
	p.buf = append(p.buf, b[:n]...)

	return n, nil
}

func (w *PipeWriter) Close() error {
	p := w.p

	p.mu.Lock()
	p.writers--
	p.mu.Unlock()

	return nil
}
