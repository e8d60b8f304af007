package kernel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/evanphx/rafos/abi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

type countingFile struct {
	Console
	closed int
}

func (c *countingFile) Close() error {
	c.closed++
	return nil
}

func TestFDTable(t *testing.T) {
	n := neko.Modern(t)

	n.It("installs at the lowest free descriptor", func(t *testing.T) {
		ft := NewFDTable(8)

		for i := 0; i < 3; i++ {
			fd, err := ft.Install(&Console{}, false)
			require.NoError(t, err)
			require.Equal(t, i, fd)
		}

		require.NoError(t, ft.Close(1))

		fd, err := ft.Install(&Console{}, false)
		require.NoError(t, err)
		require.Equal(t, 1, fd)
	})

	n.It("reports missing and out of range descriptors", func(t *testing.T) {
		ft := NewFDTable(4)

		_, err := ft.Lookup(2)
		require.Equal(t, abi.ErrFDNotFound, errors.Cause(err))

		_, err = ft.Lookup(4)
		require.Equal(t, abi.ErrFDOutOfBound, errors.Cause(err))

		_, err = ft.Lookup(-1)
		require.Equal(t, abi.ErrFDOutOfBound, errors.Cause(err))
	})

	n.It("refuses to grow past the limit", func(t *testing.T) {
		ft := NewFDTable(3)

		for i := 0; i < 3; i++ {
			_, err := ft.Install(&Console{}, false)
			require.NoError(t, err)
		}

		_, err := ft.Install(&Console{}, false)
		require.Equal(t, abi.ErrFDOutOfBound, errors.Cause(err))

		_, err = ft.Dup(0)
		require.Equal(t, abi.ErrFDOutOfBound, errors.Cause(err))
	})

	n.It("closes a description with its last descriptor", func(t *testing.T) {
		ft := NewFDTable(8)
		f := &countingFile{}

		fd, err := ft.Install(f, false)
		require.NoError(t, err)

		dup, err := ft.Dup(fd)
		require.NoError(t, err)
		require.Equal(t, 1, dup)

		require.NoError(t, ft.Close(fd))
		require.Zero(t, f.closed)

		require.NoError(t, ft.Close(dup))
		require.Equal(t, 1, f.closed)
	})

	n.It("shares descriptions with a clone", func(t *testing.T) {
		ft := NewFDTable(8)
		f := &countingFile{}

		_, err := ft.Install(f, false)
		require.NoError(t, err)

		c := ft.Clone()
		require.Equal(t, 1, c.Len())

		a, err := ft.Lookup(0)
		require.NoError(t, err)

		b, err := c.Lookup(0)
		require.NoError(t, err)
		require.Same(t, a, b)

		ft.Put()
		require.Zero(t, f.closed)

		c.Put()
		require.Equal(t, 1, f.closed)
	})

	n.It("keeps descriptors open while the table is shared", func(t *testing.T) {
		ft := NewFDTable(8)
		f := &countingFile{}

		_, err := ft.Install(f, false)
		require.NoError(t, err)

		ft.Get()
		ft.Put()
		require.Zero(t, f.closed)
		require.Equal(t, 1, ft.Len())

		ft.Put()
		require.Equal(t, 1, f.closed)
		require.Zero(t, ft.Len())
	})

	n.It("drops close-on-exec descriptors", func(t *testing.T) {
		ft := NewFDTable(8)

		keep, err := ft.Install(&Console{}, false)
		require.NoError(t, err)

		drop, err := ft.Install(&Console{}, true)
		require.NoError(t, err)

		flip, err := ft.Install(&Console{}, false)
		require.NoError(t, err)
		require.NoError(t, ft.SetCloseOnExec(flip, true))

		dup, err := ft.Dup(drop)
		require.NoError(t, err)

		ft.CloseOnExec()

		_, err = ft.Lookup(keep)
		require.NoError(t, err)

		_, err = ft.Lookup(dup)
		require.NoError(t, err)

		_, err = ft.Lookup(drop)
		require.Equal(t, abi.ErrFDNotFound, errors.Cause(err))

		_, err = ft.Lookup(flip)
		require.Equal(t, abi.ErrFDNotFound, errors.Cause(err))
	})

	n.Meow()
}

func TestPipe(t *testing.T) {
	n := neko.Modern(t)

	n.It("moves bytes from the writer to the reader", func(t *testing.T) {
		r, w := NewPipe()

		n, err := w.Write([]byte("hello"))
		require.NoError(t, err)
		require.Equal(t, 5, n)

		buf := make([]byte, 3)

		n, err = r.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "hel", string(buf[:n]))

		n, err = r.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "lo", string(buf[:n]))
	})

	n.It("asks an empty reader to wait while a writer exists", func(t *testing.T) {
		r, w := NewPipe()

		_, err := r.Read(make([]byte, 4))
		require.Equal(t, abi.ErrWouldBlock, err)

		require.NoError(t, w.Close())

		n, err := r.Read(make([]byte, 4))
		require.NoError(t, err)
		require.Zero(t, n)
	})

	n.It("fills up and breaks", func(t *testing.T) {
		r, w := NewPipe()

		big := make([]byte, PipeSize+10)

		n, err := w.Write(big)
		require.NoError(t, err)
		require.Equal(t, PipeSize, n)

		_, err = w.Write([]byte("x"))
		require.Equal(t, abi.ErrWouldBlock, err)

		require.NoError(t, r.Close())

		_, err = w.Write([]byte("x"))
		require.Equal(t, abi.ErrBrokenPipe, err)
	})

	n.It("only reads from the read end", func(t *testing.T) {
		r, w := NewPipe()

		require.True(t, r.Readable())
		require.False(t, r.Writable())
		require.False(t, w.Readable())
		require.True(t, w.Writable())

		_, err := r.Write([]byte("x"))
		require.Equal(t, abi.ErrNotWritable, err)

		_, err = w.Read(make([]byte, 1))
		require.Equal(t, abi.ErrNotReadable, err)
	})

	n.Meow()
}

func TestConsole(t *testing.T) {
	var out bytes.Buffer

	c := &Console{In: strings.NewReader("ab"), Out: &out}

	buf := make([]byte, 8)

	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ab", string(buf[:n]))

	n, err = c.Read(buf)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = c.Write([]byte("out"))
	require.NoError(t, err)
	require.Equal(t, "out", out.String())

	silent := &Console{}
	require.False(t, silent.Readable())

	_, err = silent.Write([]byte("x"))
	require.Equal(t, abi.ErrNotWritable, err)
}
