package mm

import (
	"bytes"
	"encoding/binary"

	"github.com/evanphx/rafos/abi"
	"github.com/pkg/errors"
)

// UserBuffer is a user virtual range translated into kernel visible
// slices, one per page touched.
type UserBuffer struct {
	parts [][]byte
}

func (b *UserBuffer) Len() int {
	n := 0
	for _, p := range b.parts {
		n += len(p)
	}

	return n
}

func (b *UserBuffer) Parts() [][]byte {
	return b.parts
}

// CopyFrom fills the buffer from src and returns the bytes written.
func (b *UserBuffer) CopyFrom(src []byte) int {
	n := 0
	for _, p := range b.parts {
		if len(src) == 0 {
			break
		}

		c := copy(p, src)
		src = src[c:]
		n += c
	}

	return n
}

// Bytes returns a copy of the buffer's contents.
func (b *UserBuffer) Bytes() []byte {
	out := make([]byte, 0, b.Len())
	for _, p := range b.parts {
		out = append(out, p...)
	}

	return out
}

func (mm *MM) buffer(va uint64, n int, write bool) (*UserBuffer, error) {
	if n < 0 || va+uint64(n) < va {
		return nil, errors.Wrapf(abi.ErrInvalidArgs, "buffer va=%#x len=%d", va, n)
	}

	buf := &UserBuffer{}
	end := va + uint64(n)

	for va < end {
		page, err := mm.page(va, write)
		if err != nil {
			return nil, err
		}

		off := PageOffset(va)
		chunk := min(end-va, PageSize-off)

		buf.parts = append(buf.parts, page[off:off+chunk])
		va += chunk
	}

	return buf, nil
}

// GetBufMut translates [va, va+n) for writing, allocating frames and
// breaking copy on write sharing as needed.
func (mm *MM) GetBufMut(va uint64, n int) (*UserBuffer, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.buffer(va, n, true)
}

// GetBuf translates [va, va+n) for reading.
func (mm *MM) GetBuf(va uint64, n int) (*UserBuffer, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.buffer(va, n, false)
}

// GetStr reads a NUL terminated string starting at va, one page at a time.
// Strings longer than limit are rejected.
func (mm *MM) GetStr(va uint64, limit int) (string, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var sb bytes.Buffer

	for {
		page, err := mm.page(va, false)
		if err != nil {
			return "", err
		}

		rest := page[PageOffset(va):]
		if i := bytes.IndexByte(rest, 0); i >= 0 {
			sb.Write(rest[:i])
			if sb.Len() > limit {
				break
			}

			return sb.String(), nil
		}

		sb.Write(rest)
		if sb.Len() > limit {
			break
		}

		va += uint64(len(rest))
	}

	return "", errors.Wrapf(abi.ErrInvalidArgs, "string at %#x longer than %d", va, limit)
}

// CopyOut encodes val little endian at va.
func (mm *MM) CopyOut(va uint64, val interface{}) error {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, val); err != nil {
		return err
	}

	buf, err := mm.GetBufMut(va, b.Len())
	if err != nil {
		return err
	}

	buf.CopyFrom(b.Bytes())
	return nil
}

// CopyIn decodes a little endian value at va into val.
func (mm *MM) CopyIn(va uint64, val interface{}) error {
	size := binary.Size(val)
	if size < 0 {
		return errors.Wrapf(abi.ErrInvalidArgs, "cannot size %T", val)
	}

	buf, err := mm.GetBuf(va, size)
	if err != nil {
		return err
	}

	return binary.Read(bytes.NewReader(buf.Bytes()), binary.LittleEndian, val)
}

// WriteBytes copies data into user memory at va.
func (mm *MM) WriteBytes(va uint64, data []byte) error {
	buf, err := mm.GetBufMut(va, len(data))
	if err != nil {
		return err
	}

	buf.CopyFrom(data)
	return nil
}

// ReadBytes copies n bytes of user memory at va.
func (mm *MM) ReadBytes(va uint64, n int) ([]byte, error) {
	buf, err := mm.GetBuf(va, n)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
