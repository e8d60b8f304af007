package memory

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/evanphx/rafos/log"
	"github.com/pkg/errors"
)

var ErrOutOfFrames = errors.New("out of physical frames")

// FrameAllocator hands out frames of a PhysicalMemory. A set bit in the
// bitmap marks a frame in use.
type FrameAllocator struct {
	mu sync.Mutex

	pm     *PhysicalMemory
	first  uint64
	total  int
	bitmap []uint64
	free   int
	hint   int
}

func NewFrameAllocator(pm *PhysicalMemory) *FrameAllocator {
	total := pm.Frames()

	return &FrameAllocator{
		pm:     pm,
		first:  pm.Base() >> PageShift,
		total:  total,
		bitmap: make([]uint64, (total+63)/64),
		free:   total,
	}
}

func (a *FrameAllocator) Memory() *PhysicalMemory {
	return a.pm
}

// Free returns the number of frames not in use.
func (a *FrameAllocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.free
}

func (a *FrameAllocator) used(i int) bool {
	return a.bitmap[i/64]&(1<<uint(i%64)) != 0
}

func (a *FrameAllocator) mark(i int, used bool) {
	if used {
		a.bitmap[i/64] |= 1 << uint(i%64)
		a.free--
	} else {
		a.bitmap[i/64] &^= 1 << uint(i%64)
		a.free++
	}
}

func (a *FrameAllocator) findOne() (int, bool) {
	words := len(a.bitmap)
	start := a.hint / 64

	for n := 0; n < words; n++ {
		w := (start + n) % words
		if a.bitmap[w] == ^uint64(0) {
			continue
		}

		i := w*64 + bits.TrailingZeros64(^a.bitmap[w])
		if i < a.total {
			return i, true
		}
	}

	return 0, false
}

// Alloc returns a zeroed frame with a single reference.
func (a *FrameAllocator) Alloc() (*Frame, error) {
	a.mu.Lock()

	i, ok := a.findOne()
	if !ok {
		a.mu.Unlock()
		return nil, ErrOutOfFrames
	}

	a.mark(i, true)
	a.hint = i + 1
	a.mu.Unlock()

	f := &Frame{ppn: a.first + uint64(i), alloc: a}
	f.refs.Store(1)

	clear(f.Bytes())

	return f, nil
}

// AllocContiguous reserves n physically adjacent frames.
func (a *FrameAllocator) AllocContiguous(n int) (*FrameRange, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrOutOfFrames, "bad frame count %d", n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	for i := 0; i < a.total; i++ {
		if a.used(i) {
			run = 0
			continue
		}

		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				a.mark(j, true)
			}

			r := &FrameRange{start: a.first + uint64(start), count: n, alloc: a}
			for j := 0; j < n; j++ {
				clear(a.pm.Page(r.start + uint64(j)))
			}

			return r, nil
		}
	}

	return nil, errors.Wrapf(ErrOutOfFrames, "no run of %d frames", n)
}

func (a *FrameAllocator) release(ppn uint64, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < count; i++ {
		idx := int(ppn-a.first) + i
		if !a.used(idx) {
			log.L.Error("double free of frame", "ppn", ppn+uint64(i))
			continue
		}

		a.mark(idx, false)
	}

	if idx := int(ppn - a.first); idx < a.hint {
		a.hint = idx
	}
}

// Frame is a single allocated physical page. It is returned to its
// allocator when the last reference is dropped.
type Frame struct {
	ppn   uint64
	refs  atomic.Int32
	alloc *FrameAllocator
}

func (f *Frame) PPN() uint64 {
	return f.ppn
}

func (f *Frame) Addr() uint64 {
	return f.ppn << PageShift
}

func (f *Frame) Bytes() []byte {
	return f.alloc.pm.Page(f.ppn)
}

func (f *Frame) Refs() int32 {
	return f.refs.Load()
}

func (f *Frame) IncRef() {
	f.refs.Add(1)
}

func (f *Frame) DecRef() {
	switch n := f.refs.Add(-1); {
	case n == 0:
		f.alloc.release(f.ppn, 1)
	case n < 0:
		panic("frame reference count underflow")
	}
}

// FrameRange is a run of adjacent frames owned as a unit, used for kernel
// stacks.
type FrameRange struct {
	start    uint64
	count    int
	alloc    *FrameAllocator
	released atomic.Bool
}

func (r *FrameRange) Base() uint64 {
	return r.start << PageShift
}

func (r *FrameRange) End() uint64 {
	return (r.start + uint64(r.count)) << PageShift
}

func (r *FrameRange) Pages() int {
	return r.count
}

func (r *FrameRange) Release() {
	if r.released.Swap(true) {
		return
	}

	r.alloc.release(r.start, r.count)
}
