package mm

import (
	"fmt"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/memory"
	"github.com/pkg/errors"
)

// VMArea is the half-open range [Start, End) of one address space with
// uniform permissions. frames holds one optional frame per page.
type VMArea struct {
	Start, End uint64
	Flags      VMFlags

	frames []*memory.Frame
}

func newArea(start, end uint64, flags VMFlags, frames []*memory.Frame) (*VMArea, error) {
	if end <= start || flags == 0 || !PageAligned(start) || !PageAligned(end) {
		return nil, errors.Wrapf(abi.ErrInvalidArgs, "vma [%#x, %#x) flags=%s", start, end, flags)
	}

	if len(frames) != pageCount(start, end) {
		return nil, errors.Wrapf(abi.ErrInvalidArgs, "vma [%#x, %#x) has %d frames", start, end, len(frames))
	}

	return &VMArea{
		Start:  start,
		End:    end,
		Flags:  flags,
		frames: frames,
	}, nil
}

// NewLazy creates an area whose frames are allocated on first touch.
func NewLazy(start, end uint64, flags VMFlags) (*VMArea, error) {
	if end <= start {
		return nil, errors.Wrapf(abi.ErrInvalidArgs, "empty vma [%#x, %#x)", start, end)
	}

	return newArea(start, end, flags, make([]*memory.Frame, pageCount(start, end)))
}

// NewFixed creates an area with every frame allocated up front. Identity
// areas get no frames at all.
func NewFixed(fa *memory.FrameAllocator, start, end uint64, flags VMFlags) (*VMArea, error) {
	vma, err := NewLazy(start, end, flags)
	if err != nil {
		return nil, err
	}

	if flags.Has(VMIdentical) {
		return vma, nil
	}

	for i := range vma.frames {
		f, err := fa.Alloc()
		if err != nil {
			vma.release()
			return nil, errors.Wrapf(abi.ErrFrameAllocFailed, "fixed vma [%#x, %#x)", start, end)
		}

		vma.frames[i] = f
	}

	return vma, nil
}

func (v *VMArea) String() string {
	return fmt.Sprintf("VMA [%#x, %#x) %s", v.Start, v.End, v.Flags)
}

func (v *VMArea) Pages() int {
	return pageCount(v.Start, v.End)
}

func (v *VMArea) Contains(va uint64) bool {
	return v.Start <= va && va < v.End
}

// Covers reports whether [start, end) lies entirely inside the area.
func (v *VMArea) Covers(start, end uint64) bool {
	return v.Start <= start && end <= v.End && start < end
}

func (v *VMArea) Overlaps(start, end uint64) bool {
	return start < v.End && v.Start < end
}

// Resident counts pages that have a frame.
func (v *VMArea) Resident() int {
	n := 0
	for _, f := range v.frames {
		if f != nil {
			n++
		}
	}

	return n
}

// Frame returns the frame backing the page containing va, if any.
func (v *VMArea) Frame(va uint64) *memory.Frame {
	if !v.Contains(va) {
		return nil
	}

	return v.frames[pageIndex(v.Start, va)]
}

func (v *VMArea) extend(end uint64) {
	v.End = end
	for len(v.frames) < v.Pages() {
		v.frames = append(v.frames, nil)
	}
}

// Split cuts [start, end) out of the area. Both bounds must be page
// aligned. The receiver keeps the part to the left of the cut, except when
// the cut is a prefix, where it keeps the part to the right.
//
//	end <= v.Start or v.End <= start            no overlap: nil, nil
//	start <= v.Start and v.End <= end           whole area: nil, nil
//	v.Start < start and end < v.End             interior: middle, right
//	v.Start < start and v.End <= end            right trim: right, nil
//	start <= v.Start and end < v.End            left trim: left, nil
//
// The frame vector is partitioned at the matching page index.
func (v *VMArea) Split(start, end uint64) (cut, rest *VMArea) {
	startIdx := pageIndex(v.Start, start)
	endIdx := pageIndex(v.Start, end)

	switch {
	case end <= v.Start || v.End <= start:
		return nil, nil
	case start <= v.Start && v.End <= end:
		return nil, nil
	case v.Start < start && end < v.End:
		rest = &VMArea{
			Start:  end,
			End:    v.End,
			Flags:  v.Flags,
			frames: append([]*memory.Frame(nil), v.frames[endIdx:]...),
		}
		cut = &VMArea{
			Start:  start,
			End:    end,
			Flags:  v.Flags,
			frames: append([]*memory.Frame(nil), v.frames[startIdx:endIdx]...),
		}

		v.frames = append([]*memory.Frame(nil), v.frames[:startIdx]...)
		v.End = start

		return cut, rest
	case v.Start < start:
		cut = &VMArea{
			Start:  start,
			End:    v.End,
			Flags:  v.Flags,
			frames: append([]*memory.Frame(nil), v.frames[startIdx:]...),
		}

		v.frames = append([]*memory.Frame(nil), v.frames[:startIdx]...)
		v.End = start

		return cut, nil
	default:
		cut = &VMArea{
			Start:  v.Start,
			End:    end,
			Flags:  v.Flags,
			frames: append([]*memory.Frame(nil), v.frames[:endIdx]...),
		}

		v.frames = append([]*memory.Frame(nil), v.frames[endIdx:]...)
		v.Start = end

		return cut, nil
	}
}

// MapAll installs every backed page of the area into pt and flushes the
// whole range once done.
func (v *VMArea) MapAll(pt *PageTable, tlb TLB, flags PTEFlags) error {
	defer tlb.Flush(v.Start, v.End)

	if !v.Flags.Accessible() {
		return nil
	}

	if v.Flags.Has(VMIdentical) {
		for va := v.Start; va < v.End; va += PageSize {
			if err := pt.Map(va, va>>PageShift, flags); err != nil {
				return err
			}
		}

		return nil
	}

	for i, f := range v.frames {
		if f == nil {
			continue
		}

		if err := pt.Map(v.Start+uint64(i)*PageSize, f.PPN(), flags); err != nil {
			return err
		}
	}

	return nil
}

// UnmapAll removes every page of the area from pt. Pages that were never
// mapped are skipped.
func (v *VMArea) UnmapAll(pt *PageTable, tlb TLB) {
	for va := v.Start; va < v.End; va += PageSize {
		pt.Unmap(va)
	}

	tlb.Flush(v.Start, v.End)
}

// release drops the area's hold on its frames.
func (v *VMArea) release() {
	for i, f := range v.frames {
		if f != nil {
			f.DecRef()
			v.frames[i] = nil
		}
	}
}

// allocFrame resolves the page containing va for the given kind of
// access. An absent page gets a fresh frame; a read-only page in a
// writable area is upgraded, copying first when the frame is still shared
// with another address space.
func (v *VMArea) allocFrame(pt *PageTable, tlb TLB, fa *memory.FrameAllocator, va uint64, write bool) (*memory.Frame, error) {
	if !v.Flags.Accessible() || write && !v.Flags.Has(VMWrite) {
		return nil, errors.Wrapf(abi.ErrPageFault, "access to %#x in %s", va, v)
	}

	page := PageFloor(va)
	idx := pageIndex(v.Start, page)
	pte, valid := pt.Translate(page)

	if v.Flags.Has(VMIdentical) {
		if !valid {
			if err := pt.Remap(page, page>>PageShift, v.Flags.PTEFlags()); err != nil {
				return nil, err
			}
			tlb.Flush(page, page+PageSize)
		}

		return nil, nil
	}

	if valid && (pte.Writable() || !v.Flags.Has(VMWrite)) {
		return v.frames[idx], nil
	}

	if valid && !write {
		return v.frames[idx], nil
	}

	frame := v.frames[idx]

	switch {
	case frame == nil:
		f, err := fa.Alloc()
		if err != nil {
			return nil, errors.Wrapf(abi.ErrFrameAllocFailed, "fault at %#x", va)
		}

		v.frames[idx] = f
		frame = f
	case frame.Refs() > 1 && !v.Flags.Has(VMShared):
		f, err := fa.Alloc()
		if err != nil {
			return nil, errors.Wrapf(abi.ErrFrameAllocFailed, "copy on write at %#x", va)
		}

		copy(f.Bytes(), frame.Bytes())
		frame.DecRef()

		v.frames[idx] = f
		frame = f
	}

	if err := pt.Remap(page, frame.PPN(), v.Flags.PTEFlags()); err != nil {
		return nil, err
	}

	tlb.Flush(page, page+PageSize)

	return frame, nil
}

// pteFlagsFor returns the flags a resident page should carry. Private
// writable pages whose frame is shared stay read-only until written.
func (v *VMArea) pteFlagsFor(f *memory.Frame) PTEFlags {
	flags := v.Flags.PTEFlags()

	if f != nil && f.Refs() > 1 && !v.Flags.Has(VMShared) {
		flags &^= PTEWrite
	}

	return flags
}
