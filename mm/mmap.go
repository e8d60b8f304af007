package mm

import (
	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/log"
	"github.com/pkg/errors"
)

// DoMunmap removes [start, start+length) from the space, splitting areas
// that straddle either bound.
func (mm *MM) DoMunmap(start, length uint64) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.doMunmap(start, length)
}

func (mm *MM) doMunmap(start, length uint64) error {
	length = PageCeil(length)
	if !PageAligned(start) || length == 0 || start+length < start {
		return errors.Wrapf(abi.ErrInvalidArgs, "munmap start=%#x len=%#x", start, length)
	}

	end := start + length

	mm.cache = -1

	for _, index := range mm.vmaRange(start, end) {
		vma := mm.vmas[index]

		switch {
		case start <= vma.Start && vma.End <= end:
			vma.UnmapAll(mm.pt, mm.platform)
			mm.removeVMA(index)
			vma.release()
		case vma.Start < start && end < vma.End:
			if mm.catalog.Len() >= mm.platform.MaxMapCount {
				return errors.Wrapf(abi.ErrTooManyMappings, "munmap would split %s", vma)
			}

			mid, right := vma.Split(start, end)
			mid.UnmapAll(mm.pt, mm.platform)
			mid.release()

			if err := mm.addVMA(right); err != nil {
				return err
			}
		case vma.End > end:
			// The area survives to the right, so it is keyed by a new start.
			mm.catalog.Delete(catalogEntry{start: vma.Start})
			left, _ := vma.Split(start, end)
			mm.catalog.ReplaceOrInsert(catalogEntry{start: vma.Start, index: index})

			left.UnmapAll(mm.pt, mm.platform)
			left.release()
		default:
			right, _ := vma.Split(start, end)
			right.UnmapAll(mm.pt, mm.platform)
			right.release()
		}
	}

	return nil
}

// DoMmap maps an anonymous region. Without MAP_FIXED the address is a hint
// and the first free gap at or above it is used.
func (mm *MM) DoMmap(hint, length uint64, prot, flags int, fd int64, off uint64) (uint64, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	log.L.Trace("mmap", "hint", hint, "len", length, "prot", prot, "flags", flags, "fd", fd, "off", off)

	fixed := flags&linux.MAP_FIXED != 0

	switch {
	case length == 0,
		!PageAligned(hint),
		!PageAligned(length),
		hint+length < hint,
		hint+length > mm.platform.MaxVA,
		hint == 0 && fixed:
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "mmap hint=%#x len=%#x flags=%#x", hint, length, flags)
	}

	if mm.catalog.Len() >= mm.platform.MaxMapCount {
		return 0, errors.Wrapf(abi.ErrTooManyMappings, "mmap")
	}

	if flags&linux.MAP_ANONYMOUS == 0 || fd != -1 || off != 0 {
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "only anonymous mappings are supported")
	}

	vmflags := ProtFlags(prot)
	if flags&linux.MAP_SHARED != 0 {
		vmflags |= VMShared
	}

	start, err := mm.allocVMA(hint, hint+length, vmflags, !fixed)
	if err != nil {
		if errors.Cause(err) == abi.ErrInvalidArgs {
			return 0, err
		}

		return 0, errors.Wrapf(abi.ErrVMAAllocFailed, "mmap: %s", err)
	}

	return start, nil
}

// Mprotect changes the permissions of [start, start+length). The whole
// range must be mapped.
func (mm *MM) Mprotect(start, length uint64, prot int) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	length = PageCeil(length)
	if !PageAligned(start) || start+length < start {
		return errors.Wrapf(abi.ErrInvalidArgs, "mprotect start=%#x len=%#x", start, length)
	}

	if length == 0 {
		return nil
	}

	end := start + length
	flags := ProtFlags(prot)

	indexes := mm.vmaRange(start, end)

	next := start
	for _, index := range indexes {
		vma := mm.vmas[index]
		if vma.Start > next {
			break
		}
		next = vma.End
	}

	if next < end {
		return errors.Wrapf(abi.ErrVMAAllocFailed, "mprotect of unmapped range [%#x, %#x)", next, end)
	}

	mm.cache = -1

	for _, index := range indexes {
		vma := mm.vmas[index]
		target := vma

		switch {
		case start <= vma.Start && vma.End <= end:
		case vma.Start < start && end < vma.End:
			if mm.catalog.Len()+2 > mm.platform.MaxMapCount {
				return errors.Wrapf(abi.ErrTooManyMappings, "mprotect would split %s", vma)
			}

			mid, right := vma.Split(start, end)
			if err := mm.addVMA(mid); err != nil {
				return err
			}
			if err := mm.addVMA(right); err != nil {
				return err
			}
			target = mid
		case vma.End > end:
			if mm.catalog.Len() >= mm.platform.MaxMapCount {
				return errors.Wrapf(abi.ErrTooManyMappings, "mprotect would split %s", vma)
			}

			mm.catalog.Delete(catalogEntry{start: vma.Start})
			left, _ := vma.Split(start, end)
			mm.catalog.ReplaceOrInsert(catalogEntry{start: vma.Start, index: index})
			if err := mm.addVMA(left); err != nil {
				return err
			}
			target = left
		default:
			if mm.catalog.Len() >= mm.platform.MaxMapCount {
				return errors.Wrapf(abi.ErrTooManyMappings, "mprotect would split %s", vma)
			}

			right, _ := vma.Split(start, end)
			if err := mm.addVMA(right); err != nil {
				return err
			}
			target = right
		}

		target.Flags = flags | (target.Flags & (VMShared | VMIdentical))

		for i, f := range target.frames {
			if f == nil {
				continue
			}

			va := target.Start + uint64(i)*PageSize
			if !target.Flags.Accessible() {
				mm.pt.Unmap(va)
				continue
			}

			if err := mm.pt.Remap(va, f.PPN(), target.pteFlagsFor(f)); err != nil {
				return err
			}
		}

		mm.platform.Flush(target.Start, target.End)
	}

	return nil
}

// SetBrk moves the program break. Requests outside the heap window leave
// it where it is. The resulting break is returned either way.
func (mm *MM) SetBrk(addr uint64) uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if addr == 0 || addr < mm.StartBrk || addr > mm.mmapMinAddr() {
		return mm.Brk
	}

	oldEnd := PageCeil(mm.Brk)
	newEnd := PageCeil(addr)

	switch {
	case newEnd > oldEnd:
		if mm.overlaps(oldEnd, newEnd) {
			log.L.Debug("brk-collision", "brk", mm.Brk, "requested", addr)
			return mm.Brk
		}

		index := -1
		if oldEnd > mm.StartBrk {
			if i, err := mm.lookup(oldEnd - 1); err == nil && mm.vmas[i].Start == mm.StartBrk {
				index = i
			}
		}

		if index >= 0 {
			mm.vmas[index].extend(newEnd)
		} else {
			vma, err := NewLazy(oldEnd, newEnd, VMRead|VMWrite|VMUser)
			if err != nil {
				return mm.Brk
			}

			if err := mm.addVMA(vma); err != nil {
				return mm.Brk
			}
		}
	case newEnd < oldEnd:
		if err := mm.doMunmap(newEnd, oldEnd-newEnd); err != nil {
			return mm.Brk
		}
	}

	mm.Brk = addr
	return mm.Brk
}
