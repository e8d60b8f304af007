package mm

import (
	"sync"
	"sync/atomic"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/memory"
	"github.com/google/btree"
	"github.com/pkg/errors"
)

type catalogEntry struct {
	start uint64
	index int
}

func catalogLess(a, b catalogEntry) bool {
	return a.start < b.start
}

// MM is one address space: a page table plus the ordered catalog of areas
// mapped into it. It is shared by every task created with CLONE_VM and torn
// down when the last of them lets go.
type MM struct {
	mu sync.Mutex

	platform *Platform
	pt       *PageTable

	vmas     []*VMArea
	recycled []int
	catalog  *btree.BTreeG[catalogEntry]
	cache    int

	// trap frame pages mapped outside of any area, by virtual address.
	trapFrames map[uint64]struct{}

	users atomic.Int32

	Entry    uint64
	StartBrk uint64
	Brk      uint64
}

// New builds an empty address space with the trampoline mapped. Kernel
// spaces pass identity to get physical memory mapped one to one.
func New(p *Platform, identity bool) (*MM, error) {
	pt, err := NewPageTable(p.Frames)
	if err != nil {
		return nil, err
	}

	mm := &MM{
		platform:   p,
		pt:         pt,
		catalog:    btree.NewG[catalogEntry](8, catalogLess),
		cache:      -1,
		trapFrames: make(map[uint64]struct{}),
	}
	mm.users.Store(1)

	if p.Trampoline != nil {
		// The trampoline is not recorded as an area; user code can neither
		// see nor unmap it.
		err = pt.Map(config.Trampoline, p.Trampoline.PPN(), PTERead|PTEExec|PTEAccessed)
		if err != nil {
			pt.Destroy()
			return nil, err
		}
	}

	if identity {
		pm := p.Frames.Memory()
		err = mm.AllocWriteVMA(nil, pm.Base(), pm.End(), VMRead|VMWrite|VMExec|VMIdentical)
		if err != nil {
			mm.teardown()
			return nil, err
		}
	}

	return mm, nil
}

func (mm *MM) Platform() *Platform {
	return mm.platform
}

// Token is the satp value for this space.
func (mm *MM) Token() uint64 {
	return mm.pt.Token()
}

// Get records another holder of the space.
func (mm *MM) Get() {
	mm.users.Add(1)
}

func (mm *MM) Users() int {
	return int(mm.users.Load())
}

// Put drops a holder. The last one releases every frame and the page
// table.
func (mm *MM) Put() {
	switch n := mm.users.Add(-1); {
	case n == 0:
		mm.mu.Lock()
		mm.teardown()
		mm.mu.Unlock()
	case n < 0:
		panic("address space released too many times")
	}
}

func (mm *MM) teardown() {
	for i, vma := range mm.vmas {
		if vma != nil {
			vma.release()
			mm.vmas[i] = nil
		}
	}

	mm.catalog.Clear(false)
	mm.recycled = nil
	mm.cache = -1

	if mm.pt != nil {
		mm.pt.Destroy()
		mm.pt = nil
	}
}

// MapCount is the number of areas in the space.
func (mm *MM) MapCount() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.catalog.Len()
}

func (mm *MM) mmapMinAddr() uint64 {
	return mm.StartBrk + mm.platform.HeapSize
}

func (mm *MM) addVMA(vma *VMArea) error {
	if mm.catalog.Len() >= mm.platform.MaxMapCount {
		return errors.Wrapf(abi.ErrTooManyMappings, "adding %s", vma)
	}

	var index int
	if n := len(mm.recycled); n > 0 {
		index = mm.recycled[n-1]
		mm.recycled = mm.recycled[:n-1]
		mm.vmas[index] = vma
	} else {
		index = len(mm.vmas)
		mm.vmas = append(mm.vmas, vma)
	}

	mm.catalog.ReplaceOrInsert(catalogEntry{start: vma.Start, index: index})
	mm.cache = index

	return nil
}

func (mm *MM) removeVMA(index int) *VMArea {
	vma := mm.vmas[index]
	mm.vmas[index] = nil
	mm.recycled = append(mm.recycled, index)
	mm.catalog.Delete(catalogEntry{start: vma.Start})

	if mm.cache == index {
		mm.cache = -1
	}

	return vma
}

// overlaps reports whether any area intersects [start, end).
func (mm *MM) overlaps(start, end uint64) bool {
	if _, err := mm.lookup(start); err == nil {
		return true
	}

	found := false

	mm.catalog.AscendRange(catalogEntry{start: start}, catalogEntry{start: end}, func(catalogEntry) bool {
		found = true
		return false
	})

	return found
}

// AllocWriteVMA creates an eagerly backed area over the pages spanning
// [start, end) and copies data in at start. The range may be unaligned;
// it is widened to whole pages.
func (mm *MM) AllocWriteVMA(data []byte, start, end uint64, flags VMFlags) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.allocWriteVMA(data, start, end, flags)
}

func (mm *MM) allocWriteVMA(data []byte, start, end uint64, flags VMFlags) error {
	if end <= start {
		return errors.Wrapf(abi.ErrInvalidArgs, "empty range [%#x, %#x)", start, end)
	}

	pstart, pend := PageFloor(start), PageCeil(end)

	if mm.overlaps(pstart, pend) {
		return errors.Wrapf(abi.ErrInvalidArgs, "range [%#x, %#x) already mapped", pstart, pend)
	}

	vma, err := NewFixed(mm.platform.Frames, pstart, pend, flags)
	if err != nil {
		return err
	}

	if err := vma.MapAll(mm.pt, mm.platform, flags.PTEFlags()); err != nil {
		vma.UnmapAll(mm.pt, mm.platform)
		vma.release()
		return err
	}

	if err := mm.addVMA(vma); err != nil {
		vma.UnmapAll(mm.pt, mm.platform)
		vma.release()
		return err
	}

	if len(data) > 0 {
		if max := end - start; uint64(len(data)) > max {
			data = data[:max]
		}

		mm.writeArea(vma, start, data)
	}

	return nil
}

func (mm *MM) writeArea(vma *VMArea, va uint64, data []byte) {
	pm := mm.platform.Frames.Memory()

	for len(data) > 0 {
		off := PageOffset(va)
		n := min(uint64(len(data)), PageSize-off)

		var page []byte
		if vma.Flags.Has(VMIdentical) {
			page = pm.Page(va >> PageShift)
		} else {
			page = vma.frames[pageIndex(vma.Start, va)].Bytes()
		}

		copy(page[off:off+n], data[:n])

		data = data[n:]
		va += n
	}
}

// AllocVMA creates a lazily backed area. With anywhere set, start is only
// a hint and a free gap is searched for; otherwise whatever is mapped in
// [start, end) is unmapped first. The chosen start is returned.
func (mm *MM) AllocVMA(start, end uint64, flags VMFlags, anywhere bool) (uint64, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.allocVMA(start, end, flags, anywhere)
}

func (mm *MM) allocVMA(start, end uint64, flags VMFlags, anywhere bool) (uint64, error) {
	if end <= start {
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "empty range [%#x, %#x)", start, end)
	}

	length := end - start

	if anywhere {
		s, err := mm.findFreeArea(start, length)
		if err != nil {
			return 0, err
		}

		start, end = s, s+length
	} else {
		if err := mm.doMunmap(start, length); err != nil {
			return 0, err
		}
	}

	vma, err := NewLazy(start, end, flags)
	if err != nil {
		return 0, err
	}

	if err := mm.addVMA(vma); err != nil {
		return 0, err
	}

	return start, nil
}

// FindFreeArea returns the lowest page aligned address at or above both
// hint and the mmap floor where length bytes fit between existing areas.
func (mm *MM) FindFreeArea(hint, length uint64) (uint64, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.findFreeArea(hint, length)
}

func (mm *MM) findFreeArea(hint, length uint64) (uint64, error) {
	if length == 0 {
		return 0, errors.Wrapf(abi.ErrInvalidArgs, "zero length")
	}

	length = PageCeil(length)
	candidate := PageCeil(max(hint, mm.mmapMinAddr()))

	mm.catalog.Ascend(func(e catalogEntry) bool {
		vma := mm.vmas[e.index]
		if vma.End <= candidate {
			return true
		}

		if vma.Start >= candidate+length {
			return false
		}

		candidate = vma.End
		return true
	})

	if candidate+length-1 > mm.platform.MaxVA || candidate+length < candidate {
		return 0, errors.Wrapf(abi.ErrVMAAllocFailed, "no gap of %#x bytes above %#x", length, hint)
	}

	return candidate, nil
}

// lookup finds the index of the area containing va.
func (mm *MM) lookup(va uint64) (int, error) {
	if mm.cache >= 0 {
		if vma := mm.vmas[mm.cache]; vma != nil && vma.Contains(va) {
			return mm.cache, nil
		}
	}

	index := -1
	mm.catalog.DescendLessOrEqual(catalogEntry{start: va}, func(e catalogEntry) bool {
		if mm.vmas[e.index].Contains(va) {
			index = e.index
		}
		return false
	})

	if index < 0 {
		return -1, errors.Wrapf(abi.ErrVMANotFound, "va %#x", va)
	}

	mm.cache = index
	return index, nil
}

// GetVMA runs op against the area containing va.
func (mm *MM) GetVMA(va uint64, op func(vma *VMArea, pt *PageTable) error) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.getVMA(va, op)
}

func (mm *MM) getVMA(va uint64, op func(vma *VMArea, pt *PageTable) error) error {
	index, err := mm.lookup(va)
	if err != nil {
		return err
	}

	return op(mm.vmas[index], mm.pt)
}

// vmaRange returns the indexes of every area intersecting [start, end) in
// address order.
func (mm *MM) vmaRange(start, end uint64) []int {
	var v []int

	if index, err := mm.lookup(start); err == nil {
		v = append(v, index)
	}

	mm.catalog.AscendRange(catalogEntry{start: start + 1}, catalogEntry{start: end}, func(e catalogEntry) bool {
		v = append(v, e.index)
		return true
	})

	return v
}

// AreaInfo describes one area for inspection.
type AreaInfo struct {
	Start, End uint64
	Flags      VMFlags
	Resident   int
}

// Areas lists every area in address order.
func (mm *MM) Areas() []AreaInfo {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var out []AreaInfo
	mm.catalog.Ascend(func(e catalogEntry) bool {
		vma := mm.vmas[e.index]
		out = append(out, AreaInfo{
			Start:    vma.Start,
			End:      vma.End,
			Flags:    vma.Flags,
			Resident: vma.Resident(),
		})
		return true
	})

	return out
}

// Translate returns the physical address currently backing va.
func (mm *MM) Translate(va uint64) (uint64, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.pt.TranslateAddr(va)
}

func (mm *MM) TranslatePTE(va uint64) (PTE, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	return mm.pt.Translate(va)
}

// MapTrapFrame maps a task's trap frame page. Trap frames are kernel only
// and live outside the area catalog.
func (mm *MM) MapTrapFrame(va uint64, f *memory.Frame) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if err := mm.pt.Remap(va, f.PPN(), PTERead|PTEWrite|PTEAccessed|PTEDirty); err != nil {
		return err
	}

	mm.trapFrames[va] = struct{}{}
	mm.platform.Flush(va, va+PageSize)

	return nil
}

func (mm *MM) UnmapTrapFrame(va uint64) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, ok := mm.trapFrames[va]; !ok || mm.pt == nil {
		return
	}

	delete(mm.trapFrames, va)
	mm.pt.Unmap(va)
	mm.platform.Flush(va, va+PageSize)
}

// Clone duplicates the space for a new process. Resident frames are shared
// and private writable pages are write protected on both sides, so the
// first write from either one takes a private copy.
func (mm *MM) Clone() (*MM, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	child, err := New(mm.platform, false)
	if err != nil {
		return nil, err
	}

	var (
		lo uint64 = ^uint64(0)
		hi uint64
	)

	var cerr error

	mm.catalog.Ascend(func(e catalogEntry) bool {
		vma := mm.vmas[e.index]

		if vma.Flags.Has(VMIdentical) {
			cerr = child.allocWriteVMA(nil, vma.Start, vma.End, vma.Flags)
			return cerr == nil
		}

		nv := &VMArea{
			Start:  vma.Start,
			End:    vma.End,
			Flags:  vma.Flags,
			frames: make([]*memory.Frame, len(vma.frames)),
		}

		for i, f := range vma.frames {
			if f != nil {
				f.IncRef()
				nv.frames[i] = f
			}
		}

		if cerr = child.addVMA(nv); cerr != nil {
			nv.release()
			return false
		}

		for i, f := range nv.frames {
			if f == nil || !nv.Flags.Accessible() {
				continue
			}

			va := vma.Start + uint64(i)*PageSize
			flags := nv.pteFlagsFor(f)

			if cerr = mm.pt.Remap(va, f.PPN(), flags); cerr != nil {
				return false
			}

			if cerr = child.pt.Map(va, f.PPN(), flags); cerr != nil {
				return false
			}
		}

		lo = min(lo, vma.Start)
		hi = max(hi, vma.End)

		return true
	})

	if lo < hi {
		mm.platform.Flush(lo, hi)
	}

	if cerr != nil {
		child.teardown()
		return nil, cerr
	}

	child.Entry = mm.Entry
	child.StartBrk = mm.StartBrk
	child.Brk = mm.Brk

	log.L.Trace("mm-clone", "areas", child.catalog.Len(), "token", child.Token())

	return child, nil
}
