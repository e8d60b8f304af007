package exec

import (
	"encoding/binary"

	"github.com/evanphx/rafos/mm"
)

type access int

const (
	accessFetch access = iota
	accessLoad
	accessStore
)

func (a access) pageFault() uint64 {
	switch a {
	case accessFetch:
		return CauseInstPageFault
	case accessLoad:
		return CauseLoadPageFault
	default:
		return CauseStorePageFault
	}
}

func (a access) accessFault() uint64 {
	switch a {
	case accessFetch:
		return CauseInstAccess
	case accessLoad:
		return CauseLoadAccess
	default:
		return CauseStoreAccess
	}
}

func (h *Hart) lookup(va uint64) (mm.PTE, bool) {
	key := tlbKey{satp: h.Satp, vpn: va >> mm.PageShift}

	h.mu.Lock()
	pte, ok := h.tlb[key]
	h.mu.Unlock()

	if ok {
		return pte, true
	}

	pte, err := mm.Walk(h.mem, h.Satp, va)
	if err != nil {
		return 0, false
	}

	h.mu.Lock()
	h.tlb[key] = pte
	h.mu.Unlock()

	return pte, true
}

// translate resolves va for the given access, recording a page fault when
// the mapping is missing or forbids it.
func (h *Hart) translate(va uint64, acc access) (uint64, bool) {
	if h.Satp>>60 == 0 {
		return va, true
	}

	pte, ok := h.lookup(va)
	if !ok {
		h.raise(acc.pageFault(), va)
		return 0, false
	}

	flags := pte.Flags()

	var need mm.PTEFlags
	switch acc {
	case accessFetch:
		need = mm.PTEExec
	case accessLoad:
		need = mm.PTERead
	case accessStore:
		need = mm.PTEWrite | mm.PTEDirty
	}

	if !flags.Has(need|mm.PTEAccessed) || flags.Has(mm.PTEUser) != (h.Mode == ModeUser) {
		h.raise(acc.pageFault(), va)
		return 0, false
	}

	return pte.PPN()<<mm.PageShift | mm.PageOffset(va), true
}

// copyIn moves len(b) bytes starting at va into b, one page at a time.
func (h *Hart) copyIn(va uint64, b []byte, acc access) bool {
	for len(b) > 0 {
		pa, ok := h.translate(va, acc)
		if !ok {
			return false
		}

		n := min(len(b), int(mm.PageSize-mm.PageOffset(va)))

		src, err := h.mem.Slice(pa, n)
		if err != nil {
			h.raise(acc.accessFault(), va)
			return false
		}

		copy(b, src)

		b = b[n:]
		va += uint64(n)
	}

	return true
}

func (h *Hart) copyOut(va uint64, b []byte) bool {
	for len(b) > 0 {
		pa, ok := h.translate(va, accessStore)
		if !ok {
			return false
		}

		n := min(len(b), int(mm.PageSize-mm.PageOffset(va)))

		dst, err := h.mem.Slice(pa, n)
		if err != nil {
			h.raise(CauseStoreAccess, va)
			return false
		}

		copy(dst, b)

		b = b[n:]
		va += uint64(n)
	}

	return true
}

func (h *Hart) load(va uint64, size int) (uint64, bool) {
	var buf [8]byte
	if !h.copyIn(va, buf[:size], accessLoad) {
		return 0, false
	}

	return binary.LittleEndian.Uint64(buf[:]), true
}

func (h *Hart) store(va uint64, size int, val uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)

	return h.copyOut(va, buf[:size])
}

// Load64 reads a doubleword through the current translation, as the trap
// vector does when it runs under the user page table.
func (h *Hart) Load64(va uint64) (uint64, bool) {
	return h.load(va, 8)
}

func (h *Hart) Store64(va, val uint64) bool {
	return h.store(va, 8, val)
}

// ReadVirt copies len(b) bytes from va under the current translation.
func (h *Hart) ReadVirt(va uint64, b []byte) bool {
	return h.copyIn(va, b, accessLoad)
}

func (h *Hart) WriteVirt(va uint64, b []byte) bool {
	return h.copyOut(va, b)
}

// Executable reports whether the current mode may fetch from va.
func (h *Hart) Executable(va uint64) bool {
	_, ok := h.translate(va, accessFetch)
	return ok
}
