package mm

import (
	"encoding/binary"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/memory"
	"github.com/pkg/errors"
)

const (
	// SatpModeSv39 is the MODE field of satp selecting Sv39 translation.
	SatpModeSv39 = 8

	levels     = 3
	entryCount = 512
)

// PageTable is a three level Sv39 table whose nodes live in physical
// frames. It owns every interior frame it allocates.
type PageTable struct {
	fa     *memory.FrameAllocator
	pm     *memory.PhysicalMemory
	root   *memory.Frame
	tables []*memory.Frame
}

func NewPageTable(fa *memory.FrameAllocator) (*PageTable, error) {
	root, err := fa.Alloc()
	if err != nil {
		return nil, errors.Wrapf(abi.ErrFrameAllocFailed, "page table root: %s", err)
	}

	return &PageTable{
		fa:     fa,
		pm:     fa.Memory(),
		root:   root,
		tables: []*memory.Frame{root},
	}, nil
}

// Token is the satp value that activates this table.
func (pt *PageTable) Token() uint64 {
	return SatpModeSv39<<60 | pt.root.PPN()
}

func vpnIndexes(va uint64) [levels]uint64 {
	vpn := va >> PageShift
	return [levels]uint64{
		(vpn >> 18) & (entryCount - 1),
		(vpn >> 9) & (entryCount - 1),
		vpn & (entryCount - 1),
	}
}

func readPTE(pm *memory.PhysicalMemory, ppn, idx uint64) PTE {
	return PTE(binary.LittleEndian.Uint64(pm.Page(ppn)[idx*8:]))
}

func (pt *PageTable) write(ppn, idx uint64, pte PTE) {
	binary.LittleEndian.PutUint64(pt.pm.Page(ppn)[idx*8:], uint64(pte))
}

type pteSlot struct {
	table, index uint64
}

func (pt *PageTable) findPTE(va uint64, create bool) (pteSlot, error) {
	if !Canonical(va) {
		return pteSlot{}, errors.Wrapf(abi.ErrPageTableInvalid, "non-canonical va %#x", va)
	}

	idx := vpnIndexes(va)
	ppn := pt.root.PPN()

	for level := 0; level < levels-1; level++ {
		pte := readPTE(pt.pm, ppn, idx[level])

		switch {
		case !pte.Valid():
			if !create {
				return pteSlot{}, abi.ErrPageUnmapped
			}

			f, err := pt.fa.Alloc()
			if err != nil {
				return pteSlot{}, errors.Wrapf(abi.ErrFrameAllocFailed, "page table node: %s", err)
			}

			pt.tables = append(pt.tables, f)
			pte = NewPTE(f.PPN(), PTEValid)
			pt.write(ppn, idx[level], pte)
		case pte.Leaf():
			return pteSlot{}, errors.Wrapf(abi.ErrPageTableInvalid, "superpage at level %d for %#x", level, va)
		}

		ppn = pte.PPN()
	}

	return pteSlot{table: ppn, index: idx[levels-1]}, nil
}

// FindPTECreate returns the leaf entry for va, building any missing
// interior nodes.
func (pt *PageTable) FindPTECreate(va uint64) (PTE, error) {
	slot, err := pt.findPTE(va, true)
	if err != nil {
		return 0, err
	}

	return readPTE(pt.pm, slot.table, slot.index), nil
}

// Map installs a leaf for the page containing va. Mapping an already valid
// page is an error; use Remap to change an existing entry.
func (pt *PageTable) Map(va, ppn uint64, flags PTEFlags) error {
	slot, err := pt.findPTE(va, true)
	if err != nil {
		return err
	}

	if readPTE(pt.pm, slot.table, slot.index).Valid() {
		return errors.Wrapf(abi.ErrPageTableInvalid, "va %#x already mapped", va)
	}

	pt.write(slot.table, slot.index, NewPTE(ppn, flags|PTEValid))
	return nil
}

// Remap replaces the leaf for va whether or not it was valid.
func (pt *PageTable) Remap(va, ppn uint64, flags PTEFlags) error {
	slot, err := pt.findPTE(va, true)
	if err != nil {
		return err
	}

	pt.write(slot.table, slot.index, NewPTE(ppn, flags|PTEValid))
	return nil
}

func (pt *PageTable) Unmap(va uint64) error {
	slot, err := pt.findPTE(va, false)
	if err != nil {
		return err
	}

	if !readPTE(pt.pm, slot.table, slot.index).Valid() {
		return abi.ErrPageUnmapped
	}

	pt.write(slot.table, slot.index, 0)
	return nil
}

func (pt *PageTable) Translate(va uint64) (PTE, bool) {
	slot, err := pt.findPTE(va, false)
	if err != nil {
		return 0, false
	}

	pte := readPTE(pt.pm, slot.table, slot.index)
	return pte, pte.Valid()
}

// TranslateAddr returns the physical address backing va.
func (pt *PageTable) TranslateAddr(va uint64) (uint64, bool) {
	pte, ok := pt.Translate(va)
	if !ok {
		return 0, false
	}

	return pte.PPN()<<PageShift | PageOffset(va), true
}

// Destroy releases the table's own frames. Leaf frames belong to whoever
// mapped them.
func (pt *PageTable) Destroy() {
	for _, f := range pt.tables {
		f.DecRef()
	}

	pt.tables = nil
	pt.root = nil
}

// Walk performs the hardware translation of va under the table selected by
// satp and returns the leaf entry.
func Walk(pm *memory.PhysicalMemory, satp, va uint64) (PTE, error) {
	if satp>>60 != SatpModeSv39 {
		return 0, errors.Wrapf(abi.ErrPageTableInvalid, "unsupported satp mode %d", satp>>60)
	}

	if !Canonical(va) {
		return 0, abi.ErrPageUnmapped
	}

	idx := vpnIndexes(va)
	ppn := satp & (1<<44 - 1)

	for level := 0; level < levels; level++ {
		if !pm.Contains(ppn<<PageShift, PageSize) {
			return 0, abi.ErrPageTableInvalid
		}

		pte := readPTE(pm, ppn, idx[level])
		if !pte.Valid() {
			return 0, abi.ErrPageUnmapped
		}

		if pte.Leaf() {
			if level != levels-1 {
				return 0, abi.ErrPageTableInvalid
			}

			return pte, nil
		}

		ppn = pte.PPN()
	}

	return 0, abi.ErrPageUnmapped
}
