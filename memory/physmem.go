package memory

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

var ErrInvalidPhysAccess = errors.New("invalid physical memory access")

// PhysicalMemory is the machine's RAM, a contiguous run of frames starting
// at a fixed physical base address.
type PhysicalMemory struct {
	base uint64
	mem  []byte
}

func NewPhysicalMemory(base uint64, frames int) *PhysicalMemory {
	return &PhysicalMemory{
		base: base,
		mem:  make([]byte, frames*PageSize),
	}
}

func (pm *PhysicalMemory) Base() uint64 {
	return pm.base
}

func (pm *PhysicalMemory) End() uint64 {
	return pm.base + uint64(len(pm.mem))
}

func (pm *PhysicalMemory) Frames() int {
	return len(pm.mem) / PageSize
}

func (pm *PhysicalMemory) Contains(pa uint64, n int) bool {
	return pa >= pm.base && pa+uint64(n) <= pm.End() && pa+uint64(n) >= pa
}

// Page returns the backing bytes of the frame with physical page number ppn.
func (pm *PhysicalMemory) Page(ppn uint64) []byte {
	pa := ppn << PageShift
	if !pm.Contains(pa, PageSize) {
		panic(errors.Wrapf(ErrInvalidPhysAccess, "ppn=%#x", ppn))
	}

	off := pa - pm.base
	return pm.mem[off : off+PageSize : off+PageSize]
}

// Slice projects n bytes at pa. The range may cross frame boundaries.
func (pm *PhysicalMemory) Slice(pa uint64, n int) ([]byte, error) {
	if !pm.Contains(pa, n) {
		return nil, errors.Wrapf(ErrInvalidPhysAccess, "pa=%#x len=%d", pa, n)
	}

	off := pa - pm.base
	return pm.mem[off : off+uint64(n)], nil
}

func (pm *PhysicalMemory) Read64(pa uint64) (uint64, error) {
	b, err := pm.Slice(pa, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (pm *PhysicalMemory) Write64(pa, val uint64) error {
	b, err := pm.Slice(pa, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(b, val)
	return nil
}
