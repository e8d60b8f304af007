package mm

import (
	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/memory"
	"github.com/pkg/errors"
)

// AllocFrame makes the page containing va resident and, when its area is
// writable, privately writable. It is the primitive behind lazy allocation
// and copy on write.
func (mm *MM) AllocFrame(va uint64) (*memory.Frame, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var frame *memory.Frame

	err := mm.getVMA(va, func(vma *VMArea, pt *PageTable) error {
		f, err := vma.allocFrame(pt, mm.platform, mm.platform.Frames, va, vma.Flags.Has(VMWrite))
		frame = f
		return err
	})

	return frame, err
}

// HandlePageFault resolves a fault taken for the given access. Faults
// outside any area or forbidden by the area's permissions are fatal and
// reported as abi.ErrPageFault.
func (mm *MM) HandlePageFault(va uint64, access VMFlags) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	err := mm.getVMA(va, func(vma *VMArea, pt *PageTable) error {
		if !vma.Flags.Has(access) {
			return errors.Wrapf(abi.ErrPageFault, "%s access to %#x in %s", access, va, vma)
		}

		_, err := vma.allocFrame(pt, mm.platform, mm.platform.Frames, va, access.Has(VMWrite))
		return err
	})

	if err != nil {
		if errors.Cause(err) == abi.ErrVMANotFound {
			return errors.Wrapf(abi.ErrPageFault, "no area covers %#x", va)
		}

		return err
	}

	page := PageFloor(va)
	mm.platform.Flush(page, page+PageSize)

	return nil
}

// page returns the bytes of the page containing va, faulting it in for a
// kernel access on behalf of user code.
func (mm *MM) page(va uint64, write bool) ([]byte, error) {
	var out []byte

	err := mm.getVMA(va, func(vma *VMArea, pt *PageTable) error {
		switch {
		case write && !vma.Flags.Has(VMWrite):
			return errors.Wrapf(abi.ErrPageFault, "write to %#x in %s", va, vma)
		case !write && !vma.Flags.Has(VMRead):
			return errors.Wrapf(abi.ErrPageFault, "read of %#x in %s", va, vma)
		}

		if _, err := vma.allocFrame(pt, mm.platform, mm.platform.Frames, va, write); err != nil {
			return err
		}

		if vma.Flags.Has(VMIdentical) {
			out = mm.platform.Frames.Memory().Page(va >> PageShift)
		} else {
			out = vma.frames[pageIndex(vma.Start, va)].Bytes()
		}

		return nil
	})

	return out, err
}
