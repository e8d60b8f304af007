package mm

import "github.com/evanphx/rafos/config"

const (
	PageSize  = config.PageSize
	PageShift = config.PageShift
	pageMask  = PageSize - 1
)

func PageFloor(va uint64) uint64 {
	return va &^ pageMask
}

func PageCeil(va uint64) uint64 {
	return (va + pageMask) &^ pageMask
}

func PageAligned(va uint64) bool {
	return va&pageMask == 0
}

func PageOffset(va uint64) uint64 {
	return va & pageMask
}

// pageCount is the number of pages in the half-open range [start, end).
func pageCount(start, end uint64) int {
	return int((PageCeil(end) - PageFloor(start)) >> PageShift)
}

// pageIndex is the page offset of va from start.
func pageIndex(start, va uint64) int {
	return int((PageFloor(va) - PageFloor(start)) >> PageShift)
}

// Canonical reports whether va is a valid Sv39 address: bits 63..39 must
// all equal bit 38.
func Canonical(va uint64) bool {
	top := va >> 38
	return top == 0 || top == (1<<26)-1
}
