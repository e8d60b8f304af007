package mm

import (
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/memory"
)

// TLB is notified after page table edits so cached translations of the
// range [start, end) can be dropped.
type TLB interface {
	Flush(start, end uint64)
}

type nopTLB struct{}

func (nopTLB) Flush(start, end uint64) {}

// Platform carries the machine wide pieces every address space shares.
type Platform struct {
	Frames *memory.FrameAllocator
	TLB    TLB

	// Trampoline is mapped at config.Trampoline in every address space.
	Trampoline *memory.Frame

	MaxMapCount int
	HeapSize    uint64
	MaxVA       uint64
}

func NewPlatform(fa *memory.FrameAllocator) *Platform {
	return &Platform{
		Frames:      fa,
		TLB:         nopTLB{},
		MaxMapCount: config.MaxMapCount,
		HeapSize:    config.UserHeapSize,
		MaxVA:       config.LowMaxVA,
	}
}

// Flush forwards to the TLB hook, if any.
func (p *Platform) Flush(start, end uint64) {
	if p.TLB != nil {
		p.TLB.Flush(start, end)
	}
}
