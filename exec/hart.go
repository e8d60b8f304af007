// Package exec simulates the RV64IM cores the kernel schedules tasks on.
//
// A Hart only ever interprets user code. Kernel code is ordinary Go that
// runs on behalf of the hart between a trap entry and the following return
// to user mode.
package exec

import (
	"sync"

	"github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/memory"
	"github.com/evanphx/rafos/mm"
)

type Mode int

const (
	ModeUser       Mode = 0
	ModeSupervisor Mode = 1
)

func (m Mode) String() string {
	if m == ModeUser {
		return "U"
	}

	return "S"
}

// Exception and interrupt codes as written to scause.
const (
	CauseInstMisaligned     = 0
	CauseInstAccess         = 1
	CauseIllegalInstruction = 2
	CauseBreakpoint         = 3
	CauseLoadAccess         = 5
	CauseStoreAccess        = 7
	CauseUserEcall          = 8
	CauseInstPageFault      = 12
	CauseLoadPageFault      = 13
	CauseStorePageFault     = 15

	InterruptBit = 1 << 63

	// CauseTimer is raised when a RunUser budget runs out.
	CauseTimer = InterruptBit | 5
)

const (
	SstatusSIE  = 1 << 1
	SstatusSPIE = 1 << 5
	SstatusSPP  = 1 << 8
)

type tlbKey struct {
	satp, vpn uint64
}

// Hart is one simulated core. Registers and CSRs are only touched by the
// goroutine driving the core; the TLB may also be flushed by other cores.
type Hart struct {
	ID   int
	Regs [32]uint64
	PC   uint64
	Mode Mode

	Satp     uint64
	Sscratch uint64
	Sepc     uint64
	Sstatus  uint64
	Stvec    uint64
	Scause   uint64
	Stval    uint64

	// Retired counts executed instructions.
	Retired uint64

	mem *memory.PhysicalMemory

	faultCause, faultVal uint64

	mu  sync.Mutex
	tlb map[tlbKey]mm.PTE
}

func NewHart(id int, pm *memory.PhysicalMemory) *Hart {
	return &Hart{
		ID:   id,
		Mode: ModeSupervisor,
		mem:  pm,
		tlb:  make(map[tlbKey]mm.PTE),
	}
}

func (h *Hart) Memory() *memory.PhysicalMemory {
	return h.mem
}

// SetSatp switches the active page table and drops every cached
// translation.
func (h *Hart) SetSatp(satp uint64) {
	h.Satp = satp
	h.FlushAll()
}

func (h *Hart) FlushAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for k := range h.tlb {
		delete(h.tlb, k)
	}
}

// Flush invalidates cached translations for [start, end) under any page
// table.
func (h *Hart) Flush(start, end uint64) {
	if end <= start {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	lo, hi := start>>mm.PageShift, (end-1)>>mm.PageShift
	for k := range h.tlb {
		if k.vpn >= lo && k.vpn <= hi {
			delete(h.tlb, k)
		}
	}
}

func (h *Hart) Reg(i int) uint64 {
	return h.Regs[i]
}

func (h *Hart) SetReg(i int, v uint64) {
	if i != 0 {
		h.Regs[i] = v
	}
}

func (h *Hart) raise(cause, tval uint64) {
	h.faultCause = cause
	h.faultVal = tval
}

// enterTrap performs the hardware side of a trap into supervisor mode.
func (h *Hart) enterTrap(cause, tval uint64) {
	h.Sepc = h.PC
	h.Scause = cause
	h.Stval = tval

	st := h.Sstatus &^ (SstatusSPP | SstatusSPIE | SstatusSIE)
	if h.Mode == ModeSupervisor {
		st |= SstatusSPP
	}
	if h.Sstatus&SstatusSIE != 0 {
		st |= SstatusSPIE
	}

	h.Sstatus = st
	h.Mode = ModeSupervisor
	h.PC = h.Stvec
}

// Sret returns from a trap to the privilege level saved in sstatus.
func (h *Hart) Sret() {
	if h.Sstatus&SstatusSPP != 0 {
		h.Mode = ModeSupervisor
	} else {
		h.Mode = ModeUser
	}

	st := h.Sstatus &^ (SstatusSPP | SstatusSIE)
	if h.Sstatus&SstatusSPIE != 0 {
		st |= SstatusSIE
	}

	h.Sstatus = st | SstatusSPIE
	h.PC = h.Sepc
}

// RunUser interprets user code until something traps, performs the trap
// entry and returns the cause. A non-zero budget bounds the number of
// instructions; running out raises CauseTimer with sepc at the next
// instruction to execute.
func (h *Hart) RunUser(budget uint64) uint64 {
	if h.Mode != ModeUser {
		h.enterTrap(CauseIllegalInstruction, 0)
		return CauseIllegalInstruction
	}

	for n := uint64(0); budget == 0 || n < budget; n++ {
		if !h.step() {
			if showDebug {
				log.L.Trace("hart-trap", "hart", h.ID, "pc", h.PC, "cause", h.faultCause, "tval", h.faultVal)
			}

			h.enterTrap(h.faultCause, h.faultVal)
			return h.Scause
		}
	}

	h.enterTrap(CauseTimer, 0)
	return CauseTimer
}
