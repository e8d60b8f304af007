package exec

import (
	"fmt"
	"os"
	"strings"
)

var showDebug = os.Getenv("RAFOS_HART_TRACE") != ""

var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func RegName(i int) string {
	return regNames[i]
}

// Dump formats the register file for diagnostics.
func (h *Hart) Dump() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "hart %d mode=%s pc=%#x satp=%#x\n", h.ID, h.Mode, h.PC, h.Satp)

	for i := 0; i < 32; i += 4 {
		for j := i; j < i+4; j++ {
			fmt.Fprintf(&sb, "%4s=%#016x ", regNames[j], h.Regs[j])
		}
		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "sepc=%#x scause=%#x stval=%#x sstatus=%#x\n", h.Sepc, h.Scause, h.Stval, h.Sstatus)

	return sb.String()
}
