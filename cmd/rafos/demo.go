package main

import (
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/exec/asm"
	"github.com/evanphx/rafos/loader"
	"github.com/evanphx/rafos/mm"
	"github.com/evanphx/rafos/syscalls"
)

const (
	demoCode uint64 = 0x11000
	demoData uint64 = 0x12000

	demoWorkers = 3

	workerMsg = "hello from a worker\n"
	doneMsg   = "init: all workers reaped\n"

	doneOff   = 64
	statusOff = 128
)

// demoImage builds an init that forks demoWorkers children, each printing
// a line and exiting with its index+1, then reaps them all. It exits 0 when
// the reaped codes add up.
func demoImage() ([]byte, error) {
	data := make([]byte, statusOff+8)
	copy(data, workerMsg)
	copy(data[doneOff:], doneMsg)

	p := asm.New(demoCode)

	p.Li(asm.S0, int64(demoData))
	p.Li(asm.S5, 0)
	p.Li(asm.S6, demoWorkers)

	p.Label("fork")
	p.Beq(asm.S5, asm.S6, "reap")
	p.Li(asm.A0, int64(linux.SIGCHLD))
	p.Li(asm.A1, 0)
	p.Syscall(syscalls.SysClone)
	p.Beqz(asm.A0, "worker")
	p.Bltz(asm.A0, "fail")
	p.Addi(asm.S5, asm.S5, 1)
	p.J("fork")

	p.Label("reap")
	p.Li(asm.S7, 0)

	p.Label("wait")
	p.Li(asm.A0, -1)
	p.Addi(asm.A1, asm.S0, statusOff)
	p.Li(asm.A2, 0)
	p.Syscall(syscalls.SysWait4)
	p.Bltz(asm.A0, "done")
	p.Lw(asm.T0, asm.S0, statusOff)
	p.Srli(asm.T0, asm.T0, 8)
	p.Add(asm.S7, asm.S7, asm.T0)
	p.J("wait")

	p.Label("done")
	p.Li(asm.A0, 1)
	p.Addi(asm.A1, asm.S0, doneOff)
	p.Li(asm.A2, int64(len(doneMsg)))
	p.Syscall(syscalls.SysWrite)

	p.Li(asm.T0, demoWorkers*(demoWorkers+1)/2)
	p.Bne(asm.S7, asm.T0, "fail")
	p.Li(asm.A0, 0)
	p.Syscall(syscalls.SysExit)

	p.Label("fail")
	p.Li(asm.A0, 1)
	p.Syscall(syscalls.SysExit)

	p.Label("worker")
	p.Li(asm.A0, 1)
	p.Mv(asm.A1, asm.S0)
	p.Li(asm.A2, int64(len(workerMsg)))
	p.Syscall(syscalls.SysWrite)
	p.Addi(asm.A0, asm.S5, 1)
	p.Syscall(syscalls.SysExit)

	code, err := p.Assemble()
	if err != nil {
		return nil, err
	}

	return loader.BuildELF(loader.Header{Entry: demoCode, Base: 0x10000}, []loader.Segment{
		{Addr: demoCode, MemSize: mm.PageCeil(uint64(len(code))), Flags: mm.VMRead | mm.VMExec, Data: code},
		{Addr: demoData, MemSize: mm.PageSize, Flags: mm.VMRead | mm.VMWrite, Data: data},
	})
}
