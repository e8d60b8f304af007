package riscv

import (
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/exec"
	"github.com/pkg/errors"
)

var (
	ErrNoTrampoline   = errors.New("trampoline not executable in current address space")
	ErrTrapFrameFault = errors.New("trap frame not accessible")
)

// UserVec is the trap vector at the start of the trampoline page. It runs
// in supervisor mode on the user page table: every user register is saved
// into the trap frame whose address sscratch holds, then the hart moves to
// the kernel page table and stack. It returns the kernel handler address
// recorded in the frame.
func UserVec(h *exec.Hart) (uint64, error) {
	if !h.Executable(config.Trampoline) {
		return 0, ErrNoTrampoline
	}

	tfva := h.Sscratch

	buf := make([]byte, TrapFrameSize)
	if !h.ReadVirt(tfva, buf) {
		return 0, errors.Wrapf(ErrTrapFrameFault, "reading %#x", tfva)
	}

	tf, err := Load(buf)
	if err != nil {
		return 0, err
	}

	copy(tf.Regs[:], h.Regs[1:])
	tf.UserEPC = h.Sepc
	tf.UserStatus = h.Sstatus

	if err := tf.Store(buf); err != nil {
		return 0, err
	}

	if !h.WriteVirt(tfva, buf) {
		return 0, errors.Wrapf(ErrTrapFrameFault, "writing %#x", tfva)
	}

	h.SetSatp(tf.KernelSatp)
	h.Regs[2] = tf.KernelSP
	h.Regs[4] = tf.CPUID
	h.PC = tf.TrapHandler

	return tf.TrapHandler, nil
}

// UserRet is the other half of the trampoline. It switches to the user page
// table in satp, records the hart in the frame at tfva, restores user
// registers from it and returns to user mode at the saved pc.
func UserRet(h *exec.Hart, tfva, satp uint64) error {
	h.SetSatp(satp)

	if !h.Executable(config.Trampoline) {
		return ErrNoTrampoline
	}

	buf := make([]byte, TrapFrameSize)
	if !h.ReadVirt(tfva, buf) {
		return errors.Wrapf(ErrTrapFrameFault, "reading %#x", tfva)
	}

	tf, err := Load(buf)
	if err != nil {
		return err
	}

	tf.CPUID = uint64(h.ID)

	if err := tf.Store(buf); err != nil {
		return err
	}

	if !h.WriteVirt(tfva, buf) {
		return errors.Wrapf(ErrTrapFrameFault, "writing %#x", tfva)
	}

	copy(h.Regs[1:], tf.Regs[:])

	h.Sscratch = tfva
	h.Stvec = config.Trampoline
	h.Sepc = tf.UserEPC
	h.Sstatus = tf.UserStatus&^exec.SstatusSPP | exec.SstatusSPIE

	h.Sret()

	return nil
}
