// Package riscv holds the kernel/user transition protocol: the trap frame
// layout the trampoline shares with the kernel, the trampoline itself, and
// the task context switch.
package riscv

import (
	"bytes"
	"encoding/binary"

	"github.com/evanphx/rafos/config"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// TrapFrame is the per-task record the trampoline saves user state into.
// Field order is the binary layout; do not reorder.
type TrapFrame struct {
	KernelSatp  uint64
	KernelSP    uint64
	TrapHandler uint64
	UserEPC     uint64
	UserStatus  uint64

	// Regs holds x1 through x31.
	Regs [31]uint64

	CPUID uint64
}

// Byte offsets within a packed frame.
const (
	OffKernelSatp  = 0
	OffKernelSP    = 8
	OffTrapHandler = 16
	OffUserEPC     = 24
	OffUserStatus  = 32
	OffRegs        = 40
	OffCPUID       = 288

	TrapFrameSize = 296
)

// Indexes into Regs for the registers the kernel cares about.
const (
	RegRA = 0
	RegSP = 1
	RegGP = 2
	RegTP = 3
	RegA0 = 9
	RegA1 = 10
	RegA2 = 11
	RegA3 = 12
	RegA4 = 13
	RegA5 = 14
	RegA7 = 16
)

var ErrShortTrapFrame = errors.New("trap frame buffer too short")

// TrapFrameBase is the virtual address of the trap frame page for tid,
// counting down from just below the trampoline.
func TrapFrameBase(tid int) uint64 {
	return config.Trampoline - config.PageSize - uint64(tid)*config.PageSize
}

// Pack encodes the frame in its fixed little-endian layout.
func (tf *TrapFrame) Pack() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(TrapFrameSize)

	if err := struc.PackWithOrder(&buf, tf, binary.LittleEndian); err != nil {
		return nil, errors.Wrapf(err, "packing trap frame")
	}

	return buf.Bytes(), nil
}

// Store packs the frame into the start of b.
func (tf *TrapFrame) Store(b []byte) error {
	if len(b) < TrapFrameSize {
		return ErrShortTrapFrame
	}

	data, err := tf.Pack()
	if err != nil {
		return err
	}

	copy(b, data)
	return nil
}

// Load decodes a frame from the start of b.
func Load(b []byte) (*TrapFrame, error) {
	if len(b) < TrapFrameSize {
		return nil, ErrShortTrapFrame
	}

	var tf TrapFrame
	if err := struc.UnpackWithOrder(bytes.NewReader(b[:TrapFrameSize]), &tf, binary.LittleEndian); err != nil {
		return nil, errors.Wrapf(err, "unpacking trap frame")
	}

	return &tf, nil
}

// Size reports the packed size of a frame as struc computes it.
func Size() int {
	n, err := struc.Sizeof(&TrapFrame{})
	if err != nil {
		panic(err)
	}

	return n
}

// Arg returns syscall argument i (a0 through a5).
func (tf *TrapFrame) Arg(i int) uint64 {
	return tf.Regs[RegA0+i]
}

func (tf *TrapFrame) SyscallNumber() uint64 {
	return tf.Regs[RegA7]
}

// SetReturn stores a syscall result in a0.
func (tf *TrapFrame) SetReturn(v uint64) {
	tf.Regs[RegA0] = v
}
