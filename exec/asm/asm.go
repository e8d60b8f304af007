// Package asm is a small RV64IM assembler for building user programs in
// Go. Every instruction is four bytes, so label offsets are known as soon
// as an instruction is emitted and only forward references need fixing up.
package asm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

type Reg uint8

const (
	Zero Reg = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

var ErrUndefinedLabel = errors.New("undefined label")

type fixupKind int

const (
	fixBranch fixupKind = iota
	fixJal
	fixPCRel
)

type fixup struct {
	kind  fixupKind
	at    int
	label string
}

// Program accumulates code and data for an image linked at Base.
type Program struct {
	Base uint64

	buf    []byte
	labels map[string]int
	fixups []fixup
	err    error
}

func New(base uint64) *Program {
	return &Program{
		Base:   base,
		labels: make(map[string]int),
	}
}

// PC is the address the next instruction will be placed at.
func (p *Program) PC() uint64 {
	return p.Base + uint64(len(p.buf))
}

func (p *Program) Label(name string) {
	if _, ok := p.labels[name]; ok && p.err == nil {
		p.err = fmt.Errorf("label %q defined twice", name)
	}

	p.labels[name] = len(p.buf)
}

// Addr returns the address of a label that is already defined.
func (p *Program) Addr(name string) (uint64, bool) {
	off, ok := p.labels[name]
	if !ok {
		return 0, false
	}

	return p.Base + uint64(off), true
}

func (p *Program) emit(v uint32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *Program) check(cond bool, format string, args ...interface{}) {
	if !cond && p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
}

func rType(op, f3, f7 uint32, rd, rs1, rs2 Reg) uint32 {
	return f7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func iType(op, f3 uint32, rd, rs1 Reg, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func sType(op, f3 uint32, rs1, rs2 Reg, imm int64) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | (u&0x1f)<<7 | op
}

func bType(f3 uint32, rs1, rs2 Reg, off int64) uint32 {
	u := uint32(off)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 |
		(u>>1&0xf)<<8 | (u>>11&1)<<7 | 0x63
}

func uType(op uint32, rd Reg, imm int64) uint32 {
	return uint32(imm)&0xfffff000 | uint32(rd)<<7 | op
}

func jType(rd Reg, off int64) uint32 {
	u := uint32(off)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | uint32(rd)<<7 | 0x6f
}

func fitsI(v int64) bool {
	return v >= -2048 && v < 2048
}

func (p *Program) immI(op, f3 uint32, rd, rs1 Reg, imm int64) {
	p.check(fitsI(imm), "immediate %d out of range at %#x", imm, p.PC())
	p.emit(iType(op, f3, rd, rs1, imm))
}

func (p *Program) Addi(rd, rs Reg, imm int64)  { p.immI(0x13, 0, rd, rs, imm) }
func (p *Program) Slti(rd, rs Reg, imm int64)  { p.immI(0x13, 2, rd, rs, imm) }
func (p *Program) Sltiu(rd, rs Reg, imm int64) { p.immI(0x13, 3, rd, rs, imm) }
func (p *Program) Xori(rd, rs Reg, imm int64)  { p.immI(0x13, 4, rd, rs, imm) }
func (p *Program) Ori(rd, rs Reg, imm int64)   { p.immI(0x13, 6, rd, rs, imm) }
func (p *Program) Andi(rd, rs Reg, imm int64)  { p.immI(0x13, 7, rd, rs, imm) }
func (p *Program) Addiw(rd, rs Reg, imm int64) { p.immI(0x1b, 0, rd, rs, imm) }

func (p *Program) shift(op, f3 uint32, hi int64, rd, rs Reg, shamt, limit uint) {
	p.check(shamt < limit, "shift amount %d out of range", shamt)
	p.emit(iType(op, f3, rd, rs, hi<<6|int64(shamt)))
}

func (p *Program) Slli(rd, rs Reg, shamt uint) { p.shift(0x13, 1, 0, rd, rs, shamt, 64) }
func (p *Program) Srli(rd, rs Reg, shamt uint) { p.shift(0x13, 5, 0, rd, rs, shamt, 64) }
func (p *Program) Srai(rd, rs Reg, shamt uint) { p.shift(0x13, 5, 0x10, rd, rs, shamt, 64) }

func (p *Program) op(f3, f7 uint32, rd, rs1, rs2 Reg) { p.emit(rType(0x33, f3, f7, rd, rs1, rs2)) }

func (p *Program) Add(rd, rs1, rs2 Reg)  { p.op(0, 0, rd, rs1, rs2) }
func (p *Program) Sub(rd, rs1, rs2 Reg)  { p.op(0, 0x20, rd, rs1, rs2) }
func (p *Program) Sll(rd, rs1, rs2 Reg)  { p.op(1, 0, rd, rs1, rs2) }
func (p *Program) Slt(rd, rs1, rs2 Reg)  { p.op(2, 0, rd, rs1, rs2) }
func (p *Program) Sltu(rd, rs1, rs2 Reg) { p.op(3, 0, rd, rs1, rs2) }
func (p *Program) Xor(rd, rs1, rs2 Reg)  { p.op(4, 0, rd, rs1, rs2) }
func (p *Program) Srl(rd, rs1, rs2 Reg)  { p.op(5, 0, rd, rs1, rs2) }
func (p *Program) Sra(rd, rs1, rs2 Reg)  { p.op(5, 0x20, rd, rs1, rs2) }
func (p *Program) Or(rd, rs1, rs2 Reg)   { p.op(6, 0, rd, rs1, rs2) }
func (p *Program) And(rd, rs1, rs2 Reg)  { p.op(7, 0, rd, rs1, rs2) }
func (p *Program) Mul(rd, rs1, rs2 Reg)  { p.op(0, 1, rd, rs1, rs2) }
func (p *Program) Mulh(rd, rs1, rs2 Reg) { p.op(1, 1, rd, rs1, rs2) }
func (p *Program) Div(rd, rs1, rs2 Reg)  { p.op(4, 1, rd, rs1, rs2) }
func (p *Program) Divu(rd, rs1, rs2 Reg) { p.op(5, 1, rd, rs1, rs2) }
func (p *Program) Rem(rd, rs1, rs2 Reg)  { p.op(6, 1, rd, rs1, rs2) }
func (p *Program) Remu(rd, rs1, rs2 Reg) { p.op(7, 1, rd, rs1, rs2) }

func (p *Program) Addw(rd, rs1, rs2 Reg) { p.emit(rType(0x3b, 0, 0, rd, rs1, rs2)) }
func (p *Program) Mulw(rd, rs1, rs2 Reg) { p.emit(rType(0x3b, 0, 1, rd, rs1, rs2)) }

func (p *Program) Lui(rd Reg, imm int64)   { p.emit(uType(0x37, rd, imm)) }
func (p *Program) Auipc(rd Reg, imm int64) { p.emit(uType(0x17, rd, imm)) }

func (p *Program) Lb(rd, rs Reg, off int64)  { p.immI(0x03, 0, rd, rs, off) }
func (p *Program) Lh(rd, rs Reg, off int64)  { p.immI(0x03, 1, rd, rs, off) }
func (p *Program) Lw(rd, rs Reg, off int64)  { p.immI(0x03, 2, rd, rs, off) }
func (p *Program) Ld(rd, rs Reg, off int64)  { p.immI(0x03, 3, rd, rs, off) }
func (p *Program) Lbu(rd, rs Reg, off int64) { p.immI(0x03, 4, rd, rs, off) }
func (p *Program) Lhu(rd, rs Reg, off int64) { p.immI(0x03, 5, rd, rs, off) }
func (p *Program) Lwu(rd, rs Reg, off int64) { p.immI(0x03, 6, rd, rs, off) }

func (p *Program) st(f3 uint32, src, base Reg, off int64) {
	p.check(fitsI(off), "store offset %d out of range", off)
	p.emit(sType(0x23, f3, base, src, off))
}

// Stores take the value first and the base second, as written in assembly:
// sd src, off(base).
func (p *Program) Sb(src, base Reg, off int64) { p.st(0, src, base, off) }
func (p *Program) Sh(src, base Reg, off int64) { p.st(1, src, base, off) }
func (p *Program) Sw(src, base Reg, off int64) { p.st(2, src, base, off) }
func (p *Program) Sd(src, base Reg, off int64) { p.st(3, src, base, off) }

func (p *Program) branch(f3 uint32, rs1, rs2 Reg, label string) {
	p.fixups = append(p.fixups, fixup{kind: fixBranch, at: len(p.buf), label: label})
	p.emit(bType(f3, rs1, rs2, 0))
}

func (p *Program) Beq(rs1, rs2 Reg, label string)  { p.branch(0, rs1, rs2, label) }
func (p *Program) Bne(rs1, rs2 Reg, label string)  { p.branch(1, rs1, rs2, label) }
func (p *Program) Blt(rs1, rs2 Reg, label string)  { p.branch(4, rs1, rs2, label) }
func (p *Program) Bge(rs1, rs2 Reg, label string)  { p.branch(5, rs1, rs2, label) }
func (p *Program) Bltu(rs1, rs2 Reg, label string) { p.branch(6, rs1, rs2, label) }
func (p *Program) Bgeu(rs1, rs2 Reg, label string) { p.branch(7, rs1, rs2, label) }
func (p *Program) Beqz(rs Reg, label string)       { p.Beq(rs, Zero, label) }
func (p *Program) Bnez(rs Reg, label string)       { p.Bne(rs, Zero, label) }
func (p *Program) Bltz(rs Reg, label string)       { p.Blt(rs, Zero, label) }

func (p *Program) Jal(rd Reg, label string) {
	p.fixups = append(p.fixups, fixup{kind: fixJal, at: len(p.buf), label: label})
	p.emit(jType(rd, 0))
}

func (p *Program) J(label string)    { p.Jal(Zero, label) }
func (p *Program) Call(label string) { p.Jal(RA, label) }

func (p *Program) Jalr(rd, rs Reg, off int64) { p.immI(0x67, 0, rd, rs, off) }
func (p *Program) Ret()                       { p.Jalr(Zero, RA, 0) }

func (p *Program) Mv(rd, rs Reg) { p.Addi(rd, rs, 0) }
func (p *Program) Nop()          { p.Addi(Zero, Zero, 0) }

func (p *Program) Ecall()  { p.emit(0x00000073) }
func (p *Program) Ebreak() { p.emit(0x00100073) }

// Word places a raw instruction word, for encodings the assembler has no
// helper for.
func (p *Program) Word(v uint32) { p.emit(v) }

// Li loads an arbitrary 64-bit constant.
func (p *Program) Li(rd Reg, imm int64) {
	switch {
	case fitsI(imm):
		p.Addi(rd, Zero, imm)
	case imm == int64(int32(imm)):
		hi := (imm + 0x800) >> 12
		lo := imm - hi<<12

		p.Lui(rd, hi<<12)
		if lo != 0 {
			p.Addiw(rd, rd, lo)
		}
	default:
		lo := imm << 52 >> 52
		hi := (imm - lo) >> 12

		p.Li(rd, hi)
		p.Slli(rd, rd, 12)
		if lo != 0 {
			p.Addi(rd, rd, lo)
		}
	}
}

// La loads the address of a label, pc relative.
func (p *Program) La(rd Reg, label string) {
	p.fixups = append(p.fixups, fixup{kind: fixPCRel, at: len(p.buf), label: label})
	p.Auipc(rd, 0)
	p.Addi(rd, rd, 0)
}

// Syscall loads the call number into a7 and traps. Arguments are expected
// in a0..a5 already.
func (p *Program) Syscall(nr int64) {
	p.Li(A7, nr)
	p.Ecall()
}

func (p *Program) Align(n int) {
	for len(p.buf)%n != 0 {
		p.buf = append(p.buf, 0)
	}
}

// Bytes places raw data under a label.
func (p *Program) Bytes(label string, data []byte) {
	p.Align(8)
	p.Label(label)
	p.buf = append(p.buf, data...)
	p.Align(4)
}

// Asciz places a NUL terminated string under a label.
func (p *Program) Asciz(label, s string) {
	p.Bytes(label, append([]byte(s), 0))
}

func (p *Program) patch(f fixup) error {
	target, ok := p.labels[f.label]
	if !ok {
		return errors.Wrapf(ErrUndefinedLabel, "%q", f.label)
	}

	off := int64(target - f.at)
	word := binary.LittleEndian.Uint32(p.buf[f.at:])

	switch f.kind {
	case fixBranch:
		if off < -4096 || off >= 4096 {
			return fmt.Errorf("branch to %q out of range", f.label)
		}

		word |= bType(0, 0, 0, off) &^ 0x63
	case fixJal:
		if off < -(1<<20) || off >= 1<<20 {
			return fmt.Errorf("jump to %q out of range", f.label)
		}

		word |= jType(0, off) &^ 0x6f
	case fixPCRel:
		hi := (off + 0x800) >> 12
		lo := off - hi<<12

		binary.LittleEndian.PutUint32(p.buf[f.at:], word|uint32(hi<<12)&0xfffff000)

		addi := binary.LittleEndian.Uint32(p.buf[f.at+4:])
		binary.LittleEndian.PutUint32(p.buf[f.at+4:], addi|uint32(lo&0xfff)<<20)

		return nil
	}

	binary.LittleEndian.PutUint32(p.buf[f.at:], word)

	return nil
}

// Assemble resolves labels and returns the image bytes.
func (p *Program) Assemble() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}

	for _, f := range p.fixups {
		if err := p.patch(f); err != nil {
			return nil, err
		}
	}

	p.fixups = nil

	return p.buf, nil
}
