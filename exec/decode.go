package exec

import (
	"encoding/binary"
	"math"
	"math/bits"
)

const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opImm     = 0x13
	opAuipc   = 0x17
	opImm32   = 0x1b
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opOp32    = 0x3b
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6f
	opSystem  = 0x73
)

const (
	instEcall  = 0x00000073
	instEbreak = 0x00100073
)

// User readable counters.
const (
	csrCycle   = 0xc00
	csrTime    = 0xc01
	csrInstret = 0xc02
)

type inst uint32

func (i inst) opcode() uint32 { return uint32(i) & 0x7f }
func (i inst) rd() int        { return int(i>>7) & 0x1f }
func (i inst) funct3() uint32 { return uint32(i>>12) & 0x7 }
func (i inst) rs1() int       { return int(i>>15) & 0x1f }
func (i inst) rs2() int       { return int(i>>20) & 0x1f }
func (i inst) funct7() uint32 { return uint32(i >> 25) }

func (i inst) immI() int64 {
	return int64(int32(i) >> 20)
}

func (i inst) immS() int64 {
	return int64(int32(i)>>25)<<5 | int64(i>>7)&0x1f
}

func (i inst) immB() int64 {
	v := uint32(i>>31)&1<<12 | uint32(i>>7)&1<<11 | uint32(i>>25)&0x3f<<5 | uint32(i>>8)&0xf<<1
	return int64(int32(v<<19) >> 19)
}

func (i inst) immU() int64 {
	return int64(int32(uint32(i) & 0xfffff000))
}

func (i inst) immJ() int64 {
	v := uint32(i>>31)&1<<20 | uint32(i>>12)&0xff<<12 | uint32(i>>20)&1<<11 | uint32(i>>21)&0x3ff<<1
	return int64(int32(v<<11) >> 11)
}

func sext32(v uint64) uint64 {
	return uint64(int64(int32(uint32(v))))
}

// step executes one instruction. It returns false with the fault recorded
// when the instruction traps; the pc is left on the trapping instruction.
func (h *Hart) step() bool {
	if h.PC&3 != 0 {
		h.raise(CauseInstMisaligned, h.PC)
		return false
	}

	var ib [4]byte
	if !h.copyIn(h.PC, ib[:], accessFetch) {
		return false
	}

	in := inst(binary.LittleEndian.Uint32(ib[:]))
	next := h.PC + 4

	r := &h.Regs
	rs1, rs2 := r[in.rs1()], r[in.rs2()]

	var (
		val   uint64
		write = true
	)

	switch in.opcode() {
	case opLui:
		val = uint64(in.immU())
	case opAuipc:
		val = h.PC + uint64(in.immU())
	case opJal:
		val = next
		next = h.PC + uint64(in.immJ())
	case opJalr:
		if in.funct3() != 0 {
			return h.illegal(in)
		}

		val = next
		next = (rs1 + uint64(in.immI())) &^ 1
	case opBranch:
		write = false

		var taken bool
		switch in.funct3() {
		case 0:
			taken = rs1 == rs2
		case 1:
			taken = rs1 != rs2
		case 4:
			taken = int64(rs1) < int64(rs2)
		case 5:
			taken = int64(rs1) >= int64(rs2)
		case 6:
			taken = rs1 < rs2
		case 7:
			taken = rs1 >= rs2
		default:
			return h.illegal(in)
		}

		if taken {
			next = h.PC + uint64(in.immB())
		}
	case opLoad:
		addr := rs1 + uint64(in.immI())

		var (
			size   int
			signed bool
		)

		switch in.funct3() {
		case 0:
			size, signed = 1, true
		case 1:
			size, signed = 2, true
		case 2:
			size, signed = 4, true
		case 3:
			size = 8
		case 4:
			size = 1
		case 5:
			size = 2
		case 6:
			size = 4
		default:
			return h.illegal(in)
		}

		v, ok := h.load(addr, size)
		if !ok {
			return false
		}

		if signed && size < 8 {
			shift := uint(64 - 8*size)
			v = uint64(int64(v<<shift) >> shift)
		}

		val = v
	case opStore:
		write = false

		f3 := in.funct3()
		if f3 > 3 {
			return h.illegal(in)
		}

		if !h.store(rs1+uint64(in.immS()), 1<<f3, rs2) {
			return false
		}
	case opImm:
		imm := uint64(in.immI())
		shamt := uint(in.immI() & 0x3f)

		switch in.funct3() {
		case 0:
			val = rs1 + imm
		case 1:
			if in.funct7()>>1 != 0 {
				return h.illegal(in)
			}
			val = rs1 << shamt
		case 2:
			val = b2u(int64(rs1) < int64(imm))
		case 3:
			val = b2u(rs1 < imm)
		case 4:
			val = rs1 ^ imm
		case 5:
			switch in.funct7() >> 1 {
			case 0:
				val = rs1 >> shamt
			case 0x10:
				val = uint64(int64(rs1) >> shamt)
			default:
				return h.illegal(in)
			}
		case 6:
			val = rs1 | imm
		case 7:
			val = rs1 & imm
		}
	case opImm32:
		shamt := uint(in.rs2())

		switch {
		case in.funct3() == 0:
			val = sext32(rs1 + uint64(in.immI()))
		case in.funct3() == 1 && in.funct7() == 0:
			val = sext32(rs1 << shamt)
		case in.funct3() == 5 && in.funct7() == 0:
			val = sext32(uint64(uint32(rs1) >> shamt))
		case in.funct3() == 5 && in.funct7() == 0x20:
			val = sext32(uint64(int32(rs1) >> shamt))
		default:
			return h.illegal(in)
		}
	case opOp:
		v, ok := alu(in.funct3(), in.funct7(), rs1, rs2)
		if !ok {
			return h.illegal(in)
		}
		val = v
	case opOp32:
		v, ok := alu32(in.funct3(), in.funct7(), rs1, rs2)
		if !ok {
			return h.illegal(in)
		}
		val = v
	case opMiscMem:
		write = false
	case opSystem:
		switch {
		case in == instEcall:
			h.raise(CauseUserEcall, 0)
			return false
		case in == instEbreak:
			h.raise(CauseBreakpoint, h.PC)
			return false
		case in.funct3() == 2 && in.rs1() == 0:
			switch uint32(in) >> 20 {
			case csrCycle, csrTime, csrInstret:
				val = h.Retired
			default:
				return h.illegal(in)
			}
		default:
			return h.illegal(in)
		}
	default:
		return h.illegal(in)
	}

	if write && in.rd() != 0 {
		r[in.rd()] = val
	}

	h.PC = next
	h.Retired++

	return true
}

func (h *Hart) illegal(in inst) bool {
	h.raise(CauseIllegalInstruction, uint64(in))
	return false
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

func alu(f3, f7 uint32, a, b uint64) (uint64, bool) {
	switch f7 {
	case 0:
		switch f3 {
		case 0:
			return a + b, true
		case 1:
			return a << (b & 0x3f), true
		case 2:
			return b2u(int64(a) < int64(b)), true
		case 3:
			return b2u(a < b), true
		case 4:
			return a ^ b, true
		case 5:
			return a >> (b & 0x3f), true
		case 6:
			return a | b, true
		case 7:
			return a & b, true
		}
	case 0x20:
		switch f3 {
		case 0:
			return a - b, true
		case 5:
			return uint64(int64(a) >> (b & 0x3f)), true
		}
	case 1:
		return muldiv(f3, a, b), true
	}

	return 0, false
}

func muldiv(f3 uint32, a, b uint64) uint64 {
	switch f3 {
	case 0:
		return a * b
	case 1:
		hi, _ := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		return hi
	case 2:
		hi, _ := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		return hi
	case 3:
		hi, _ := bits.Mul64(a, b)
		return hi
	case 4:
		switch {
		case b == 0:
			return math.MaxUint64
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return a
		}
		return uint64(int64(a) / int64(b))
	case 5:
		if b == 0 {
			return math.MaxUint64
		}
		return a / b
	case 6:
		switch {
		case b == 0:
			return a
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return 0
		}
		return uint64(int64(a) % int64(b))
	default:
		if b == 0 {
			return a
		}
		return a % b
	}
}

func alu32(f3, f7 uint32, a, b uint64) (uint64, bool) {
	x, y := uint32(a), uint32(b)

	switch {
	case f7 == 0 && f3 == 0:
		return sext32(uint64(x + y)), true
	case f7 == 0x20 && f3 == 0:
		return sext32(uint64(x - y)), true
	case f7 == 0 && f3 == 1:
		return sext32(uint64(x << (y & 0x1f))), true
	case f7 == 0 && f3 == 5:
		return sext32(uint64(x >> (y & 0x1f))), true
	case f7 == 0x20 && f3 == 5:
		return sext32(uint64(int32(x) >> (y & 0x1f))), true
	case f7 == 1:
		sx, sy := int32(x), int32(y)

		switch f3 {
		case 0:
			return sext32(uint64(x * y)), true
		case 4:
			switch {
			case y == 0:
				return math.MaxUint64, true
			case sx == math.MinInt32 && sy == -1:
				return sext32(uint64(x)), true
			}
			return sext32(uint64(sx / sy)), true
		case 5:
			if y == 0 {
				return math.MaxUint64, true
			}
			return sext32(uint64(x / y)), true
		case 6:
			switch {
			case y == 0:
				return sext32(uint64(x)), true
			case sx == math.MinInt32 && sy == -1:
				return 0, true
			}
			return sext32(uint64(sx % sy)), true
		case 7:
			if y == 0 {
				return sext32(uint64(x)), true
			}
			return sext32(uint64(x % y)), true
		}
	}

	return 0, false
}
