package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/mm"
	"github.com/pkg/errors"
)

// Header controls the image WriteELF produces. The ELF and program headers
// are loaded read-only at Base, so segments must start at least a page
// above it.
type Header struct {
	Type  elf.Type
	Entry uint64
	Base  uint64
}

const (
	ehdrSize = 64
	phdrSize = 56
)

func progFlags(f mm.VMFlags) elf.ProgFlag {
	var pf elf.ProgFlag

	if f.Has(mm.VMRead) {
		pf |= elf.PF_R
	}
	if f.Has(mm.VMWrite) {
		pf |= elf.PF_W
	}
	if f.Has(mm.VMExec) {
		pf |= elf.PF_X
	}

	return pf
}

// WriteELF emits a 64-bit little-endian RISC-V image with one PT_LOAD per
// segment.
func WriteELF(w io.Writer, hdr Header, segs []Segment) error {
	if hdr.Type == elf.ET_NONE {
		hdr.Type = elf.ET_EXEC
	}

	phnum := len(segs) + 1
	hdrLen := uint64(ehdrSize + phnum*phdrSize)

	progs := []elf.Prog64{{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R),
		Off:    0,
		Vaddr:  hdr.Base,
		Paddr:  hdr.Base,
		Filesz: hdrLen,
		Memsz:  hdrLen,
		Align:  mm.PageSize,
	}}

	cur := mm.PageCeil(hdrLen)
	offsets := make([]uint64, len(segs))

	for i, seg := range segs {
		if seg.Addr < hdr.Base+mm.PageCeil(hdrLen) {
			return errors.Wrapf(abi.ErrInvalidArgs, "segment %d at %#x overlaps the headers", i, seg.Addr)
		}

		if uint64(len(seg.Data)) > seg.MemSize {
			return errors.Wrapf(abi.ErrInvalidArgs, "segment %d data exceeds its size", i)
		}

		off := cur + mm.PageOffset(seg.Addr)
		offsets[i] = off
		cur = mm.PageCeil(off + uint64(len(seg.Data)))

		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(progFlags(seg.Flags)),
			Off:    off,
			Vaddr:  seg.Addr,
			Paddr:  seg.Addr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  seg.MemSize,
			Align:  mm.PageSize,
		})
	}

	eh := elf.Header64{
		Type:      uint16(hdr.Type),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     hdr.Entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(phnum),
	}

	copy(eh.Ident[:], elf.ELFMAG)
	eh.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	eh.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	eh.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, &eh); err != nil {
		return err
	}

	if err := binary.Write(&buf, binary.LittleEndian, progs); err != nil {
		return err
	}

	for i, seg := range segs {
		buf.Write(make([]byte, offsets[i]-uint64(buf.Len())))
		buf.Write(seg.Data)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// BuildELF is WriteELF into a byte slice.
func BuildELF(hdr Header, segs []Segment) ([]byte, error) {
	var buf bytes.Buffer

	if err := WriteELF(&buf, hdr, segs); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
