// Package loader builds user address spaces from RISC-V ELF images.
package loader

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/mm"
	"github.com/pkg/errors"
)

// Segment is one PT_LOAD entry with the relocation already applied.
type Segment struct {
	Addr    uint64
	MemSize uint64
	Flags   mm.VMFlags
	Data    []byte
}

func (s Segment) End() uint64 {
	return s.Addr + s.MemSize
}

// Image is a parsed executable ready to be placed into any number of
// address spaces.
type Image struct {
	Entry    uint64
	Base     uint64
	StartBrk uint64
	Segments []Segment
}

func segmentFlags(f elf.ProgFlag) mm.VMFlags {
	flags := mm.VMUser

	if f&elf.PF_R != 0 {
		flags |= mm.VMRead
	}
	if f&elf.PF_W != 0 {
		flags |= mm.VMWrite
	}
	if f&elf.PF_X != 0 {
		flags |= mm.VMExec
	}

	return flags
}

// Parse validates an ELF image and extracts its loadable segments. Only
// 64-bit RISC-V executables and shared objects are accepted. A position
// independent image whose first segment links at 0 is moved up to
// config.ELFBaseRelocate.
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(abi.ErrELFInvalidHeader, "%s", err)
	}

	defer f.Close()

	if (f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN) ||
		f.Class != elf.ELFCLASS64 ||
		f.Machine != elf.EM_RISCV {
		return nil, errors.Wrapf(abi.ErrELFInvalidHeader, "type=%s class=%s machine=%s", f.Type, f.Class, f.Machine)
	}

	img := &Image{}

	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Off == 0 {
			if p.Vaddr == 0 {
				img.Base = config.ELFBaseRelocate
			}
			break
		}
	}

	var maxEnd uint64

	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		addr := p.Vaddr + img.Base
		end := addr + p.Memsz

		if p.Filesz > p.Memsz || end < addr || end-1 > config.LowMaxVA {
			return nil, errors.Wrapf(abi.ErrELFInvalidSegment, "segment %d [%#x, %#x) filesz=%#x", i, addr, end, p.Filesz)
		}

		seg := Segment{
			Addr:    addr,
			MemSize: p.Memsz,
			Flags:   segmentFlags(p.Flags),
			Data:    make([]byte, p.Filesz),
		}

		if _, err := io.ReadFull(p.Open(), seg.Data); err != nil {
			return nil, errors.Wrapf(abi.ErrELFInvalidSegment, "segment %d: %s", i, err)
		}

		img.Segments = append(img.Segments, seg)
		maxEnd = max(maxEnd, end)
	}

	if len(img.Segments) == 0 {
		return nil, errors.Wrapf(abi.ErrELFInvalidSegment, "no loadable segments")
	}

	img.Entry = f.Entry + img.Base
	img.StartBrk = mm.PageCeil(maxEnd)

	return img, nil
}

// Place maps every segment into space and sets its entry point and program
// break.
func (img *Image) Place(space *mm.MM) error {
	for _, seg := range img.Segments {
		err := space.AllocWriteVMA(seg.Data, seg.Addr, seg.End(), seg.Flags)
		switch {
		case errors.Cause(err) == abi.ErrInvalidArgs:
			return errors.Wrapf(abi.ErrELFInvalidSegment, "placing [%#x, %#x): %s", seg.Addr, seg.End(), err)
		case err != nil:
			return err
		}

		log.L.Trace("elf-segment", "start", seg.Addr, "end", seg.End(), "flags", seg.Flags.String())
	}

	space.Entry = img.Entry
	space.StartBrk = img.StartBrk
	space.Brk = img.StartBrk

	return nil
}
