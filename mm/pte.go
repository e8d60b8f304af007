package mm

import "strings"

type PTEFlags uint64

const (
	PTEValid PTEFlags = 1 << iota
	PTERead
	PTEWrite
	PTEExec
	PTEUser
	PTEGlobal
	PTEAccessed
	PTEDirty
)

const pteFlagMask = 0x3ff

func (f PTEFlags) Has(bits PTEFlags) bool {
	return f&bits == bits
}

func (f PTEFlags) String() string {
	var sb strings.Builder

	for i, c := range "VRWXUGAD" {
		if f&(1<<uint(i)) != 0 {
			sb.WriteRune(c)
		} else {
			sb.WriteByte('-')
		}
	}

	return sb.String()
}

// PTE is a single Sv39 page table entry.
type PTE uint64

func NewPTE(ppn uint64, flags PTEFlags) PTE {
	return PTE(ppn<<10 | uint64(flags&pteFlagMask))
}

func (p PTE) PPN() uint64 {
	return (uint64(p) >> 10) & (1<<44 - 1)
}

func (p PTE) Flags() PTEFlags {
	return PTEFlags(p) & pteFlagMask
}

func (p PTE) Valid() bool {
	return p.Flags().Has(PTEValid)
}

// Leaf entries carry at least one of R, W or X.
func (p PTE) Leaf() bool {
	return p.Flags()&(PTERead|PTEWrite|PTEExec) != 0
}

func (p PTE) Writable() bool {
	return p.Flags().Has(PTEWrite)
}
