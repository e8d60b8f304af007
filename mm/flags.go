package mm

import (
	"strings"

	"github.com/evanphx/rafos/abi/linux"
)

type VMFlags uint32

const (
	VMRead VMFlags = 1 << iota
	VMWrite
	VMExec
	VMUser
	VMShared
	// VMIdentical areas map every virtual page onto the physical page with
	// the same number and own no frames.
	VMIdentical
)

func (f VMFlags) Has(bits VMFlags) bool {
	return f&bits == bits
}

// Accessible areas have at least one of read, write or execute. Pages of
// other areas are never installed, since a leaf without R, W or X would be
// read by the hardware as a pointer to another table level.
func (f VMFlags) Accessible() bool {
	return f&(VMRead|VMWrite|VMExec) != 0
}

// PTEFlags converts area permissions to leaf entry bits. Accessed and
// dirty are preset so the hart never has to update them.
func (f VMFlags) PTEFlags() PTEFlags {
	flags := PTEValid | PTEAccessed | PTEDirty

	if f.Has(VMRead) {
		flags |= PTERead
	}
	if f.Has(VMWrite) {
		flags |= PTEWrite
	}
	if f.Has(VMExec) {
		flags |= PTEExec
	}
	if f.Has(VMUser) {
		flags |= PTEUser
	}

	return flags
}

func (f VMFlags) String() string {
	var parts []string

	for _, n := range []struct {
		flag VMFlags
		name string
	}{
		{VMRead, "READ"},
		{VMWrite, "WRITE"},
		{VMExec, "EXEC"},
		{VMUser, "USER"},
		{VMShared, "SHARED"},
		{VMIdentical, "IDENTICAL"},
	} {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, "|")
}

// ProtFlags converts mmap protection bits to user area flags.
func ProtFlags(prot int) VMFlags {
	flags := VMUser

	if prot&linux.PROT_READ != 0 {
		flags |= VMRead
	}
	if prot&linux.PROT_WRITE != 0 {
		flags |= VMWrite
	}
	if prot&linux.PROT_EXEC != 0 {
		flags |= VMExec
	}

	return flags
}
