package linux

import "strings"

type CloneFlags uint64

const (
	CSIGNAL              CloneFlags = 0x000000ff
	CLONE_VM             CloneFlags = 0x00000100
	CLONE_FS             CloneFlags = 0x00000200
	CLONE_FILES          CloneFlags = 0x00000400
	CLONE_SIGHAND        CloneFlags = 0x00000800
	CLONE_PARENT         CloneFlags = 0x00008000
	CLONE_THREAD         CloneFlags = 0x00010000
	CLONE_NEWNS          CloneFlags = 0x00020000
	CLONE_SETTLS         CloneFlags = 0x00080000
	CLONE_PARENT_SETTID  CloneFlags = 0x00100000
	CLONE_CHILD_CLEARTID CloneFlags = 0x00200000
	CLONE_CHILD_SETTID   CloneFlags = 0x01000000
)

func (f CloneFlags) Has(bits CloneFlags) bool {
	return f&bits == bits
}

func (f CloneFlags) Any(bits CloneFlags) bool {
	return f&bits != 0
}

// Signal is the exit signal carried in the low byte.
func (f CloneFlags) Signal() Signal {
	return Signal(f & CSIGNAL)
}

var cloneNames = []struct {
	flag CloneFlags
	name string
}{
	{CLONE_VM, "VM"},
	{CLONE_FS, "FS"},
	{CLONE_FILES, "FILES"},
	{CLONE_SIGHAND, "SIGHAND"},
	{CLONE_PARENT, "PARENT"},
	{CLONE_THREAD, "THREAD"},
	{CLONE_NEWNS, "NEWNS"},
	{CLONE_SETTLS, "SETTLS"},
	{CLONE_PARENT_SETTID, "PARENT_SETTID"},
	{CLONE_CHILD_CLEARTID, "CHILD_CLEARTID"},
	{CLONE_CHILD_SETTID, "CHILD_SETTID"},
}

func (f CloneFlags) String() string {
	var parts []string

	for _, n := range cloneNames {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}

	if sig := f.Signal(); sig != 0 {
		parts = append(parts, sig.String())
	}

	if len(parts) == 0 {
		return "0"
	}

	return strings.Join(parts, "|")
}
