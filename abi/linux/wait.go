package linux

type WaitOptions uint32

const (
	WNOHANG    WaitOptions = 0x00000001
	WUNTRACED  WaitOptions = 0x00000002
	WEXITED    WaitOptions = 0x00000004
	WCONTINUED WaitOptions = 0x00000008
	WNOWAIT    WaitOptions = 0x01000000
	WNOTHREAD  WaitOptions = 0x20000000 // __WNOTHREAD
	WALL       WaitOptions = 0x40000000 // __WALL
	WCLONE     WaitOptions = 0x80000000 // __WCLONE
)

// wait4 accepts only these bits from user code.
const wait4Mask = WNOHANG | WUNTRACED | WCONTINUED | WALL | WNOTHREAD | WCLONE

// ValidWait4 reports whether o carries only bits wait4 knows about.
func (o WaitOptions) ValidWait4() bool {
	return o&^wait4Mask == 0
}

func (o WaitOptions) Has(bits WaitOptions) bool {
	return o&bits == bits
}

// ExitStatus encodes a normal exit the way wait reports it.
func ExitStatus(code int32) int32 {
	return code << 8
}
