package linux

import "fmt"

type Signal int

const (
	SIGNONE Signal = 0
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGQUIT Signal = 3
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGABRT Signal = 6
	SIGBUS  Signal = 7
	SIGFPE  Signal = 8
	SIGKILL Signal = 9
	SIGUSR1 Signal = 10
	SIGSEGV Signal = 11
	SIGUSR2 Signal = 12
	SIGPIPE Signal = 13
	SIGALRM Signal = 14
	SIGTERM Signal = 15
	SIGCHLD Signal = 17
	SIGCONT Signal = 18
	SIGSTOP Signal = 19

	SignalMaximum Signal = 64
)

func (s Signal) Valid() bool {
	return s > 0 && s <= SignalMaximum
}

func (s Signal) String() string {
	switch s {
	case SIGCHLD:
		return "SIGCHLD"
	case SIGKILL:
		return "SIGKILL"
	case SIGSEGV:
		return "SIGSEGV"
	case SIGTERM:
		return "SIGTERM"
	case SIGNONE:
		return "SIGNONE"
	}

	return fmt.Sprintf("SIG%d", int(s))
}

// SigSet is a bitmask of signals, bit n-1 for signal n.
type SigSet uint64

func SignalSetOf(s Signal) SigSet {
	return SigSet(1) << uint(s-1)
}

func (ss SigSet) Has(s Signal) bool {
	return ss&SignalSetOf(s) != 0
}

// UnblockableSignals can never be masked.
var UnblockableSignals = SignalSetOf(SIGKILL) | SignalSetOf(SIGSTOP)

const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// SigAction is the rt_sigaction record as laid out for riscv64.
type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     SigSet
}
