package kernel

import (
	"sync"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/log"
	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
)

// SigActions is the signal disposition table. Tasks created with
// CLONE_SIGHAND share one; others get a copy.
type SigActions struct {
	mu      sync.Mutex
	Actions map[linux.Signal]linux.SigAction
}

func NewSigActions() *SigActions {
	return &SigActions{
		Actions: make(map[linux.Signal]linux.SigAction),
	}
}

func (s *SigActions) Get(sig linux.Signal) linux.SigAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.Actions[sig]
}

// Set installs act for sig and returns the previous action.
func (s *SigActions) Set(sig linux.Signal, act linux.SigAction) (linux.SigAction, error) {
	if !sig.Valid() || sig == linux.SIGKILL || sig == linux.SIGSTOP {
		return linux.SigAction{}, errors.Wrapf(abi.ErrInvalidArgs, "signal %s", sig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.Actions[sig]

	if act == (linux.SigAction{}) {
		delete(s.Actions, sig)
	} else {
		s.Actions[sig] = act
	}

	return old, nil
}

func (s *SigActions) Copy() *SigActions {
	s.mu.Lock()
	defer s.mu.Unlock()

	return deepcopy.Copy(s).(*SigActions)
}

// FSInfo is the per-task filesystem context. Tasks created with CLONE_FS
// share one; others get a copy.
type FSInfo struct {
	mu    sync.Mutex
	Cwd   string
	Umask uint32
}

func NewFSInfo() *FSInfo {
	return &FSInfo{Cwd: "/", Umask: 0022}
}

func (f *FSInfo) CurrentDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.Cwd
}

func (f *FSInfo) SetCurrentDir(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Cwd = dir
}

func (f *FSInfo) Copy() *FSInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	return deepcopy.Copy(f).(*FSInfo)
}

// SendSignal marks sig pending on t. Nothing is delivered; user code
// observes the pending set only through the kernel's bookkeeping.
func (t *Task) SendSignal(sig linux.Signal) {
	if !sig.Valid() {
		return
	}

	for {
		old := t.sigPending.Load()
		if t.sigPending.CompareAndSwap(old, old|uint64(linux.SignalSetOf(sig))) {
			break
		}
	}

	log.L.Trace("signal-pending", "tid", t.tid, "signal", sig)
}

func (t *Task) PendingSignals() linux.SigSet {
	return linux.SigSet(t.sigPending.Load())
}

func (t *Task) BlockedSignals() linux.SigSet {
	return t.inner.sigBlocked
}

// SetSignalMask applies an rt_sigprocmask request and returns the old
// mask. SIGKILL and SIGSTOP stay unblocked.
func (t *Task) SetSignalMask(how int, set linux.SigSet) (linux.SigSet, error) {
	old := t.inner.sigBlocked

	switch how {
	case linux.SIG_BLOCK:
		t.inner.sigBlocked |= set
	case linux.SIG_UNBLOCK:
		t.inner.sigBlocked &^= set
	case linux.SIG_SETMASK:
		t.inner.sigBlocked = set
	default:
		return old, errors.Wrapf(abi.ErrInvalidArgs, "sigprocmask how %d", how)
	}

	t.inner.sigBlocked &^= linux.UnblockableSignals

	return old, nil
}

func (t *Task) SigActions() *SigActions {
	return t.sigActions
}

func (t *Task) FSInfo() *FSInfo {
	return t.fsInfo
}

// Kill marks sig pending on the task with id pid. A zero sig only checks
// that the task exists.
func (k *Kernel) Kill(pid int, sig linux.Signal) error {
	if sig != linux.SIGNONE && !sig.Valid() {
		return errors.Wrapf(abi.ErrInvalidArgs, "signal %d", sig)
	}

	t, ok := k.Lookup(pid)
	if !ok || t.State() == Dead {
		return errors.Wrapf(abi.ErrNoProcess, "pid %d", pid)
	}

	t.SendSignal(sig)

	return nil
}
