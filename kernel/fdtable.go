package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/evanphx/rafos/abi"
	"github.com/pkg/errors"
)

type fdEntry struct {
	desc    *Description
	cloexec bool
}

// FDTable maps descriptor numbers to open files. Tasks created with
// CLONE_FILES share one table; others get a copy.
type FDTable struct {
	mu      sync.Mutex
	entries []fdEntry
	limit   int

	users atomic.Int32
}

func NewFDTable(limit int) *FDTable {
	t := &FDTable{limit: limit}
	t.users.Store(1)
	return t
}

func (t *FDTable) Get() {
	t.users.Add(1)
}

// Put drops a holder of the table. The last one closes every descriptor.
func (t *FDTable) Put() {
	if t.users.Add(-1) > 0 {
		return
	}

	t.mu.Lock()
	entries := t.entries
	t.entries = nil
	t.mu.Unlock()

	for _, e := range entries {
		if e.desc != nil {
			e.desc.decRef()
		}
	}
}

func (t *FDTable) Limit() int {
	return t.limit
}

func (t *FDTable) lowestFree() (int, error) {
	for i, e := range t.entries {
		if e.desc == nil {
			return i, nil
		}
	}

	if len(t.entries) >= t.limit {
		return 0, errors.Wrapf(abi.ErrFDOutOfBound, "limit %d", t.limit)
	}

	t.entries = append(t.entries, fdEntry{})

	return len(t.entries) - 1, nil
}

// Install opens a new description for f at the lowest free descriptor.
func (t *FDTable) Install(f File, cloexec bool) (int, error) {
	return t.InstallDescription(NewDescription(f), cloexec)
}

// InstallDescription stores a description whose reference the caller
// hands over.
func (t *FDTable) InstallDescription(d *Description, cloexec bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd, err := t.lowestFree()
	if err != nil {
		return 0, err
	}

	t.entries[fd] = fdEntry{desc: d, cloexec: cloexec}

	return fd, nil
}

func (t *FDTable) entry(fd int) (*fdEntry, error) {
	if fd < 0 || fd >= t.limit {
		return nil, errors.Wrapf(abi.ErrFDOutOfBound, "fd %d", fd)
	}

	if fd >= len(t.entries) || t.entries[fd].desc == nil {
		return nil, errors.Wrapf(abi.ErrFDNotFound, "fd %d", fd)
	}

	return &t.entries[fd], nil
}

func (t *FDTable) Lookup(fd int) (*Description, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(fd)
	if err != nil {
		return nil, err
	}

	return e.desc, nil
}

func (t *FDTable) Close(fd int) error {
	t.mu.Lock()

	e, err := t.entry(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	desc := e.desc
	*e = fdEntry{}

	t.mu.Unlock()

	return desc.decRef()
}

// Dup installs a second descriptor for the same description. The copy
// never inherits close-on-exec.
func (t *FDTable) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(fd)
	if err != nil {
		return 0, err
	}

	desc := e.desc

	nfd, err := t.lowestFree()
	if err != nil {
		return 0, err
	}

	desc.incRef()
	t.entries[nfd] = fdEntry{desc: desc}

	return nfd, nil
}

func (t *FDTable) SetCloseOnExec(fd int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(fd)
	if err != nil {
		return err
	}

	e.cloexec = on

	return nil
}

// Clone copies the table for a task that does not share it. Both tables
// refer to the same descriptions.
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := NewFDTable(t.limit)
	c.entries = make([]fdEntry, len(t.entries))

	for i, e := range t.entries {
		if e.desc != nil {
			e.desc.incRef()
		}

		c.entries[i] = e
	}

	return c
}

// CloseOnExec drops every descriptor marked close-on-exec.
func (t *FDTable) CloseOnExec() {
	t.mu.Lock()

	var closing []*Description

	for i, e := range t.entries {
		if e.desc != nil && e.cloexec {
			closing = append(closing, e.desc)
			t.entries[i] = fdEntry{}
		}
	}

	t.mu.Unlock()

	for _, d := range closing {
		d.decRef()
	}
}

// Len counts open descriptors.
func (t *FDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.desc != nil {
			n++
		}
	}

	return n
}
